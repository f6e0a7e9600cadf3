package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/gostt-recorder/internal/cli"
	"github.com/chaz8081/gostt-recorder/internal/output"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	deps := &cli.Dependencies{}
	err := cli.NewRootCmd(deps).ExecuteContext(ctx)
	_ = deps.Close(context.Background())
	stop()
	if err != nil {
		output.NewFormatter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}
