// Package models locates and downloads whisper ggml weights.
package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

// baseURL serves ggml-<size>.bin files. Tests point it at a local server.
var baseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Path returns where the weights for size live inside dir.
func Path(dir string, size transcribe.ModelSize) string {
	return filepath.Join(dir, size.FileName())
}

// Installed lists the model sizes with weights present in dir.
func Installed(dir string) []transcribe.ModelSize {
	var out []transcribe.ModelSize
	for _, s := range transcribe.ModelSizes() {
		if info, err := os.Stat(Path(dir, s)); err == nil && info.Size() > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Download fetches the weights for size into dir, writing progress to out.
// It is a no-op if the file already exists.
func Download(ctx context.Context, dir string, size transcribe.ModelSize, out io.Writer) (string, error) {
	if out == nil {
		out = io.Discard
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("models: creating models dir: %w", err)
	}

	destPath := Path(dir, size)
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		fmt.Fprintf(out, "  Model already exists: %s (%s)\n", destPath, humanize.Bytes(uint64(info.Size())))
		return destPath, nil
	}

	url := baseURL + size.FileName()
	fmt.Fprintf(out, "  Downloading %s\n", url)
	fmt.Fprintf(out, "  Destination: %s\n", destPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("models: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("models: downloading %s: %w", size, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("models: download %s failed: HTTP %d", size, resp.StatusCode)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("models: creating temp file: %w", err)
	}

	pw := &progressWriter{
		writer: f,
		out:    out,
		total:  resp.ContentLength,
		label:  size.FileName(),
	}

	written, err := io.Copy(pw, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("models: writing model file: %w", err)
	}

	fmt.Fprintf(out, "\n  Downloaded %s\n", humanize.Bytes(uint64(written)))

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("models: moving model file: %w", err)
	}

	return destPath, nil
}

// progressWriter wraps an io.Writer and prints download progress.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Fprintf(pw.out, "\r  %s: %s / %s (%.0f%%)",
			pw.label,
			humanize.Bytes(uint64(pw.written)),
			humanize.Bytes(uint64(pw.total)),
			pct)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %s downloaded", pw.label, humanize.Bytes(uint64(pw.written)))
	}
	return n, err
}
