// Package inject types or pastes completed transcriptions into the active
// application using robotgo.
package inject

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-vgo/robotgo"
)

// Method selects how text reaches the focused application.
type Method string

const (
	// MethodType simulates one keystroke per character. The clipboard is
	// left alone.
	MethodType Method = "type"
	// MethodPaste goes through the clipboard and the platform paste chord,
	// then restores the previous clipboard.
	MethodPaste Method = "paste"
)

// ParseMethod accepts "type" or "paste".
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodType, MethodPaste:
		return m, nil
	default:
		return "", fmt.Errorf("inject: unknown method %q (want type or paste)", s)
	}
}

// TextInjector delivers text to wherever the user is typing.
type TextInjector interface {
	Inject(text string) error
}

// Injector writes text into the active application. Calls are serialized
// so two results never interleave.
type Injector struct {
	method Method
	// restoreDelay gives the target time to read the clipboard before the
	// previous contents are put back.
	restoreDelay time.Duration

	mu sync.Mutex
}

var _ TextInjector = (*Injector)(nil)

// NewInjector parses method and returns an Injector for it.
func NewInjector(method string) (*Injector, error) {
	m, err := ParseMethod(method)
	if err != nil {
		return nil, err
	}
	return &Injector{method: m, restoreDelay: 50 * time.Millisecond}, nil
}

// Method reports the configured method.
func (inj *Injector) Method() Method { return inj.method }

// Inject is a no-op for empty text.
func (inj *Injector) Inject(text string) error {
	if text == "" {
		return nil
	}
	inj.mu.Lock()
	defer inj.mu.Unlock()

	if inj.method == MethodPaste {
		return inj.paste(text)
	}
	robotgo.Type(text)
	return nil
}

func (inj *Injector) paste(text string) error {
	prev, readErr := robotgo.ReadAll()

	if err := robotgo.WriteAll(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}
	mod := pasteModifier(runtime.GOOS)
	if err := robotgo.KeyTap("v", mod); err != nil {
		return fmt.Errorf("inject: key tap %s+v: %w", mod, err)
	}

	// An unreadable clipboard is not restored, so an empty string never
	// replaces content we failed to read.
	if readErr == nil {
		time.Sleep(inj.restoreDelay)
		_ = robotgo.WriteAll(prev)
	}
	return nil
}

func pasteModifier(goos string) string {
	if goos == "darwin" {
		return "cmd"
	}
	return "ctrl"
}
