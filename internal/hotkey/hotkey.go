// Package hotkey turns a global key combo into session commands using
// gohook. It supports "hold" mode (press to start, release to stop) and
// "toggle" mode (press to start, press again to stop). A second combo
// cancels the active cycle.
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType is the command a key press maps to.
type EventType int

const (
	// EventStart asks for a new recording.
	EventStart EventType = iota
	// EventStop ends the recording and submits it.
	EventStop
	// EventCancel discards the active cycle.
	EventCancel
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages the global hotkeys and emits events.
type Listener struct {
	keys       []string
	cancelKeys []string
	ch         chan Event
	done       chan struct{}
	once       sync.Once

	mu    sync.Mutex
	state toggle
}

// NewListener creates a Listener for the given combos and mode. Keys are
// lowercase names (e.g. ["ctrl", "shift", "r"]). cancelKeys may be empty.
func NewListener(keys, cancelKeys []string, mode string) *Listener {
	return &Listener{
		keys:       keys,
		cancelKeys: cancelKeys,
		ch:         make(chan Event, 16),
		done:       make(chan struct{}),
		state:      toggle{hold: mode != "toggle"},
	}
}

// Events returns the channel of hotkey events. It is closed when the
// listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start registers the hooks and blocks until Stop is called. Run it in a
// goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.fire(l.state.down) })
	if l.state.hold {
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.fire(l.state.up) })
	}
	if len(l.cancelKeys) > 0 {
		hook.Register(hook.KeyDown, l.cancelKeys, func(hook.Event) { l.fire(l.state.cancel) })
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

func (l *Listener) fire(step func() (EventType, bool)) {
	l.mu.Lock()
	typ, ok := step()
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case l.ch <- Event{Type: typ}:
	default: // never block the hook thread
	}
}

// Stop terminates the listener. It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// toggle tracks whether a recording is active from the key presses seen.
// Key repeat sends repeated KeyDown events in hold mode; only the first
// one starts a recording.
type toggle struct {
	hold   bool
	active bool
}

func (t *toggle) down() (EventType, bool) {
	if t.hold {
		if t.active {
			return 0, false
		}
		t.active = true
		return EventStart, true
	}
	t.active = !t.active
	if t.active {
		return EventStart, true
	}
	return EventStop, true
}

func (t *toggle) up() (EventType, bool) {
	if !t.hold || !t.active {
		return 0, false
	}
	t.active = false
	return EventStop, true
}

func (t *toggle) cancel() (EventType, bool) {
	t.active = false
	return EventCancel, true
}
