package session

import (
	"sync"
	"time"

	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

// State is a session lifecycle state.
type State int

const (
	Idle State = iota
	Recording
	Flushing
	Queued
	Transcribing
	Completed
	Cancelled
	Failed
)

var stateNames = [...]string{"idle", "recording", "flushing", "queued", "transcribing", "completed", "cancelled", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the state needs Acknowledge before a new cycle.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// EventKind identifies a session event.
type EventKind int

const (
	// EventState reports a transition from From to State.
	EventState EventKind = iota
	// EventProgress relays an inference checkpoint.
	EventProgress
	// EventNotice reports something benign that did not change the cycle,
	// such as a clip too short to transcribe. Err holds the reason.
	EventNotice
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventProgress:
		return "progress"
	case EventNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers in the order it happened.
type Event struct {
	Kind    EventKind
	Session string
	From    State
	State   State
	At      time.Time

	Progress        transcribe.Progress
	RecordingID     string
	TranscriptionID string
	// Result is set on the transition to Completed.
	Result transcribe.Result
	// Err is set on the transition to Failed and on notices.
	Err error
}

// subscriber buffers events without bound so the machine never blocks on a
// slow reader.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
	out    chan Event

	closeOnce sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
