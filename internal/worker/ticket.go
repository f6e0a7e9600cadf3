package worker

import (
	"context"
	"sync/atomic"

	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

// EventKind identifies a ticket event.
type EventKind int

const (
	// EventAccepted is sent once when a worker picks the job up.
	EventAccepted EventKind = iota
	// EventProgress carries an inference checkpoint. Progress events may be
	// dropped if the reader falls behind.
	EventProgress
	// EventDone is always the last event.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventAccepted:
		return "accepted"
	case EventProgress:
		return "progress"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is sent on Ticket.Events.
type Event struct {
	Kind     EventKind
	Progress transcribe.Progress
	// Outcome is set for EventDone.
	Outcome *Outcome
}

// Outcome is the final state of a job.
type Outcome struct {
	RecordingID     string
	TranscriptionID string
	Result          transcribe.Result
	// Err is nil on success. It wraps ErrCancelled, transcribe.ErrModelLoad,
	// transcribe.ErrTranscription or store.ErrStorage.
	Err error
	// Stored reports whether the recording row exists in the store.
	Stored bool
	// Unsaved is set when inference succeeded but the result could not be
	// written. Result still holds the text; pass the outcome to
	// Pool.Persist to try again or to Pool.Discard to give up.
	Unsaved bool
}

const eventBuffer = 16

// Ticket tracks one submitted job.
type Ticket struct {
	id  string
	job Job

	events    chan Event
	cancelled atomic.Bool
	done      chan struct{}
	outcome   Outcome
}

func newTicket(id string, job Job) *Ticket {
	return &Ticket{
		id:     id,
		job:    job,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the transcription id assigned to the job.
func (t *Ticket) ID() string { return t.id }

// RecordingID returns the id of the recording being transcribed.
func (t *Ticket) RecordingID() string { return t.job.Recording.ID }

// Events delivers accepted, progress and done events in order. The channel
// is closed after EventDone.
func (t *Ticket) Events() <-chan Event { return t.events }

// Cancel asks the worker to stop. It is observed before the job starts,
// at every progress checkpoint, and once more before the result is stored.
func (t *Ticket) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (t *Ticket) Cancelled() bool { return t.cancelled.Load() }

// Done is closed once the outcome is final.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the job finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (t *Ticket) accepted() {
	t.events <- Event{Kind: EventAccepted}
}

// progress never blocks and always leaves room for EventDone.
func (t *Ticket) progress(p transcribe.Progress) {
	if len(t.events) >= cap(t.events)-1 {
		return
	}
	select {
	case t.events <- Event{Kind: EventProgress, Progress: p}:
	default:
	}
}

func (t *Ticket) finish(o Outcome) {
	t.outcome = o
	close(t.done)
	t.events <- Event{Kind: EventDone, Outcome: &o}
	close(t.events)
}
