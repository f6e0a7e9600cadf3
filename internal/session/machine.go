// Package session drives one capture → transcribe → persist cycle at a
// time.
//
// The Machine owns the only active Session. Commands (Start, Stop, Cancel,
// Acknowledge) come from the caller; workers report back through their
// ticket events, which the machine relays to subscribers in order.
//
//	Idle → Recording → Flushing → Queued → Transcribing → Completed
//	                 ↘ Cancelled / Failed (from any non-terminal state)
//	Completed | Cancelled | Failed → Acknowledge → Idle
//
// A result that was transcribed but could not be stored keeps the session
// in Transcribing with an ErrResultUnsaved notice. RetryPersist moves it to
// Completed; Cancel gives the text up and moves it to Failed.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gostt-recorder/internal/audio"
	"github.com/chaz8081/gostt-recorder/internal/store"
	"github.com/chaz8081/gostt-recorder/internal/telemetry"
	"github.com/chaz8081/gostt-recorder/internal/transcribe"
	"github.com/chaz8081/gostt-recorder/internal/worker"
)

var (
	// ErrSessionBusy is returned by Start and Retry while a session is active.
	ErrSessionBusy = errors.New("session busy")
	// ErrNoAudioCaptured is returned by Stop when the clip is empty or
	// shorter than the minimum duration. The machine is back to Idle.
	ErrNoAudioCaptured = errors.New("no audio captured")
	// ErrInvalidTransition is returned when a command does not apply to the
	// current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrResultUnsaved is reported in a notice when inference succeeded but
	// the text could not be stored.
	ErrResultUnsaved = errors.New("transcription result not saved")
)

// Pool is the part of worker.Pool the machine uses.
type Pool interface {
	Submit(ctx context.Context, job worker.Job) (*worker.Ticket, error)
	Persist(ctx context.Context, o worker.Outcome) error
	Discard(ctx context.Context, o worker.Outcome) error
}

// Recordings looks up stored recordings for retries.
type Recordings interface {
	Get(ctx context.Context, id string) (store.Entry, error)
}

// Options wires a Machine.
type Options struct {
	Source     audio.Source
	Stream     audio.StreamConfig
	Pool       Pool
	Recordings Recordings
	Model      transcribe.ModelConfig
	// Decode tunes every inference. An empty Task means transcribe.
	Decode transcribe.Options
	// RecordingsDir receives one WAV artifact per recording.
	RecordingsDir string
	// MinDuration is the shortest clip that is transcribed.
	MinDuration time.Duration
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
	Now         func() time.Time
}

// Session is the in-memory state of one cycle. It is owned by the Machine
// and never persisted.
type Session struct {
	ID        string
	state     State
	startedAt time.Time

	stream      audio.Stream
	buffer      *audio.Buffer
	captureDone chan struct{}
	stopCapture context.CancelFunc

	cancelled   atomic.Bool
	ticket      *worker.Ticket
	recordingID string
	// artifact is the WAV written for a new recording; it is removed if
	// the recording row never lands.
	artifact string
	unsaved  *worker.Outcome
}

// Machine is safe for concurrent use.
type Machine struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	sess    *Session
	subs    map[int]*subscriber
	nextSub int

	wg sync.WaitGroup
}

// New creates an idle machine.
func New(opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Decode.Task == "" {
		opts.Decode.Task = transcribe.TaskTranscribe
	}
	return &Machine{
		opts: opts,
		log:  opts.Logger.With("component", "session"),
		subs: make(map[int]*subscriber),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Idle
	}
	return m.sess.state
}

// Info describes the active session.
type Info struct {
	Session     string
	State       State
	StartedAt   time.Time
	RecordingID string
}

// Snapshot returns the active session, or an Idle Info.
func (m *Machine) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Info{State: Idle}
	}
	return Info{
		Session:     m.sess.ID,
		State:       m.sess.state,
		StartedAt:   m.sess.startedAt,
		RecordingID: m.sess.recordingID,
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are buffered per subscriber, so a slow reader never
// stalls the machine.
func (m *Machine) Subscribe() (<-chan Event, func()) {
	sub := newSubscriber()
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.mu.Unlock()

	return sub.out, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.close()
	}
}

// emit must be called with m.mu held.
func (m *Machine) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.opts.Now()
	}
	for _, sub := range m.subs {
		sub.push(ev)
	}
}

// setState must be called with m.mu held.
func (m *Machine) setState(sess *Session, to State, ev Event) {
	from := sess.state
	sess.state = to
	ev.Kind = EventState
	ev.Session = sess.ID
	ev.From = from
	ev.State = to
	if ev.RecordingID == "" {
		ev.RecordingID = sess.recordingID
	}
	if ev.TranscriptionID == "" && sess.ticket != nil {
		ev.TranscriptionID = sess.ticket.ID()
	}
	if ev.Err != nil {
		m.log.Info("session state", "session", sess.ID, "from", from, "to", to, "error", ev.Err)
	} else {
		m.log.Info("session state", "session", sess.ID, "from", from, "to", to)
	}
	m.emit(ev)
	if to.Terminal() {
		m.opts.Instruments.SessionEnded(context.Background(), to.String())
	}
}

// Start opens the capture device and begins recording. It fails with
// ErrSessionBusy if a session is active, or with an error wrapping
// audio.ErrDeviceUnavailable if the device cannot be opened; either way
// the machine state is unchanged.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return fmt.Errorf("session: start in state %s: %w", m.sess.state, ErrSessionBusy)
	}

	stream, err := m.opts.Source.Open(ctx, m.opts.Stream)
	if err != nil {
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		err = fmt.Errorf("session: start: %w", err)
		m.emit(Event{Kind: EventNotice, State: Idle, Err: err})
		return err
	}

	capCtx, stop := context.WithCancel(context.Background())
	sess := &Session{
		ID:          uuid.NewString(),
		state:       Idle,
		startedAt:   m.opts.Now(),
		stream:      stream,
		buffer:      audio.NewBuffer(audio.TargetSampleRate),
		captureDone: make(chan struct{}),
		stopCapture: stop,
	}
	m.sess = sess
	m.setState(sess, Recording, Event{})
	go m.capture(capCtx, sess)
	return nil
}

// capture moves frames from the stream into the buffer until the stream
// ends. It never waits on anything but the device.
func (m *Machine) capture(ctx context.Context, sess *Session) {
	defer close(sess.captureDone)
	for {
		frame, err := sess.stream.Read(ctx)
		switch {
		case err == nil:
			if sess.buffer.Append(frame) != nil {
				return
			}
		case errors.Is(err, audio.ErrFrameTimeout):
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			return
		default:
			m.deviceLost(sess, err)
			return
		}
	}
}

func (m *Machine) deviceLost(sess *Session, err error) {
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	m.mu.Lock()
	if m.sess != sess || sess.state != Recording {
		m.mu.Unlock()
		return
	}
	m.setState(sess, Failed, Event{Err: fmt.Errorf("session: capture: %w", err)})
	m.mu.Unlock()

	m.log.Warn("capture device lost", "session", sess.ID, "error", err)
	sess.stopCapture()
	_, _ = sess.buffer.Flush()
	if cerr := sess.stream.Close(); cerr != nil {
		m.log.Debug("closing lost stream", "error", cerr)
	}
}

// Stop ends capture, writes the clip to disk, and submits it for
// transcription. A clip shorter than the minimum duration returns the
// machine to Idle and yields ErrNoAudioCaptured.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.state != Recording {
		state := Idle
		if sess != nil {
			state = sess.state
		}
		m.mu.Unlock()
		return fmt.Errorf("session: stop in state %s: %w", state, ErrInvalidTransition)
	}
	m.setState(sess, Flushing, Event{})
	m.mu.Unlock()

	if err := sess.stream.Close(); err != nil {
		m.log.Warn("closing capture stream", "session", sess.ID, "error", err)
	}
	<-sess.captureDone
	sess.stopCapture()
	m.opts.Instruments.FramesDropped(ctx, sess.stream.Dropped())

	clip, err := sess.buffer.Flush()
	if err != nil {
		return m.fail(sess, fmt.Errorf("session: flush: %w", err))
	}

	if clip.IsEmpty() || clip.Duration < m.opts.MinDuration {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sess.cancelled.Load() {
			m.setState(sess, Cancelled, Event{})
			return nil
		}
		m.emit(Event{Kind: EventNotice, Session: sess.ID, State: Flushing, Err: ErrNoAudioCaptured})
		m.setState(sess, Idle, Event{})
		m.sess = nil
		m.log.Info("clip too short, discarded", "session", sess.ID, "duration", clip.Duration)
		return fmt.Errorf("session: stop: %w", ErrNoAudioCaptured)
	}

	rec := store.Recording{
		ID:         uuid.NewString(),
		StartedAt:  sess.startedAt,
		Duration:   clip.Duration,
		SampleRate: clip.SampleRate,
		Channels:   1,
		DeviceID:   m.opts.Stream.DeviceID,
	}
	if rec.DeviceID == "" {
		rec.DeviceID = "default"
	}
	art, err := audio.SaveClip(m.opts.RecordingsDir, rec.ID, clip)
	if err != nil {
		return m.fail(sess, fmt.Errorf("session: save clip: %w: %w", store.ErrStorage, err))
	}
	rec.Path, rec.Size, rec.Checksum = art.Path, art.Size, art.Checksum

	return m.submit(ctx, sess, worker.Job{
		Recording: rec,
		Samples:   clip.Samples,
		Model:     m.opts.Model,
		Options:   m.opts.Decode,
	}, Flushing)
}

// submit hands the job to the pool and moves sess to Queued. from is the
// state sess must still be in.
func (m *Machine) submit(ctx context.Context, sess *Session, job worker.Job, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != sess || sess.state != from {
		return fmt.Errorf("session: submit: %w", ErrInvalidTransition)
	}
	if sess.cancelled.Load() {
		if !job.Existing {
			removeArtifact(m.log, job.Recording.Path)
		}
		m.setState(sess, Cancelled, Event{})
		return nil
	}

	ticket, err := m.opts.Pool.Submit(ctx, job)
	if err != nil {
		if !job.Existing {
			removeArtifact(m.log, job.Recording.Path)
		}
		err = fmt.Errorf("session: submit: %w", err)
		m.setState(sess, Failed, Event{Err: err})
		return err
	}
	sess.ticket = ticket
	sess.recordingID = job.Recording.ID
	if !job.Existing {
		sess.artifact = job.Recording.Path
	}
	m.setState(sess, Queued, Event{})

	m.wg.Add(1)
	go m.follow(sess, ticket)
	return nil
}

func (m *Machine) fail(sess *Session, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == sess && !sess.state.Terminal() {
		m.setState(sess, Failed, Event{Err: err})
	}
	return err
}

func removeArtifact(log *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("removing clip", "path", path, "error", err)
	}
}

// follow relays ticket events until the job is done.
func (m *Machine) follow(sess *Session, ticket *worker.Ticket) {
	defer m.wg.Done()
	for ev := range ticket.Events() {
		m.mu.Lock()
		if m.sess != sess {
			m.mu.Unlock()
			continue
		}
		switch ev.Kind {
		case worker.EventAccepted:
			if sess.state == Queued {
				m.setState(sess, Transcribing, Event{})
			}
		case worker.EventProgress:
			if sess.state == Transcribing {
				m.emit(Event{
					Kind:            EventProgress,
					Session:         sess.ID,
					State:           Transcribing,
					Progress:        ev.Progress,
					RecordingID:     sess.recordingID,
					TranscriptionID: ticket.ID(),
				})
			}
		case worker.EventDone:
			m.finish(sess, *ev.Outcome)
		}
		m.mu.Unlock()
	}
}

// finish must be called with m.mu held.
func (m *Machine) finish(sess *Session, o worker.Outcome) {
	if !o.Stored && sess.artifact != "" {
		removeArtifact(m.log, sess.artifact)
		sess.artifact = ""
	}
	if sess.state.Terminal() {
		return
	}
	switch {
	case o.Err == nil:
		m.setState(sess, Completed, Event{Result: o.Result})
	case errors.Is(o.Err, worker.ErrCancelled):
		m.setState(sess, Cancelled, Event{})
	case o.Unsaved:
		sess.unsaved = &o
		m.log.Warn("result not saved", "session", sess.ID, "transcription", o.TranscriptionID, "error", o.Err)
		m.emit(Event{
			Kind:            EventNotice,
			Session:         sess.ID,
			State:           sess.state,
			RecordingID:     o.RecordingID,
			TranscriptionID: o.TranscriptionID,
			Result:          o.Result,
			Err:             fmt.Errorf("session: %w: %w", ErrResultUnsaved, o.Err),
		})
	default:
		m.setState(sess, Failed, Event{Err: o.Err, Result: o.Result})
	}
}

// Cancel aborts the active cycle. While recording, the buffer is discarded
// and nothing is written. Once queued or transcribing, the worker is asked
// to stop at its next checkpoint; the machine reaches Cancelled when it
// does, or Completed if the result was already being stored. With an
// unsaved result, the text is given up: its transcription is marked failed
// and the machine moves to Failed.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.state.Terminal() {
		state := Idle
		if sess != nil {
			state = sess.state
		}
		m.mu.Unlock()
		return fmt.Errorf("session: cancel in state %s: %w", state, ErrInvalidTransition)
	}
	if sess.unsaved != nil {
		o := *sess.unsaved
		sess.unsaved = nil
		m.setState(sess, Failed, Event{Err: o.Err, Result: o.Result})
		m.mu.Unlock()
		if err := m.opts.Pool.Discard(context.Background(), o); err != nil {
			m.log.Warn("marking unsaved transcription failed", "transcription", o.TranscriptionID, "error", err)
		}
		return nil
	}
	sess.cancelled.Store(true)

	switch sess.state {
	case Recording:
		m.setState(sess, Cancelled, Event{})
		m.mu.Unlock()
		sess.stopCapture()
		if err := sess.stream.Close(); err != nil {
			m.log.Debug("closing cancelled stream", "error", err)
		}
		<-sess.captureDone
		_, _ = sess.buffer.Flush()
		return nil
	case Queued, Transcribing:
		sess.ticket.Cancel()
	}
	m.mu.Unlock()
	return nil
}

// Acknowledge clears a finished session so a new one can start. It is a
// no-op when already Idle.
func (m *Machine) Acknowledge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sess
	if sess == nil {
		return nil
	}
	if !sess.state.Terminal() {
		return fmt.Errorf("session: acknowledge in state %s: %w", sess.state, ErrInvalidTransition)
	}
	m.setState(sess, Idle, Event{})
	m.sess = nil
	return nil
}

// Retry transcribes a stored recording again, adding a new transcription
// row. The machine must be Idle.
func (m *Machine) Retry(ctx context.Context, recordingID string) error {
	if m.State() != Idle {
		return fmt.Errorf("session: retry: %w", ErrSessionBusy)
	}
	entry, err := m.opts.Recordings.Get(ctx, recordingID)
	if err != nil {
		return fmt.Errorf("session: retry: %w", err)
	}
	clip, err := audio.ReadWAV(entry.Recording.Path)
	if err != nil {
		return fmt.Errorf("session: retry: %w: %w", store.ErrStorage, err)
	}

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return fmt.Errorf("session: retry: %w", ErrSessionBusy)
	}
	sess := &Session{
		ID:          uuid.NewString(),
		state:       Idle,
		startedAt:   m.opts.Now(),
		recordingID: recordingID,
	}
	m.sess = sess
	m.mu.Unlock()

	return m.submit(ctx, sess, worker.Job{
		Recording: entry.Recording,
		Samples:   clip.Samples,
		Model:     m.opts.Model,
		Options:   m.opts.Decode,
		Existing:  true,
	}, Idle)
}

// RetryPersist tries again to store a result that was transcribed but
// could not be saved. On success the session moves to Completed; on
// failure it keeps the result and can be retried again or cancelled.
func (m *Machine) RetryPersist(ctx context.Context) error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.unsaved == nil {
		m.mu.Unlock()
		return fmt.Errorf("session: retry persist: nothing to save: %w", ErrInvalidTransition)
	}
	o := *sess.unsaved
	m.mu.Unlock()

	if err := m.opts.Pool.Persist(ctx, o); err != nil {
		return fmt.Errorf("session: retry persist: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == sess && sess.unsaved != nil && !sess.state.Terminal() {
		sess.unsaved = nil
		m.setState(sess, Completed, Event{Result: o.Result})
	}
	return nil
}

// Close cancels any active cycle and waits for in-flight jobs to report.
// Subscriptions are ended.
func (m *Machine) Close() {
	if err := m.Cancel(); err != nil && !errors.Is(err, ErrInvalidTransition) {
		m.log.Warn("cancel on close", "error", err)
	}
	m.wg.Wait()

	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[int]*subscriber)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
