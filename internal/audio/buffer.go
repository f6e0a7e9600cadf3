package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyFlushed is returned when a buffer is used after Flush.
var ErrAlreadyFlushed = errors.New("audio: buffer already flushed")

// Clip is an immutable, finished recording.
type Clip struct {
	Samples    []float32
	SampleRate int
	Duration   time.Duration
}

// IsEmpty reports whether the clip holds no audio.
func (c Clip) IsEmpty() bool { return len(c.Samples) == 0 }

// Buffer accumulates frames for one capture attempt. Append is the only
// mutator; Flush hands the audio off exactly once.
type Buffer struct {
	mu         sync.Mutex
	samples    []float32
	sampleRate int
	flushed    bool
}

// NewBuffer returns an empty buffer for mono audio at sampleRate.
func NewBuffer(sampleRate int) *Buffer {
	return &Buffer{sampleRate: sampleRate}
}

// Append adds a frame.
func (b *Buffer) Append(f Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return ErrAlreadyFlushed
	}
	b.samples = append(b.samples, f...)
	return nil
}

// Duration returns the length of the audio appended so far.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return samplesDuration(len(b.samples), b.sampleRate)
}

// Flush returns the buffered audio as a Clip and empties the buffer. An
// empty buffer yields a zero-duration clip.
func (b *Buffer) Flush() (Clip, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return Clip{}, ErrAlreadyFlushed
	}
	b.flushed = true
	clip := Clip{
		Samples:    b.samples,
		SampleRate: b.sampleRate,
		Duration:   samplesDuration(len(b.samples), b.sampleRate),
	}
	b.samples = nil
	return clip, nil
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
