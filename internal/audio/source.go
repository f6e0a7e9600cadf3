// Package audio captures microphone input and handles clip artifacts.
//
// All samples leaving this package are mono float32 at TargetSampleRate.
package audio

import (
	"context"
	"errors"
	"time"
)

const (
	// TargetSampleRate is the rate every Frame and Clip is delivered at.
	TargetSampleRate = 16000
	// DefaultFrameDuration is the fixed frame size emitted by streams.
	DefaultFrameDuration = 20 * time.Millisecond
	// DefaultReadTimeout bounds a single Stream.Read.
	DefaultReadTimeout = 500 * time.Millisecond
)

var (
	// ErrDeviceUnavailable is returned when the requested device does not
	// exist, is busy, or could not be opened.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrDeviceLost is returned by Read when the device stopped on its own,
	// for example because it was unplugged. It wraps ErrDeviceUnavailable.
	ErrDeviceLost = errors.Join(ErrDeviceUnavailable, errors.New("device stopped unexpectedly"))
	// ErrFrameTimeout is returned by Read when no frame arrived in time.
	ErrFrameTimeout = errors.New("timed out waiting for audio frame")
)

// DeviceDescriptor describes a capture device.
type DeviceDescriptor struct {
	ID          string
	Name        string
	IsDefault   bool
	SampleRates []uint32
	Channels    []uint32
}

// Frame is a fixed-size chunk of mono samples at TargetSampleRate.
type Frame []float32

// StreamConfig selects a device and its capture format. Samples are
// converted to mono TargetSampleRate regardless of the capture format.
type StreamConfig struct {
	// DeviceID is a DeviceDescriptor.ID; empty selects the system default.
	DeviceID      string
	SampleRate    uint32
	Channels      uint32
	FrameDuration time.Duration
	ReadTimeout   time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.SampleRate == 0 {
		c.SampleRate = TargetSampleRate
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = DefaultFrameDuration
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// frameSamples returns how many target-rate samples fit in one frame.
func (c StreamConfig) frameSamples() int {
	n := int(int64(TargetSampleRate) * int64(c.FrameDuration) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// Source enumerates and opens capture devices.
type Source interface {
	Devices(ctx context.Context) ([]DeviceDescriptor, error)
	// Open starts capturing. Errors wrap ErrDeviceUnavailable.
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream delivers captured frames.
type Stream interface {
	// Read blocks until a frame is available. It returns io.EOF after Close
	// once buffered frames are drained, ErrDeviceLost if the device went
	// away, and ErrFrameTimeout if nothing arrived within the read timeout.
	Read(ctx context.Context) (Frame, error)
	// Dropped reports frames discarded because the reader fell behind.
	Dropped() uint64
	Close() error
}
