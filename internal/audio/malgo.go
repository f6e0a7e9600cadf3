package audio

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// frameQueue is how many frames a stream holds before dropping new ones.
// At 20ms frames this is ten seconds of audio.
const frameQueue = 500

// MalgoSource captures from system devices via miniaudio.
type MalgoSource struct {
	ctx *malgo.AllocatedContext
	log *slog.Logger
}

// NewMalgoSource initializes the audio context. Call Close() when done.
func NewMalgoSource(log *slog.Logger) (*MalgoSource, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: initializing audio context: %w: %w", ErrDeviceUnavailable, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &MalgoSource{ctx: ctx, log: log.With("component", "audio")}, nil
}

// Close releases the audio context.
func (s *MalgoSource) Close() error {
	if s.ctx == nil {
		return nil
	}
	if err := s.ctx.Uninit(); err != nil {
		return fmt.Errorf("audio: uninitializing audio context: %w", err)
	}
	s.ctx.Free()
	s.ctx = nil
	return nil
}

// Devices lists capture devices.
func (s *MalgoSource) Devices(_ context.Context) ([]DeviceDescriptor, error) {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("audio: listing capture devices: %w: %w", ErrDeviceUnavailable, err)
	}
	out := make([]DeviceDescriptor, 0, len(infos))
	for i := range infos {
		out = append(out, describe(&infos[i]))
	}
	return out, nil
}

func describe(info *malgo.DeviceInfo) DeviceDescriptor {
	d := DeviceDescriptor{
		ID:        info.ID.String(),
		Name:      info.Name(),
		IsDefault: info.IsDefault != 0,
	}
	rates := map[uint32]bool{}
	chans := map[uint32]bool{}
	for _, f := range info.Formats {
		if f.SampleRate != 0 && !rates[f.SampleRate] {
			rates[f.SampleRate] = true
			d.SampleRates = append(d.SampleRates, f.SampleRate)
		}
		if f.Channels != 0 && !chans[f.Channels] {
			chans[f.Channels] = true
			d.Channels = append(d.Channels, f.Channels)
		}
	}
	return d
}

// Open starts capturing from the device in cfg.
func (s *MalgoSource) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	cfg = cfg.withDefaults()

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = cfg.Channels
	deviceCfg.SampleRate = cfg.SampleRate

	if cfg.DeviceID != "" {
		id, err := s.lookup(ctx, cfg.DeviceID)
		if err != nil {
			return nil, err
		}
		deviceCfg.Capture.DeviceID = id.Pointer()
	}

	st := &malgoStream{
		frames:    make(chan Frame, frameQueue),
		lost:      make(chan struct{}),
		closed:    make(chan struct{}),
		channels:  cfg.Channels,
		frameSize: cfg.frameSamples(),
		timeout:   cfg.ReadTimeout,
		log:       s.log,
	}
	if cfg.SampleRate != TargetSampleRate {
		st.rs = newResampler(int(cfg.SampleRate), TargetSampleRate)
	}

	callbacks := malgo.DeviceCallbacks{
		Data: st.onData,
		Stop: st.onStop,
	}
	device, err := malgo.InitDevice(s.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("audio: initializing capture device: %w: %w", ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("audio: starting capture device: %w: %w", ErrDeviceUnavailable, err)
	}
	st.device = device

	s.log.Debug("capture started",
		"device", cfg.DeviceID,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"frame", cfg.FrameDuration)
	return st, nil
}

// lookup resolves a device ID string, failing if the device is gone.
func (s *MalgoSource) lookup(ctx context.Context, id string) (*malgo.DeviceID, error) {
	devices, err := s.Devices(ctx)
	if err != nil {
		return nil, err
	}
	found := false
	for _, d := range devices {
		if d.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("audio: device %q: %w", id, ErrDeviceUnavailable)
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("audio: device %q: %w: %w", id, ErrDeviceUnavailable, err)
	}
	var out malgo.DeviceID
	copy(out[:], raw)
	return &out, nil
}

// malgoStream chunks callback data into fixed frames. onData runs on the
// audio thread and never blocks: when the queue is full the frame is dropped.
type malgoStream struct {
	device    *malgo.Device
	frames    chan Frame
	lost      chan struct{}
	closed    chan struct{}
	channels  uint32
	frameSize int
	timeout   time.Duration
	log       *slog.Logger

	// owned by the audio thread until the device is uninitialized
	rs      *resampler
	pending []float32

	dropped   atomic.Uint64
	stopping  atomic.Bool
	lostOnce  sync.Once
	closeOnce sync.Once
}

func (st *malgoStream) onData(_, pSample []byte, frameCount uint32) {
	samples := bytesToFloat32(pSample, frameCount*st.channels)
	mono := Downmix(samples, int(st.channels))
	if st.rs != nil {
		mono = st.rs.process(mono)
	}
	st.pending = append(st.pending, mono...)
	for len(st.pending) >= st.frameSize {
		f := make(Frame, st.frameSize)
		copy(f, st.pending)
		st.pending = st.pending[st.frameSize:]
		st.push(f)
	}
}

func (st *malgoStream) push(f Frame) {
	select {
	case st.frames <- f:
	default:
		if st.dropped.Add(1) == 1 {
			st.log.Warn("capture queue full, dropping frames")
		}
	}
}

func (st *malgoStream) onStop() {
	if st.stopping.Load() {
		return
	}
	st.lostOnce.Do(func() {
		st.log.Warn("capture device stopped unexpectedly")
		close(st.lost)
	})
}

func (st *malgoStream) Read(ctx context.Context) (Frame, error) {
	timer := time.NewTimer(st.timeout)
	defer timer.Stop()

	select {
	case f := <-st.frames:
		return f, nil
	case <-st.closed:
		select {
		case f := <-st.frames:
			return f, nil
		default:
			return nil, io.EOF
		}
	case <-st.lost:
		return nil, ErrDeviceLost
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrFrameTimeout
	}
}

func (st *malgoStream) Dropped() uint64 { return st.dropped.Load() }

// Close stops the device and flushes any partial frame.
func (st *malgoStream) Close() error {
	st.closeOnce.Do(func() {
		st.stopping.Store(true)
		if st.device != nil {
			st.device.Uninit()
		}
		if len(st.pending) > 0 {
			st.push(Frame(st.pending))
			st.pending = nil
		}
		close(st.closed)
	})
	return nil
}
