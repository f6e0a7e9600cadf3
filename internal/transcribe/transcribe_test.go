package transcribe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseModelConfig(t *testing.T) {
	tests := []struct {
		name     string
		size     string
		device   string
		language string
		want     ModelConfig
		wantErr  bool
	}{
		{
			name:   "defaults to auto language",
			size:   "base",
			device: "cpu",
			want:   ModelConfig{Size: SizeBase, Device: DeviceCPU, Language: LanguageAuto},
		},
		{
			name:     "normalizes case and space",
			size:     " Small ",
			device:   "GPU",
			language: "DE",
			want:     ModelConfig{Size: SizeSmall, Device: DeviceGPU, Language: "de"},
		},
		{
			name:     "english-only model with en",
			size:     "base.en",
			device:   "cpu",
			language: "en",
			want:     ModelConfig{Size: SizeBaseEN, Device: DeviceCPU, Language: "en"},
		},
		{name: "unknown size", size: "huge", device: "cpu", wantErr: true},
		{name: "unknown device", size: "base", device: "tpu", wantErr: true},
		{name: "bad language", size: "base", device: "cpu", language: "english", wantErr: true},
		{name: "digits in language", size: "base", device: "cpu", language: "e1", wantErr: true},
		{name: "english-only model with fr", size: "tiny.en", device: "cpu", language: "fr", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseModelConfig(tt.size, tt.device, tt.language)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseModelConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseModelConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestModelConfigKey(t *testing.T) {
	mc := ModelConfig{Size: SizeSmall, Device: DeviceGPU, Language: "fr"}
	if got := mc.Key(); got != "small/gpu/fr" {
		t.Errorf("Key() = %q, want %q", got, "small/gpu/fr")
	}
	if got := SizeLargeV3.FileName(); got != "ggml-large-v3.bin" {
		t.Errorf("FileName() = %q", got)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(EngineOptions{Backend: "parakeet"}); err == nil {
		t.Fatal("New() should fail for unknown backend")
	}
}

func TestStubProgressCheckpoints(t *testing.T) {
	engine := &StubEngine{Text: "hello", Steps: 4}
	h, err := engine.Load(context.Background(), ModelConfig{Size: SizeBase, Device: DeviceCPU, Language: LanguageAuto})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer h.Close()

	var got []int
	res, err := h.Transcribe(context.Background(), nil, Options{}, func(p Progress) error {
		got = append(got, p.Percent)
		return nil
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	want := []int{0, 25, 50, 75, 100}
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress = %v, want %v", got, want)
		}
	}
	if res.Text != "hello" || res.Language != "en" {
		t.Errorf("result = %+v", res)
	}
}

func TestStubAbortAtCheckpoint(t *testing.T) {
	engine := &StubEngine{Text: "hello", Steps: 10, StepDelay: time.Millisecond}
	h, _ := engine.Load(context.Background(), ModelConfig{Size: SizeBase, Device: DeviceCPU, Language: LanguageAuto})

	stop := errors.New("stop")
	calls := 0
	_, err := h.Transcribe(context.Background(), nil, Options{}, func(p Progress) error {
		calls++
		if p.Percent >= 30 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Transcribe error = %v, want stop", err)
	}
	if calls != 4 {
		t.Errorf("checkpoints before abort = %d, want 4", calls)
	}
}

func TestStubLoadError(t *testing.T) {
	engine := &StubEngine{LoadErr: errors.New("corrupt weights")}
	_, err := engine.Load(context.Background(), ModelConfig{Size: SizeBase, Device: DeviceCPU, Language: LanguageAuto})
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("Load error = %v, want ErrModelLoad", err)
	}
	if engine.Loads() != 1 {
		t.Errorf("Loads() = %d, want 1", engine.Loads())
	}
}

func TestStubTranscribeError(t *testing.T) {
	engine := &StubEngine{TranscribeErr: errors.New("boom")}
	h, _ := engine.Load(context.Background(), ModelConfig{Size: SizeBase, Device: DeviceCPU, Language: LanguageAuto})
	_, err := h.Transcribe(context.Background(), nil, Options{}, nil)
	if !errors.Is(err, ErrTranscription) {
		t.Fatalf("Transcribe error = %v, want ErrTranscription", err)
	}
}

func TestWhisperUnavailableWithoutTag(t *testing.T) {
	// Only meaningful in default builds; with the whispercpp tag Load
	// fails on the missing weights instead. Both wrap ErrModelLoad.
	engine, err := New(EngineOptions{Backend: "whisper", ModelsDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = engine.Load(context.Background(), ModelConfig{Size: SizeBase, Device: DeviceCPU, Language: LanguageAuto})
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("Load error = %v, want ErrModelLoad", err)
	}
}
