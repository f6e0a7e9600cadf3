package transcribe

import (
	"fmt"
	"strings"
)

// ModelSize names a whisper ggml model variant.
type ModelSize string

// Supported model sizes. The ".en" variants are English-only.
const (
	SizeTiny    ModelSize = "tiny"
	SizeTinyEN  ModelSize = "tiny.en"
	SizeBase    ModelSize = "base"
	SizeBaseEN  ModelSize = "base.en"
	SizeSmall   ModelSize = "small"
	SizeSmallEN ModelSize = "small.en"
	SizeMedium  ModelSize = "medium"
	SizeMedEN   ModelSize = "medium.en"
	SizeLargeV3 ModelSize = "large-v3"
	SizeTurbo   ModelSize = "large-v3-turbo"
)

var modelSizes = []ModelSize{
	SizeTiny, SizeTinyEN, SizeBase, SizeBaseEN, SizeSmall, SizeSmallEN,
	SizeMedium, SizeMedEN, SizeLargeV3, SizeTurbo,
}

// ModelSizes returns every supported model size.
func ModelSizes() []ModelSize {
	out := make([]ModelSize, len(modelSizes))
	copy(out, modelSizes)
	return out
}

// EnglishOnly reports whether the model only transcribes English.
func (s ModelSize) EnglishOnly() bool {
	return strings.HasSuffix(string(s), ".en")
}

// FileName returns the ggml weights file name for the size.
func (s ModelSize) FileName() string {
	return "ggml-" + string(s) + ".bin"
}

// Device is the compute device a model is loaded on.
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// LanguageAuto asks the engine to detect the spoken language.
const LanguageAuto = "auto"

// ModelConfig identifies one loaded model. It is comparable and is used
// directly as the model cache key. Build it with ParseModelConfig.
type ModelConfig struct {
	Size     ModelSize
	Device   Device
	Language string
}

// ParseModelConfig validates raw config values and returns a ModelConfig.
func ParseModelConfig(size, device, language string) (ModelConfig, error) {
	mc := ModelConfig{
		Size:     ModelSize(strings.ToLower(strings.TrimSpace(size))),
		Device:   Device(strings.ToLower(strings.TrimSpace(device))),
		Language: strings.ToLower(strings.TrimSpace(language)),
	}
	if mc.Language == "" {
		mc.Language = LanguageAuto
	}
	if err := mc.Validate(); err != nil {
		return ModelConfig{}, err
	}
	return mc, nil
}

// Validate checks that every field holds a supported value.
func (mc ModelConfig) Validate() error {
	known := false
	for _, s := range modelSizes {
		if s == mc.Size {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("transcribe: unknown model size %q", mc.Size)
	}

	switch mc.Device {
	case DeviceCPU, DeviceGPU:
	default:
		return fmt.Errorf("transcribe: device must be \"cpu\" or \"gpu\", got %q", mc.Device)
	}

	if mc.Language != LanguageAuto {
		if len(mc.Language) < 2 || len(mc.Language) > 3 {
			return fmt.Errorf("transcribe: language must be \"auto\" or an ISO 639 code, got %q", mc.Language)
		}
		for _, r := range mc.Language {
			if r < 'a' || r > 'z' {
				return fmt.Errorf("transcribe: language must be \"auto\" or an ISO 639 code, got %q", mc.Language)
			}
		}
		if mc.Size.EnglishOnly() && mc.Language != "en" {
			return fmt.Errorf("transcribe: model %q is English-only, cannot use language %q", mc.Size, mc.Language)
		}
	}
	return nil
}

// Key returns the stable string form, e.g. "base/cpu/auto".
func (mc ModelConfig) Key() string {
	return string(mc.Size) + "/" + string(mc.Device) + "/" + mc.Language
}

func (mc ModelConfig) String() string { return mc.Key() }
