package audio

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"golang.org/x/crypto/blake2b"
)

// Artifact is a clip persisted to disk.
type Artifact struct {
	Path     string
	Size     int64
	Checksum string // blake2b-256, hex
}

// EncodeWAV writes mono samples as 16-bit PCM WAV.
func EncodeWAV(ws io.WriteSeeker, samples []float32, sampleRate int) error {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buf.Data[i] = clamp16(s)
	}

	enc := wav.NewEncoder(ws, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: close wav encoder: %w", err)
	}
	return nil
}

// DecodeWAV reads a PCM WAV and returns it as a mono TargetSampleRate clip.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("audio: not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return Clip{}, fmt.Errorf("audio: wav has no sample rate")
	}

	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))
	samples := make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = float32(s) / scale
	}

	mono := Downmix(samples, buf.Format.NumChannels)
	mono = Resample(mono, buf.Format.SampleRate, TargetSampleRate)
	return Clip{
		Samples:    mono,
		SampleRate: TargetSampleRate,
		Duration:   samplesDuration(len(mono), TargetSampleRate),
	}, nil
}

// ReadWAV decodes the WAV file at path.
func ReadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()
	clip, err := DecodeWAV(f)
	if err != nil {
		return Clip{}, fmt.Errorf("%w (%s)", err, path)
	}
	return clip, nil
}

// SaveClip writes clip to dir/name.wav and returns its size and checksum.
// The file is written to a temp name first, then renamed.
func SaveClip(dir, name string, clip Clip) (Artifact, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("audio: creating recordings dir: %w", err)
	}
	dest := filepath.Join(dir, name+".wav")
	tmp := dest + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return Artifact{}, fmt.Errorf("audio: creating temp file: %w", err)
	}
	rate := clip.SampleRate
	if rate == 0 {
		rate = TargetSampleRate
	}
	if err := EncodeWAV(f, clip.Samples, rate); err != nil {
		f.Close()
		os.Remove(tmp)
		return Artifact{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("audio: closing temp file: %w", err)
	}

	sum, size, err := checksum(tmp)
	if err != nil {
		os.Remove(tmp)
		return Artifact{}, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("audio: moving clip file: %w", err)
	}
	return Artifact{Path: dest, Size: size, Checksum: sum}, nil
}

// Checksum returns the blake2b-256 hex digest of the file at path.
func Checksum(path string) (string, error) {
	sum, _, err := checksum(path)
	return sum, err
}

func checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, fmt.Errorf("audio: checksum: %w", err)
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("audio: checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
