package audio

import (
	"encoding/binary"
	"math"
)

// bytesToFloat32 converts raw bytes (little-endian float32) to a float32 slice.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts a whole mono buffer between rates with linear
// interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 {
		return samples
	}
	r := newResampler(from, to)
	return r.process(samples)
}

// resampler converts a mono stream incrementally. It keeps the fractional
// read position and the last input sample between calls so chunk borders
// do not click.
type resampler struct {
	step float64 // input samples per output sample
	pos  float64 // next output position, relative to prev
	prev float32
	init bool
}

func newResampler(from, to int) *resampler {
	return &resampler{step: float64(from) / float64(to)}
}

func (r *resampler) process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.step == 1 {
		return in
	}
	if !r.init {
		// Position 0 maps onto the first input sample.
		r.prev = in[0]
		in = in[1:]
		r.init = true
	}

	// sample(i) is the input at index i where index 0 is prev.
	sample := func(i int) float32 {
		if i == 0 {
			return r.prev
		}
		return in[i-1]
	}

	out := make([]float32, 0, int(float64(len(in))/r.step)+1)
	last := len(in) // highest valid index
	for {
		i := int(r.pos)
		if i+1 > last {
			break
		}
		frac := float32(r.pos - float64(i))
		a, b := sample(i), sample(i+1)
		out = append(out, a+(b-a)*frac)
		r.pos += r.step
	}
	if last > 0 {
		r.prev = in[last-1]
		r.pos -= float64(last)
	}
	return out
}

// clamp16 converts a float sample to a signed 16-bit value.
func clamp16(s float32) int {
	v := math.Round(float64(s) * 32767)
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int(v)
}
