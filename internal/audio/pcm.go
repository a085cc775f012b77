package audio

import "math"

// DecodeS16LE converts little-endian signed 16-bit PCM bytes to samples.
// The caller must have verified that len(b) is even; a trailing odd byte is
// ignored here because frame validation happens at the protocol boundary.
func DecodeS16LE(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// ToFloat32 converts int16 samples to float32 normalized to [-1, 1).
func ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// RMS returns the root mean square of normalized samples. Zero for an empty
// slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SamplesToMs converts a sample count to milliseconds at the given rate.
func SamplesToMs(samples int64, rate int) int64 {
	return samples * 1000 / int64(rate)
}

// MsToSamples converts milliseconds to a sample count at the given rate.
func MsToSamples(ms int64, rate int) int64 {
	return ms * int64(rate) / 1000
}
