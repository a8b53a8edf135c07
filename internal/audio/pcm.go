package audio

import (
	"fmt"
	"math"
)

// BytesToSamples decodes 16-bit little-endian PCM. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes encodes samples as 16-bit little-endian PCM
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// ConvertPCMToPCMU converts 16-bit little-endian PCM to G.711 μ-law,
// resampling from inputSampleRate to outputSampleRate when they differ
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := BytesToSamples(pcmData)
	if inputSampleRate != outputSampleRate {
		samples = resample(samples, inputSampleRate, outputSampleRate)
	}

	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out, nil
}

// resample uses linear interpolation between neighbouring samples
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	step := float64(inputRate) / float64(outputRate)
	n := int(float64(len(samples)) * float64(outputRate) / float64(inputRate))
	out := make([]int16, n)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := pos - float64(lo)
		out[i] = int16(float64(samples[lo])*(1-frac) + float64(samples[hi])*frac)
	}
	return out
}

const (
	mulawClip = 8159
	mulawBias = 0x21
)

// linearToMulaw encodes one sample per ITU-T G.711
func linearToMulaw(sample int16) byte {
	var sign byte
	mag := int32(sample)
	if mag < 0 {
		sign = 0x80
		mag = -mag
	}
	if mag > mulawClip {
		mag = mulawClip
	}
	mag += mulawBias

	// exponent is the position of the highest set bit above bit 5
	var exp byte
	for v := mag >> 6; v > 0 && exp < 7; v >>= 1 {
		exp++
	}
	mantissa := byte(mag>>(exp+1)) & 0x0F

	return ^(sign | exp<<4 | mantissa)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
