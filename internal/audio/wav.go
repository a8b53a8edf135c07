package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

var (
	// ErrNotWAV is returned for data without a RIFF/WAVE header
	ErrNotWAV = errors.New("not a WAV file")

	// ErrUnsupportedWAV is returned for WAV encodings other than 16-bit PCM
	ErrUnsupportedWAV = errors.New("unsupported WAV encoding")
)

// Clip is decoded 16-bit PCM audio
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []int16 // interleaved when Channels > 1
}

// Mono averages interleaved channels into one
func (c *Clip) Mono() []int16 {
	if c.Channels <= 1 {
		return c.Samples
	}
	out := make([]int16, len(c.Samples)/c.Channels)
	for i := range out {
		sum := 0
		for ch := 0; ch < c.Channels; ch++ {
			sum += int(c.Samples[i*c.Channels+ch])
		}
		out[i] = int16(sum / c.Channels)
	}
	return out
}

// DecodeWAV decodes an in-memory 16-bit PCM WAV file
func DecodeWAV(data []byte) (*Clip, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, ErrNotWAV
	}
	if d.WavAudioFormat != 1 || d.BitDepth != 16 {
		return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedWAV, d.WavAudioFormat, d.BitDepth)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV: %w", err)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return &Clip{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		Samples:    samples,
	}, nil
}
