package audio

import (
	"errors"
)

var (
	// ErrEmptyUtterance is returned for a zero-length utterance
	ErrEmptyUtterance = errors.New("empty utterance")

	// ErrSilentUtterance is returned for a WAV utterance without speech
	ErrSilentUtterance = errors.New("utterance contains no speech")
)

// InspectUtterance rejects utterances that cannot produce a transcript.
// Only 16-bit PCM WAV is analysed; compressed formats are left to the
// recognizer. A threshold of zero disables the speech check.
func InspectUtterance(data []byte, threshold float64) error {
	if len(data) == 0 {
		return ErrEmptyUtterance
	}
	if threshold <= 0 {
		return nil
	}

	clip, err := DecodeWAV(data)
	if err != nil {
		// not something we can analyse
		return nil
	}
	if len(clip.Samples) == 0 {
		return ErrEmptyUtterance
	}

	cfg := DefaultVADConfig()
	cfg.EnergyThreshold = threshold
	if !ContainsSpeech(clip, cfg) {
		return ErrSilentUtterance
	}
	return nil
}
