package audio

import "time"

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64       // RMS energy threshold for speech detection
	SilenceFrames   int           // Consecutive silent frames that end a speech run
	MinSpeechFrames int           // Loud frames required before audio counts as speech
	FrameDuration   time.Duration // Analysis window
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10, // 200ms of silence at 20ms frames
		MinSpeechFrames: 3,
		FrameDuration:   20 * time.Millisecond,
	}
}

// FrameSize returns the number of samples per frame at sampleRate
func (c *VADConfig) FrameSize(sampleRate int) int {
	n := int(int64(sampleRate) * int64(c.FrameDuration) / int64(time.Second))
	if n < 1 {
		return 1
	}
	return n
}

// FrameResult describes the detector state after one frame
type FrameResult struct {
	Speaking      bool
	SpeechStarted bool
	SpeechEnded   bool
}

// VADDetector tracks speech runs across consecutive frames
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	speechFrames   int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies one frame of samples
func (v *VADDetector) ProcessFrame(samples []int16) FrameResult {
	var res FrameResult

	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		v.speechFrames++
		if !v.isSpeaking {
			res.SpeechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			res.SpeechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	res.Speaking = v.isSpeaking
	return res
}

// SpeechFrames returns the number of loud frames seen since the last reset
func (v *VADDetector) SpeechFrames() int {
	return v.speechFrames
}

// ContainsSpeech scans a whole clip frame by frame
func ContainsSpeech(clip *Clip, config *VADConfig) bool {
	if config == nil {
		config = DefaultVADConfig()
	}
	mono := clip.Mono()
	size := config.FrameSize(clip.SampleRate)
	vad := NewVADDetector(config)

	for start := 0; start < len(mono); start += size {
		end := start + size
		if end > len(mono) {
			end = len(mono)
		}
		vad.ProcessFrame(mono[start:end])
		if vad.SpeechFrames() >= config.MinSpeechFrames {
			return true
		}
	}
	return false
}
