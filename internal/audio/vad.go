package audio

// VoiceGateConfig holds configuration for the voice gate
type VoiceGateConfig struct {
	ThresholdBytes int // frames smaller than this are treated as silence
	SilenceFrames  int // consecutive silent frames to mark end of speech
}

// DefaultVoiceGateConfig returns a default voice gate configuration
func DefaultVoiceGateConfig() *VoiceGateConfig {
	return &VoiceGateConfig{
		ThresholdBytes: 1000,
		SilenceFrames:  10,
	}
}

// VoiceGate decides whether an opaque audio frame plausibly contains speech.
// Audio passes through the gateway undecoded, so the gate works on frame
// size: compressed voice frames are markedly larger than comfort-noise or
// keepalive frames. The gate is what qualifies a frame as a potential
// barge-in while the agent is speaking.
type VoiceGate struct {
	config         *VoiceGateConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVoiceGate creates a new voice gate
func NewVoiceGate(config *VoiceGateConfig) *VoiceGate {
	if config == nil {
		config = DefaultVoiceGateConfig()
	}
	return &VoiceGate{config: config}
}

// ProcessFrame classifies one frame and returns
// (isSpeaking, speechStarted, speechEnded).
func (v *VoiceGate) ProcessFrame(frame []byte) (bool, bool, bool) {
	frameHasSpeech := len(frame) >= v.config.ThresholdBytes

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// HasVoice reports whether a single frame clears the speech threshold,
// without mutating gate state.
func (v *VoiceGate) HasVoice(frame []byte) bool {
	return len(frame) >= v.config.ThresholdBytes
}

// Reset resets the voice gate state
func (v *VoiceGate) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VoiceGate) IsSpeaking() bool {
	return v.isSpeaking
}
