package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end speech
	FrameSize       int     // Samples per frame
}

// DefaultVADConfig returns a default VAD configuration for the live capture format
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25,  // 500ms of silence
		FrameSize:       320, // 20ms at 16kHz
	}
}

// VADEvent marks a change in speech activity
type VADEvent struct {
	Speaking bool
	Frame    int // index of the frame where the change happened
}

// VADDetector performs energy-based Voice Activity Detection
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool

	pending []byte
	frames  int
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.FrameSize <= 0 {
		config.FrameSize = DefaultVADConfig().FrameSize
	}
	return &VADDetector{config: config}
}

// ProcessFrame processes one frame of samples.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := !DetectSilence(samples, v.config.EnergyThreshold)

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

// Write feeds raw PCM of any length and returns the activity changes it
// caused. Partial frames are kept until the next call.
func (v *VADDetector) Write(pcm []byte) []VADEvent {
	frameBytes := v.config.FrameSize * BytesPerSample
	v.pending = append(v.pending, pcm...)

	var events []VADEvent
	for len(v.pending) >= frameBytes {
		_, started, ended := v.ProcessFrame(BytesToSamples(v.pending[:frameBytes]))
		v.pending = v.pending[frameBytes:]
		if started || ended {
			events = append(events, VADEvent{Speaking: started, Frame: v.frames})
		}
		v.frames++
	}
	return events
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.pending = nil
	v.frames = 0
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
