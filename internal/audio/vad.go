package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	Mode            int     // Sensitivity mode 0-3; 3 is most sensitive (lowest thresholds)
	EnergyThreshold float64 // Base RMS energy threshold before sensitivity scaling
	ZCRThreshold    float64 // Base zero-crossing-rate threshold before scaling
	CentroidMin     float64 // Base spectral-centroid-index threshold before scaling
	WindowFrames    int     // Rolling window length in frames (~0.5s at 20ms frames)
	SpeechRatio     float64 // Fraction of speech frames required to declare the window speech
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		Mode:            3,
		EnergyThreshold: 500.0,
		ZCRThreshold:    0.02,
		CentroidMin:     0.15,
		WindowFrames:    25, // 25 frames * 20ms = 0.5s
		SpeechRatio:     0.5,
	}
}

// Classifier performs Voice Activity Detection over a rolling window of
// frame-level decisions so single-frame noise spikes cannot trigger false
// activity. A frame is speech only when energy, zero-crossing rate, and
// the spectral-centroid index all clear their scaled thresholds.
type Classifier struct {
	config *VADConfig
	window []bool
}

// NewClassifier creates a new VAD classifier
func NewClassifier(config *VADConfig) *Classifier {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.Mode < 0 {
		config.Mode = 0
	}
	if config.Mode > 3 {
		config.Mode = 3
	}
	if config.WindowFrames <= 0 {
		config.WindowFrames = 25
	}
	if config.SpeechRatio <= 0 {
		config.SpeechRatio = 0.5
	}
	return &Classifier{config: config}
}

// sensitivity scales all three thresholds together: mode 3 yields the
// lowest thresholds (most sensitive), mode 0 the highest.
func (c *Classifier) sensitivity() float64 {
	return float64(4-c.config.Mode) / 4.0
}

// ClassifyFrame returns whether a single frame is speech. Pure function
// of the frame contents and the configured sensitivity.
func (c *Classifier) ClassifyFrame(samples []int16) bool {
	s := c.sensitivity()
	if CalculateRMS(samples) <= c.config.EnergyThreshold*s {
		return false
	}
	if ZeroCrossingRate(samples) <= c.config.ZCRThreshold*s {
		return false
	}
	return SpectralCentroidIndex(samples) > c.config.CentroidMin*s
}

// ProcessFrame feeds one frame into the rolling window and returns the
// aggregated window decision.
func (c *Classifier) ProcessFrame(samples []int16) bool {
	c.window = append(c.window, c.ClassifyFrame(samples))
	if len(c.window) > c.config.WindowFrames {
		c.window = c.window[len(c.window)-c.config.WindowFrames:]
	}
	return c.WindowActive()
}

// WindowActive returns the current rolling-window decision: speech is
// declared when the fraction of speech-classified frames exceeds the
// configured ratio.
func (c *Classifier) WindowActive() bool {
	if len(c.window) == 0 {
		return false
	}
	speech := 0
	for _, v := range c.window {
		if v {
			speech++
		}
	}
	return float64(speech)/float64(len(c.window)) > c.config.SpeechRatio
}

// Reset clears the rolling window state.
func (c *Classifier) Reset() {
	c.window = c.window[:0]
}

// Mode returns the configured sensitivity mode.
func (c *Classifier) Mode() int {
	return c.config.Mode
}

// DetectSilence reports whether samples fall below an energy threshold.
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
