package vad

import (
	"time"
)

// Config holds segmentation thresholds.
type Config struct {
	FrameDuration  time.Duration
	SilenceTimeout time.Duration
	MinSpeech      time.Duration
	MaxRecording   time.Duration
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		FrameDuration:  30 * time.Millisecond,
		SilenceTimeout: 2500 * time.Millisecond,
		MinSpeech:      500 * time.Millisecond,
		MaxRecording:   180 * time.Second,
	}
}

// Decision is the segmenter's verdict for one frame.
type Decision struct {
	// Speech is the classifier label for the frame.
	Speech bool
	// Buffer is true when the frame belongs to the in-progress utterance.
	Buffer bool
	// Ended fires once, on the frame that completes the utterance.
	Ended bool
}

// Segmenter tracks speech and silence across frames of one audio stream.
// Elapsed time is measured in frame time, so results depend only on the frame labels.
type Segmenter struct {
	cfg        Config
	classifier Classifier
	sampleRate int
	now        func() time.Time

	speechDetected  bool
	silenceRun      time.Duration
	speechStartedAt time.Time
	elapsed         time.Duration
}

// NewSegmenter creates a segmenter for frames at sampleRate.
func NewSegmenter(cfg Config, classifier Classifier, sampleRate int) *Segmenter {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultConfig().FrameDuration
	}
	return &Segmenter{
		cfg:        cfg,
		classifier: classifier,
		sampleRate: sampleRate,
		now:        time.Now,
	}
}

// Process classifies frame and advances the segmentation state.
func (s *Segmenter) Process(frame []byte) Decision {
	return s.Observe(s.classifier.IsSpeech(frame, s.sampleRate))
}

// Observe advances the state with an already-computed frame label.
func (s *Segmenter) Observe(isSpeech bool) Decision {
	frame := s.cfg.FrameDuration
	if isSpeech {
		if !s.speechDetected {
			s.speechDetected = true
			s.speechStartedAt = s.now()
			s.elapsed = 0
		}
		s.silenceRun = 0
	} else if s.speechDetected {
		s.silenceRun += frame
	}

	if !s.speechDetected {
		return Decision{Speech: isSpeech}
	}

	s.elapsed += frame
	silenceDone := s.silenceRun >= s.cfg.SilenceTimeout && s.elapsed >= s.cfg.MinSpeech
	// The cap fires before a frame would push the utterance past MaxRecording.
	capped := s.cfg.MaxRecording > 0 && s.elapsed+frame > s.cfg.MaxRecording
	d := Decision{Speech: isSpeech, Buffer: true, Ended: silenceDone || capped}
	if d.Ended {
		s.Reset()
	}
	return d
}

// Reset clears all segmentation state.
func (s *Segmenter) Reset() {
	s.speechDetected = false
	s.silenceRun = 0
	s.speechStartedAt = time.Time{}
	s.elapsed = 0
}

// SpeechDetected reports whether an utterance is in progress.
func (s *Segmenter) SpeechDetected() bool { return s.speechDetected }

// SpeechStartedAt returns when the in-progress utterance began, or the zero time.
func (s *Segmenter) SpeechStartedAt() time.Time { return s.speechStartedAt }

// Elapsed returns the frame time accumulated by the in-progress utterance.
func (s *Segmenter) Elapsed() time.Duration { return s.elapsed }

// SilenceRun returns the current trailing silence.
func (s *Segmenter) SilenceRun() time.Duration { return s.silenceRun }
