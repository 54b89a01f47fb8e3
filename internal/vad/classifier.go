// Package vad segments a stream of fixed-duration PCM frames into utterances.
package vad

import (
	"errors"
	"log/slog"

	"github.com/ashureev/voice-relay/internal/audio"
)

// DefaultEnergyThreshold is the RMS level (raw int16 units) above which a frame counts as speech.
const DefaultEnergyThreshold = 500

// Classifier labels a single frame of 16-bit PCM as speech or not.
// Implementations may keep per-stream state and are not safe for concurrent use.
type Classifier interface {
	IsSpeech(pcm []byte, sampleRate int) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(pcm []byte, sampleRate int) bool

// IsSpeech implements Classifier.
func (f ClassifierFunc) IsSpeech(pcm []byte, sampleRate int) bool { return f(pcm, sampleRate) }

// EnergyClassifier compares frame RMS against a fixed threshold.
type EnergyClassifier struct {
	Threshold float64
}

// IsSpeech implements Classifier.
func (e EnergyClassifier) IsSpeech(pcm []byte, _ int) bool {
	threshold := e.Threshold
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	return audio.RMS(pcm) > threshold
}

var errPrimaryUnavailable = errors.New("webrtc vad unavailable in this build")

// NewClassifier returns the WebRTC classifier at the given aggressiveness (0-3),
// falling back to the energy classifier when WebRTC VAD cannot be created.
func NewClassifier(aggressiveness int, energyThreshold float64, logger *slog.Logger) Classifier {
	fallback := EnergyClassifier{Threshold: energyThreshold}
	primary, err := newWebRTC(aggressiveness, fallback)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("WebRTC VAD unavailable, using energy classifier", "error", err)
		return fallback
	}
	return primary
}
