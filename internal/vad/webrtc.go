//go:build cgo

package vad

import (
	"fmt"

	"github.com/ashureev/voice-relay/internal/audio"
	"github.com/maxhawkins/go-webrtcvad"
)

// webrtcRate is the narrowband rate frames are resampled to before classification.
const webrtcRate = 16000

// webrtcFrameSamples is one 30 ms frame at webrtcRate.
const webrtcFrameSamples = webrtcRate * 30 / 1000

// WebRTCClassifier wraps the WebRTC voice activity detector.
type WebRTCClassifier struct {
	vad      *webrtcvad.VAD
	fallback EnergyClassifier
}

func newWebRTC(aggressiveness int, fallback EnergyClassifier) (Classifier, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if err := v.SetMode(aggressiveness); err != nil {
		return nil, fmt.Errorf("set vad mode %d: %w", aggressiveness, err)
	}
	return &WebRTCClassifier{vad: v, fallback: fallback}, nil
}

// IsSpeech implements Classifier. Frames the detector rejects are classified by energy.
func (c *WebRTCClassifier) IsSpeech(pcm []byte, sampleRate int) bool {
	sub := exactFrame(audio.Resample(pcm, sampleRate, webrtcRate), webrtcFrameSamples)
	if !c.vad.ValidRateAndFrameLength(webrtcRate, len(sub)/audio.BytesPerSample) {
		return c.fallback.IsSpeech(pcm, sampleRate)
	}
	speech, err := c.vad.Process(webrtcRate, sub)
	if err != nil {
		return c.fallback.IsSpeech(pcm, sampleRate)
	}
	return speech
}

// exactFrame truncates or zero-pads pcm to exactly samples samples.
func exactFrame(pcm []byte, samples int) []byte {
	want := samples * audio.BytesPerSample
	if len(pcm) == want {
		return pcm
	}
	out := make([]byte, want)
	copy(out, pcm)
	return out
}
