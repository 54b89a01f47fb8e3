package vad

import (
	"testing"
	"time"

	"github.com/ashureev/voice-relay/internal/audio"
)

func labels(speech, silence int) []bool {
	out := make([]bool, 0, speech+silence)
	for i := 0; i < speech; i++ {
		out = append(out, true)
	}
	for i := 0; i < silence; i++ {
		out = append(out, false)
	}
	return out
}

// firstEnd feeds labels and returns the index of the first Ended frame, or -1.
func firstEnd(s *Segmenter, ls []bool) int {
	for i, l := range ls {
		if s.Observe(l).Ended {
			return i
		}
	}
	return -1
}

func TestSegmenterScenario(t *testing.T) {
	t.Parallel()

	cfg := Config{
		FrameDuration:  30 * time.Millisecond,
		SilenceTimeout: 2500 * time.Millisecond,
		MinSpeech:      500 * time.Millisecond,
		MaxRecording:   180 * time.Second,
	}
	s := NewSegmenter(cfg, nil, 16000)

	idx := firstEnd(s, labels(40, 90))
	if idx < 0 {
		t.Fatal("utterance never ended")
	}
	if got := idx - 40; got != 83 {
		t.Fatalf("ended at silence frame %d, want 83", got)
	}
	if s.SpeechDetected() || s.Elapsed() != 0 || s.SilenceRun() != 0 {
		t.Error("state not reset after utterance ended")
	}
}

func TestSegmenterDeterminism(t *testing.T) {
	t.Parallel()

	frame := 30 * time.Millisecond
	tests := []struct {
		name     string
		silence  time.Duration
		minSp    time.Duration
		maxRec   time.Duration
		speech   int
		trailing int
		want     int
	}{
		{"silence rule", 300 * time.Millisecond, 0, time.Minute, 5, 20, 5 + 9},
		{"min speech delays end", 90 * time.Millisecond, 600 * time.Millisecond, time.Minute, 2, 30, 19},
		{"cap beats silence", 10 * time.Second, 0, 300 * time.Millisecond, 50, 0, 9},
		{"no end without enough silence", 3 * time.Second, 0, time.Minute, 10, 50, -1},
		{"leading silence ignored", 60 * time.Millisecond, 0, time.Minute, 0, 100, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSegmenter(Config{
				FrameDuration:  frame,
				SilenceTimeout: tt.silence,
				MinSpeech:      tt.minSp,
				MaxRecording:   tt.maxRec,
			}, nil, 16000)
			if got := firstEnd(s, labels(tt.speech, tt.trailing)); got != tt.want {
				t.Errorf("ended at frame %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSegmenterHardCap(t *testing.T) {
	t.Parallel()

	for _, maxRec := range []time.Duration{
		300 * time.Millisecond,
		310 * time.Millisecond,
		time.Second,
		1015 * time.Millisecond,
	} {
		cfg := Config{
			FrameDuration:  30 * time.Millisecond,
			SilenceTimeout: time.Hour,
			MaxRecording:   maxRec,
		}
		s := NewSegmenter(cfg, nil, 16000)
		var buffered time.Duration
		ends := 0
		for i := 0; i < 500; i++ {
			d := s.Observe(true)
			if d.Buffer {
				buffered += cfg.FrameDuration
			}
			if d.Ended {
				ends++
				if buffered > maxRec {
					t.Fatalf("max %v: utterance %v exceeds cap", maxRec, buffered)
				}
				if buffered+cfg.FrameDuration <= maxRec {
					t.Fatalf("max %v: utterance %v ended early", maxRec, buffered)
				}
				buffered = 0
			}
		}
		if ends == 0 {
			t.Fatalf("max %v: continuous speech never capped", maxRec)
		}
	}
}

func TestSegmenterBuffersOnlyUtterance(t *testing.T) {
	t.Parallel()

	s := NewSegmenter(DefaultConfig(), nil, 16000)
	if d := s.Observe(false); d.Buffer {
		t.Error("leading silence should not be buffered")
	}
	if d := s.Observe(true); !d.Buffer || !d.Speech {
		t.Errorf("speech frame decision = %+v", d)
	}
	if d := s.Observe(false); !d.Buffer || d.Speech {
		t.Errorf("inner silence decision = %+v", d)
	}
}

func TestSegmenterProcessUsesClassifier(t *testing.T) {
	t.Parallel()

	var gotRate int
	c := ClassifierFunc(func(pcm []byte, rate int) bool {
		gotRate = rate
		return len(pcm) > 0 && pcm[0] == 1
	})
	s := NewSegmenter(DefaultConfig(), c, 16000)
	if d := s.Process([]byte{1, 0}); !d.Speech {
		t.Error("expected speech")
	}
	if gotRate != 16000 {
		t.Errorf("classifier rate = %d, want 16000", gotRate)
	}
	if s.SpeechStartedAt().IsZero() {
		t.Error("speech start time not recorded")
	}
}

func TestEnergyClassifier(t *testing.T) {
	t.Parallel()

	loud := make([]int16, 480)
	quiet := make([]int16, 480)
	for i := range loud {
		loud[i] = 2000
		quiet[i] = 100
	}
	c := EnergyClassifier{Threshold: 500}
	if !c.IsSpeech(audio.Bytes(loud), 16000) {
		t.Error("loud frame classified as silence")
	}
	if c.IsSpeech(audio.Bytes(quiet), 16000) {
		t.Error("quiet frame classified as speech")
	}
	if (EnergyClassifier{}).IsSpeech(audio.Bytes(quiet), 16000) {
		t.Error("zero threshold should use default")
	}
}

func TestNewClassifierAlwaysUsable(t *testing.T) {
	t.Parallel()

	c := NewClassifier(2, 500, nil)
	if c == nil {
		t.Fatal("NewClassifier returned nil")
	}
	silence := make([]byte, audio.FrameBytes(30*time.Millisecond, 48000))
	if c.IsSpeech(silence, 48000) {
		t.Error("digital silence classified as speech")
	}
}
