// Package speech defines the transcription and synthesis collaborators and their backends.
package speech

import (
	"context"
	"errors"
	"iter"
)

var (
	// ErrEmptyAudio is returned when there is nothing to transcribe.
	ErrEmptyAudio = errors.New("empty audio")
	// ErrEmptyText is returned when there is nothing to synthesize.
	ErrEmptyText = errors.New("empty text")
)

// Transcriber converts an encoded audio clip to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Synthesizer streams 16-bit mono PCM for text at SampleRate.
type Synthesizer interface {
	SynthesizeStream(ctx context.Context, text string) iter.Seq2[[]byte, error]
	SampleRate() int
}

// Backend is a complete speech service.
type Backend interface {
	Transcriber
	Synthesizer
	Health(ctx context.Context) error
	Close() error
}
