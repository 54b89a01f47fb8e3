package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures OpenAI-compatible Whisper and Kokoro servers.
type OpenAIConfig struct {
	WhisperURL   string
	WhisperModel string
	KokoroURL    string
	KokoroModel  string
	Voice        string
	Speed        float64
	APIKey       string
	SampleRate   int
	ChunkBytes   int
}

// OpenAIBackend talks to OpenAI-compatible /audio/transcriptions and /audio/speech endpoints.
type OpenAIBackend struct {
	stt    *openai.Client
	tts    *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIBackend creates a backend. No network I/O happens until first use.
func NewOpenAIBackend(cfg OpenAIConfig, logger *slog.Logger) *OpenAIBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 4800
	}
	return &OpenAIBackend{
		stt:    newOpenAIClient(cfg.APIKey, cfg.WhisperURL),
		tts:    newOpenAIClient(cfg.APIKey, cfg.KokoroURL),
		cfg:    cfg,
		logger: logger,
	}
}

func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	c := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		c.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(c)
}

// Transcribe implements Transcriber.
func (b *OpenAIBackend) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if format == "" {
		format = "wav"
	}
	resp, err := b.stt.CreateTranscription(ctx, openai.AudioRequest{
		Model:    b.cfg.WhisperModel,
		FilePath: "utterance." + format,
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	b.logger.Debug("Transcribed utterance", "audio_bytes", len(audio), "chars", len(text))
	return text, nil
}

// SynthesizeStream implements Synthesizer. Chunks are ChunkBytes long except the last,
// and always contain whole samples.
func (b *OpenAIBackend) SynthesizeStream(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if strings.TrimSpace(text) == "" {
			yield(nil, ErrEmptyText)
			return
		}
		resp, err := b.tts.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(b.cfg.KokoroModel),
			Input:          text,
			Voice:          openai.SpeechVoice(b.cfg.Voice),
			ResponseFormat: openai.SpeechResponseFormatPcm,
			Speed:          b.cfg.Speed,
		})
		if err != nil {
			yield(nil, fmt.Errorf("kokoro speech: %w", err))
			return
		}
		defer resp.Close()

		buf := make([]byte, b.cfg.ChunkBytes)
		for {
			n, err := io.ReadFull(resp, buf)
			n -= n % 2
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read speech stream: %w", err))
				return
			}
		}
	}
}

// SampleRate implements Synthesizer.
func (b *OpenAIBackend) SampleRate() int { return b.cfg.SampleRate }

// Health lists models on both servers.
func (b *OpenAIBackend) Health(ctx context.Context) error {
	if _, err := b.stt.ListModels(ctx); err != nil {
		return fmt.Errorf("whisper unreachable: %w", err)
	}
	if _, err := b.tts.ListModels(ctx); err != nil {
		return fmt.Errorf("kokoro unreachable: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *OpenAIBackend) Close() error { return nil }
