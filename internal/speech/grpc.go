package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/voice-relay/internal/backoff"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the gRPC service implemented by speech sidecars.
const ServiceName = "voicerelay.speech.v1.Speech"

const (
	methodTranscribe       = "/" + ServiceName + "/Transcribe"
	methodSynthesizeStream = "/" + ServiceName + "/SynthesizeStream"

	// formatMetadataKey carries the audio container format for Transcribe.
	formatMetadataKey = "x-audio-format"
)

var synthesizeStreamDesc = &grpc.StreamDesc{
	StreamName:    "SynthesizeStream",
	ServerStreams: true,
}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the speech sidecar client.
type GRPCConfig struct {
	Address          string
	SampleRate       int
	ConnectTimeout   time.Duration
	ConnectAttempts  int
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		SampleRate:       24000,
		ConnectTimeout:   5 * time.Second,
		ConnectAttempts:  3,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCBackend is a speech backend served by a gRPC sidecar.
type GRPCBackend struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    GRPCConfig
	logger *slog.Logger
}

// NewGRPCBackend connects to the sidecar, retrying readiness with backoff.
func NewGRPCBackend(ctx context.Context, cfg GRPCConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client for %s: %w", cfg.Address, err)
	}

	policy := backoff.Policy{Base: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
	for attempt := 0; ; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		err = waitForReady(connectCtx, conn)
		cancel()
		if err == nil {
			break
		}
		if attempt+1 >= cfg.ConnectAttempts || ctx.Err() != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
			}
			return nil, fmt.Errorf("speech sidecar at %s not ready: %w", cfg.Address, err)
		}
		delay := policy.Delay(attempt)
		logger.Warn("Speech sidecar not ready, retrying", "address", cfg.Address, "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	logger.Info("Connected to speech sidecar", "address", cfg.Address)
	return &GRPCBackend{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Transcribe implements Transcriber.
func (b *GRPCBackend) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	ctx = metadata.AppendToOutgoingContext(ctx, formatMetadataKey, format)
	out := new(wrapperspb.StringValue)
	if err := b.conn.Invoke(ctx, methodTranscribe, wrapperspb.Bytes(audio), out); err != nil {
		return "", fmt.Errorf("transcribe request failed: %w", err)
	}
	return out.GetValue(), nil
}

// SynthesizeStream implements Synthesizer.
func (b *GRPCBackend) SynthesizeStream(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if text == "" {
			yield(nil, ErrEmptyText)
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := b.conn.NewStream(ctx, synthesizeStreamDesc, methodSynthesizeStream)
		if err != nil {
			yield(nil, fmt.Errorf("synthesize request failed: %w", err))
			return
		}
		if err := stream.SendMsg(wrapperspb.String(text)); err != nil {
			yield(nil, fmt.Errorf("synthesize send failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("synthesize close send failed: %w", err))
			return
		}

		for {
			chunk := new(wrapperspb.BytesValue)
			err := stream.RecvMsg(chunk)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("synthesize stream error: %w", err))
				return
			}
			if !yield(chunk.GetValue(), nil) {
				return
			}
		}
	}
}

// SampleRate implements Synthesizer.
func (b *GRPCBackend) SampleRate() int { return b.cfg.SampleRate }

// Health checks the sidecar with the standard gRPC health service.
func (b *GRPCBackend) Health(ctx context.Context) error {
	resp, err := b.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("speech sidecar status %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (b *GRPCBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
