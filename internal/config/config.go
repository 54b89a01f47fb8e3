// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Speech backend kinds.
const (
	BackendOpenAI = "openai"
	BackendGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	AllowedOrigins  []string
	DBPath          string
	SessionTimeout  time.Duration
	Speech          SpeechConfig
	Audio           AudioConfig
	VAD             VADConfig
	Conversation    ConversationConfig
	Standby         StandbyConfig
	Retry           RetryConfig
	Containers      ContainerConfig
	ConversationLog ConversationLogConfig
}

// SpeechConfig selects and configures the transcription and synthesis backends.
type SpeechConfig struct {
	Backend      string
	WhisperURL   string
	WhisperModel string
	KokoroURL    string
	KokoroModel  string
	KokoroVoice  string
	KokoroSpeed  float64
	APIKey       string
	GRPCAddr     string
	ChunkBytes   int
	Timeout      time.Duration
}

// AudioConfig holds sample rates and framing for the audio transport.
type AudioConfig struct {
	InputSampleRate  int
	OutputSampleRate int
	STTSampleRate    int
	TTSSampleRate    int
	FrameDuration    time.Duration
	PublishChunk     time.Duration
}

// VADConfig controls utterance segmentation.
type VADConfig struct {
	Aggressiveness  int
	EnergyThreshold float64
	SilenceTimeout  time.Duration
	MinSpeech       time.Duration
	MaxRecording    time.Duration
}

// ConversationConfig holds per-session state machine timings.
type ConversationConfig struct {
	ThinkingTimeout time.Duration
	ErrorRecovery   time.Duration
	EchoCooldown    time.Duration
	IdleDebounce    time.Duration
	PlaybackJitter  time.Duration
}

// StandbyConfig bounds the long-poll wait for assistants on the standby transport.
type StandbyConfig struct {
	MaxWait           time.Duration
	HeartbeatInterval time.Duration
	QueueSize         int
}

// RetryConfig controls retry behavior for transient failures.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
	DatabaseRetryMaxDelay  time.Duration
}

// ContainerConfig names the docker containers running speech backends.
type ContainerConfig struct {
	Names        []string
	AutoStart    bool
	CheckTimeout time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("RELAY_PORT", getEnv("PORT", "3100")),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		DBPath:         getEnv("DB_PATH", "./data/relay.db"),
		SessionTimeout: getEnvSeconds("SESSION_TIMEOUT", 600),
		Speech: SpeechConfig{
			Backend:      strings.ToLower(getEnv("SPEECH_BACKEND", BackendOpenAI)),
			WhisperURL:   getEnv("WHISPER_URL", "http://127.0.0.1:8100/v1"),
			WhisperModel: getEnv("WHISPER_MODEL", "whisper-1"),
			KokoroURL:    getEnv("KOKORO_URL", "http://127.0.0.1:8101/v1"),
			KokoroModel:  getEnv("KOKORO_MODEL", "kokoro"),
			KokoroVoice:  getEnv("KOKORO_VOICE", "af_heart"),
			KokoroSpeed:  getEnvFloat("KOKORO_SPEED", 1.0),
			APIKey:       getEnv("SPEECH_API_KEY", "not-needed"),
			GRPCAddr:     getEnv("SPEECH_GRPC_ADDR", ""),
			ChunkBytes:   getEnvInt("TTS_CHUNK_BYTES", 4800),
			Timeout:      getEnvSeconds("SPEECH_TIMEOUT", 60),
		},
		Audio: AudioConfig{
			InputSampleRate:  getEnvInt("INPUT_SAMPLE_RATE", 48000),
			OutputSampleRate: getEnvInt("OUTPUT_SAMPLE_RATE", 48000),
			STTSampleRate:    getEnvInt("STT_SAMPLE_RATE", 16000),
			TTSSampleRate:    getEnvInt("TTS_SAMPLE_RATE", 24000),
			FrameDuration:    getEnvMillis("VAD_FRAME_MS", 30),
			PublishChunk:     getEnvMillis("PUBLISH_CHUNK_MS", 10),
		},
		VAD: VADConfig{
			Aggressiveness:  getEnvInt("VAD_AGGRESSIVENESS", 2),
			EnergyThreshold: getEnvFloat("ENERGY_THRESHOLD", 500),
			SilenceTimeout:  getEnvMillis("SILENCE_THRESHOLD_MS", 2500),
			MinSpeech:       getEnvDuration("MIN_SPEECH_DURATION_S", 500*time.Millisecond),
			MaxRecording:    getEnvSeconds("MAX_RECORDING_S", 180),
		},
		Conversation: ConversationConfig{
			ThinkingTimeout: getEnvSeconds("THINKING_TIMEOUT_S", 15),
			ErrorRecovery:   getEnvSeconds("ERROR_RECOVERY_S", 5),
			EchoCooldown:    getEnvDuration("ECHO_COOLDOWN_S", 800*time.Millisecond),
			IdleDebounce:    getEnvMillis("IDLE_DEBOUNCE_MS", 300),
			PlaybackJitter:  getEnvMillis("PLAYBACK_JITTER_MS", 500),
		},
		Standby: StandbyConfig{
			MaxWait:           getEnvSeconds("STANDBY_TIMEOUT_S", 24*60*60),
			HeartbeatInterval: getEnvSeconds("HEARTBEAT_INTERVAL_S", 30),
			QueueSize:         getEnvInt("STANDBY_QUEUE_SIZE", 32),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvMillis("DB_RETRY_BASE_MS", 50),
			DatabaseRetryMaxDelay:  getEnvMillis("DB_RETRY_MAX_MS", 1000),
		},
		Containers: ContainerConfig{
			Names:        getEnvList("SPEECH_CONTAINERS", nil),
			AutoStart:    getEnvBool("SPEECH_CONTAINERS_AUTOSTART", false),
			CheckTimeout: getEnvSeconds("CONTAINER_CHECK_TIMEOUT_S", 5),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("RELAY_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be > 0")
	}
	switch c.Speech.Backend {
	case BackendOpenAI:
	case BackendGRPC:
		if c.Speech.GRPCAddr == "" {
			return fmt.Errorf("SPEECH_GRPC_ADDR is required when SPEECH_BACKEND=grpc")
		}
	default:
		return fmt.Errorf("unknown SPEECH_BACKEND %q", c.Speech.Backend)
	}
	if c.Speech.ChunkBytes <= 0 || c.Speech.ChunkBytes%2 != 0 {
		return fmt.Errorf("TTS_CHUNK_BYTES must be a positive even number")
	}
	for name, rate := range map[string]int{
		"INPUT_SAMPLE_RATE":  c.Audio.InputSampleRate,
		"OUTPUT_SAMPLE_RATE": c.Audio.OutputSampleRate,
		"STT_SAMPLE_RATE":    c.Audio.STTSampleRate,
		"TTS_SAMPLE_RATE":    c.Audio.TTSSampleRate,
	} {
		if rate <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.Audio.FrameDuration <= 0 || c.Audio.PublishChunk <= 0 {
		return fmt.Errorf("frame durations must be > 0")
	}
	if c.VAD.Aggressiveness < 0 || c.VAD.Aggressiveness > 3 {
		return fmt.Errorf("VAD_AGGRESSIVENESS must be between 0 and 3")
	}
	if c.VAD.MaxRecording < c.Audio.FrameDuration {
		return fmt.Errorf("MAX_RECORDING_S must cover at least one frame")
	}
	if c.Standby.MaxWait <= 0 {
		return fmt.Errorf("STANDBY_TIMEOUT_S must be > 0")
	}
	if c.Standby.QueueSize <= 0 {
		return fmt.Errorf("STANDBY_QUEUE_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts either a Go duration ("800ms") or a bare number of seconds ("0.8").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return getEnvDuration(key, time.Duration(fallback)*time.Second)
}

func getEnvMillis(key string, fallback int) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return time.Duration(fallback) * time.Millisecond
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return time.Duration(fallback) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
