// Package conversation implements the per-session voice conversation state machine.
//
// Each Machine runs one event loop goroutine. Public methods post events into
// its mailbox, and long-running work (transcription, playback of one reply)
// reports back into the same mailbox, so handlers never run concurrently.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/protocol"
	"github.com/ashureev/voice-relay/internal/room"
	"github.com/ashureev/voice-relay/internal/speech"
	"github.com/ashureev/voice-relay/internal/vad"
)

// Causes shown to viewers in the error state.
const (
	CauseTranscription = "Speech-to-text failed. Is Whisper running?"
	CauseSynthesis     = "Text-to-speech failed. Is Kokoro running?"
	CauseNoAudio       = "Text-to-speech returned no audio."
	CauseNotConnected  = "Session is not connected"
)

// HintNoiseOnly is the hint reason sent when an utterance was only noise.
const HintNoiseOnly = "noise_only"

var (
	errNoAudio       = errors.New("synthesis produced no audio")
	errNoSource      = errors.New("no audio source")
	errNoTranscriber = errors.New("no transcriber configured")
)

// Forwarder delivers caller text to the session's assistant transport.
type Forwarder interface {
	Send(ctx context.Context, sessionID string, msg protocol.VoiceMessage) error
}

// Notifier fans events out to the session's viewers.
type Notifier interface {
	Notify(sessionID string, ev protocol.Outbound)
}

// Timings holds the state machine's delays.
type Timings struct {
	ThinkingTimeout time.Duration
	ErrorRecovery   time.Duration
	EchoCooldown    time.Duration
	IdleDebounce    time.Duration
	PlaybackJitter  time.Duration
}

// Config configures a Machine.
type Config struct {
	Timings
	VAD           vad.Config
	STTSampleRate int
	// PublishChunk is the duration of each outbound audio chunk.
	PublishChunk time.Duration
	// PublishLead bounds how far publishing may run ahead of real time.
	PublishLead    time.Duration
	ForwardTimeout time.Duration
	SpeechTimeout  time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		Timings: Timings{
			ThinkingTimeout: 15 * time.Second,
			ErrorRecovery:   5 * time.Second,
			EchoCooldown:    800 * time.Millisecond,
			IdleDebounce:    300 * time.Millisecond,
			PlaybackJitter:  500 * time.Millisecond,
		},
		VAD:            vad.DefaultConfig(),
		STTSampleRate:  16000,
		PublishChunk:   10 * time.Millisecond,
		PublishLead:    time.Second,
		ForwardTimeout: 10 * time.Second,
		SpeechTimeout:  60 * time.Second,
	}
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Forwarder   Forwarder
	Notifier    Notifier
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Source      room.AudioSource
	// NewClassifier returns a classifier for one ingestion stream.
	NewClassifier func() vad.Classifier
	Logger        *slog.Logger
}

// Machine is the conversation state machine for one session.
type Machine struct {
	id     string
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mailbox   chan any
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	snapMu sync.RWMutex
	snap   domain.StatusUpdate

	st state
}

// state is owned by the event loop.
type state struct {
	status          domain.Status
	activity        string
	isSpeaking      bool
	waitingForReply bool
	transcribing    bool
	playing         bool
	queue           []string

	speakingEndedAt time.Time
	idleEnteredAt   time.Time
	// runStartedAt is when playback last went from stopped to playing.
	runStartedAt    time.Time
	lastActivityAt  time.Time
	lastActivity    string
	pendingListenAt time.Time

	idleGen       uint64
	idleTimer     *time.Timer
	recoveryGen   uint64
	recoveryTimer *time.Timer

	streamGen uint64
	streams   map[string]*stream
}

// New creates and starts a Machine for sessionID in the idle state.
func New(sessionID string, cfg Config, deps Deps) *Machine {
	return newMachine(sessionID, cfg, deps, time.Now)
}

func newMachine(sessionID string, cfg Config, deps Deps, now func() time.Time) *Machine {
	def := DefaultConfig()
	if cfg.STTSampleRate <= 0 {
		cfg.STTSampleRate = def.STTSampleRate
	}
	if cfg.PublishChunk <= 0 {
		cfg.PublishChunk = def.PublishChunk
	}
	if cfg.PublishLead <= 0 {
		cfg.PublishLead = def.PublishLead
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = def.ForwardTimeout
	}
	if cfg.SpeechTimeout <= 0 {
		cfg.SpeechTimeout = def.SpeechTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewClassifier == nil {
		deps.NewClassifier = func() vad.Classifier { return vad.EnergyClassifier{} }
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		id:      sessionID,
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("session_id", sessionID),
		now:     now,
		mailbox: make(chan any, 256),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		snap:    domain.StatusUpdate{SessionID: sessionID, Status: domain.StatusIdle, At: now()},
		st:      state{streams: make(map[string]*stream)},
	}
	go m.run()
	return m
}

// SessionID returns the session this machine serves.
func (m *Machine) SessionID() string { return m.id }

// SubmitText forwards typed caller text as if it had been transcribed.
func (m *Machine) SubmitText(text, caller string) {
	m.post(textEvent{text: text, caller: caller})
}

// Reply queues assistant text for playback.
func (m *Machine) Reply(text string) { m.post(replyEvent{text: text}) }

// Listening records that the assistant is ready for the next turn.
func (m *Machine) Listening() { m.post(listeningEvent{}) }

// Activity shows what the assistant is currently doing.
func (m *Machine) Activity(label string) { m.post(activityEvent{label: label}) }

// AttachStream starts ingesting frames from a participant, cancelling any
// earlier stream for the same identity.
func (m *Machine) AttachStream(identity string, frames <-chan room.Frame) {
	m.post(attachEvent{identity: identity, frames: frames})
}

// DetachStream stops ingesting from a participant.
func (m *Machine) DetachStream(identity string) { m.post(detachEvent{identity: identity}) }

// Snapshot returns the most recent status.
func (m *Machine) Snapshot() domain.StatusUpdate {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Close stops the machine. Timers are cancelled and queued replies dropped;
// a reply already being published finishes publishing.
func (m *Machine) Close() {
	m.closeOnce.Do(m.cancel)
	<-m.done
}

// Done is closed once the event loop has exited.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) post(ev any) {
	select {
	case m.mailbox <- ev:
	case <-m.done:
	}
}

func (m *Machine) run() {
	defer close(m.done)
	defer m.teardown()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.mailbox:
			m.handle(ev)
		}
	}
}

func (m *Machine) teardown() {
	m.cancelIdleTimer()
	if m.st.recoveryTimer != nil {
		m.st.recoveryTimer.Stop()
	}
	for id, s := range m.st.streams {
		s.cancel()
		delete(m.st.streams, id)
	}
	if n := len(m.st.queue); n > 0 {
		m.logger.Info("Dropping queued replies", "count", n)
	}
	m.st.queue = nil
}

func (m *Machine) handle(ev any) {
	switch ev := ev.(type) {
	case textEvent:
		m.onText(ev)
	case replyEvent:
		m.onReply(ev)
	case listeningEvent:
		m.onListening()
	case activityEvent:
		m.onActivity(ev)
	case attachEvent:
		m.onAttach(ev)
	case detachEvent:
		m.onDetach(ev)
	case frameEvent:
		m.onFrame(ev)
	case streamEndedEvent:
		m.onStreamEnded(ev)
	case transcribedEvent:
		m.onTranscribed(ev)
	case playbackDoneEvent:
		m.onPlaybackDone(ev)
	case idleTimeoutEvent:
		m.onIdleTimeout(ev)
	case recoveryEvent:
		m.onRecovery(ev)
	default:
		m.logger.Warn("Unhandled conversation event", "event", ev)
	}
}

func (m *Machine) setStatus(status domain.Status, activity string) {
	now := m.now()
	m.st.status = status
	m.st.activity = activity
	if status == domain.StatusIdle {
		m.st.idleEnteredAt = now
	}
	u := domain.StatusUpdate{SessionID: m.id, Status: status, Activity: activity, At: now}
	m.snapMu.Lock()
	m.snap = u
	m.snapMu.Unlock()
	m.notify(protocol.NewStatus(u))
}

func (m *Machine) notify(ev protocol.Outbound) {
	if m.deps.Notifier != nil {
		m.deps.Notifier.Notify(m.id, ev)
	}
}

func (m *Machine) goIdle() {
	m.st.waitingForReply = false
	m.setStatus(domain.StatusIdle, "")
}

func (m *Machine) fail(cause string) {
	m.cancelIdleTimer()
	m.setStatus(domain.StatusError, cause)
	m.armRecovery()
}

func (m *Machine) armIdleTimer() {
	m.cancelIdleTimer()
	m.st.idleGen++
	gen := m.st.idleGen
	m.st.idleTimer = time.AfterFunc(m.cfg.ThinkingTimeout, func() {
		m.post(idleTimeoutEvent{gen: gen})
	})
}

func (m *Machine) cancelIdleTimer() {
	if m.st.idleTimer != nil {
		m.st.idleTimer.Stop()
		m.st.idleTimer = nil
	}
	m.st.idleGen++
}

func (m *Machine) armRecovery() {
	if m.st.recoveryTimer != nil {
		m.st.recoveryTimer.Stop()
	}
	m.st.recoveryGen++
	gen := m.st.recoveryGen
	m.st.recoveryTimer = time.AfterFunc(m.cfg.ErrorRecovery, func() {
		m.post(recoveryEvent{gen: gen})
	})
}

type textEvent struct {
	text, caller string
	transcribed  bool
}

type (
	replyEvent       struct{ text string }
	listeningEvent   struct{}
	activityEvent    struct{ label string }
	idleTimeoutEvent struct{ gen uint64 }
	recoveryEvent    struct{ gen uint64 }
)
