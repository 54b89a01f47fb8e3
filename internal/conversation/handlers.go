package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/noise"
	"github.com/ashureev/voice-relay/internal/protocol"
)

type transcribedEvent struct {
	text, caller string
	err          error
}

type playbackDoneEvent struct {
	err      error
	produced bool
}

func (m *Machine) onTranscribed(ev transcribedEvent) {
	m.st.transcribing = false
	if ev.err != nil {
		m.logger.Warn("Transcription failed", "error", ev.err)
		m.fail(CauseTranscription)
		return
	}
	m.onText(textEvent{text: ev.text, caller: ev.caller, transcribed: true})
}

// onText runs the post-transcription path. Typed text skips noise filtering.
func (m *Machine) onText(ev textEvent) {
	if !ev.transcribed {
		text := strings.TrimSpace(ev.text)
		if text == "" {
			return
		}
		m.forward(text, ev.caller)
		return
	}

	if strings.TrimSpace(ev.text) == "" {
		m.logger.Info("Transcription empty, skipping")
		m.goIdle()
		return
	}

	res := noise.Filter(ev.text)
	switch res.Verdict {
	case noise.NoiseOnly:
		m.logger.Info("Filtered noise transcription", "raw", ev.text)
		m.notify(protocol.Hint{
			Type:                     protocol.KindHint,
			SessionID:                m.id,
			Reason:                   HintNoiseOnly,
			SuggestDisableAutoListen: true,
		})
		m.goIdle()
	case noise.Command:
		m.logger.Info("Spoken command", "action", res.Action)
		m.notify(protocol.Control{Type: protocol.KindControl, SessionID: m.id, Action: string(res.Action)})
		m.goIdle()
	default:
		m.forward(res.Text, ev.caller)
	}
}

func (m *Machine) forward(text, caller string) {
	if m.deps.Forwarder == nil {
		m.fail(CauseNotConnected)
		return
	}
	now := m.now()
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ForwardTimeout)
	defer cancel()
	if err := m.deps.Forwarder.Send(ctx, m.id, protocol.NewVoiceMessage(text, caller, now)); err != nil {
		m.logger.Warn("Failed to forward message", "error", err)
		m.fail(CauseNotConnected)
		return
	}

	m.logger.Info("Forwarded message", "caller", caller, "chars", len(text))
	m.notify(protocol.NewTranscript(domain.TranscriptEntry{
		SessionID: m.id,
		Speaker:   domain.SpeakerUser,
		Text:      text,
		Caller:    caller,
		At:        now,
	}))
	m.st.waitingForReply = true
	m.setStatus(domain.StatusThinking, domain.ActivityWaiting)
}

func (m *Machine) onReply(ev replyEvent) {
	text := strings.TrimSpace(ev.text)
	if text == "" {
		return
	}
	m.cancelIdleTimer()
	m.notify(protocol.NewTranscript(domain.TranscriptEntry{
		SessionID: m.id,
		Speaker:   domain.SpeakerAssistant,
		Text:      text,
		At:        m.now(),
	}))
	m.st.queue = append(m.st.queue, text)
	if !m.st.playing {
		m.st.runStartedAt = m.now()
		m.startNext()
	}
}

func (m *Machine) startNext() {
	text := m.st.queue[0]
	m.st.queue = m.st.queue[1:]
	m.st.playing = true
	m.st.isSpeaking = true
	m.setStatus(domain.StatusSpeaking, "")
	go m.play(text)
}

func (m *Machine) onPlaybackDone(ev playbackDoneEvent) {
	m.st.playing = false
	m.st.isSpeaking = false
	m.st.speakingEndedAt = m.now()
	m.resetStreams()

	if !ev.produced {
		cause := CauseSynthesis
		if errors.Is(ev.err, errNoAudio) {
			cause = CauseNoAudio
		}
		m.logger.Warn("Playback failed", "error", ev.err)
		m.fail(cause)
		if len(m.st.queue) > 0 {
			m.startNext()
		}
		return
	}

	switch {
	case len(m.st.queue) > 0:
		m.startNext()
	case !m.st.pendingListenAt.IsZero() && !m.st.pendingListenAt.Before(m.st.lastActivityAt):
		m.st.pendingListenAt = time.Time{}
		m.goIdle()
	case m.st.lastActivityAt.After(m.st.runStartedAt):
		// The pending listen, if any, predates this activity.
		m.st.pendingListenAt = time.Time{}
		m.setStatus(domain.StatusThinking, m.st.lastActivity)
		m.armIdleTimer()
	default:
		m.setStatus(domain.StatusThinking, domain.ActivityWaiting)
		m.armIdleTimer()
	}
}

func (m *Machine) onListening() {
	m.cancelIdleTimer()
	if m.st.isSpeaking || m.st.playing || len(m.st.queue) > 0 {
		m.st.pendingListenAt = m.now()
		return
	}
	m.st.pendingListenAt = time.Time{}
	m.goIdle()
}

// onActivity records the label and shows it at once, even during playback.
// Inbound audio stays suppressed while playing, and onPlaybackDone settles
// the final state from the recorded timestamp.
func (m *Machine) onActivity(ev activityEvent) {
	m.st.lastActivityAt = m.now()
	m.st.lastActivity = ev.label
	m.setStatus(domain.StatusThinking, ev.label)
}

func (m *Machine) onIdleTimeout(ev idleTimeoutEvent) {
	if ev.gen != m.st.idleGen || m.st.isSpeaking {
		return
	}
	m.st.idleTimer = nil
	m.logger.Info("Thinking timeout, returning to idle")
	m.goIdle()
}

func (m *Machine) onRecovery(ev recoveryEvent) {
	if ev.gen != m.st.recoveryGen {
		return
	}
	m.st.recoveryTimer = nil
	if m.st.status != domain.StatusError {
		return
	}
	m.logger.Info("Recovering from error")
	m.goIdle()
}
