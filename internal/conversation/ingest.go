package conversation

import (
	"context"
	"time"

	"github.com/ashureev/voice-relay/internal/audio"
	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/room"
	"github.com/ashureev/voice-relay/internal/vad"
)

// stream is the ingestion state of one participant.
type stream struct {
	gen    uint64
	seg    *vad.Segmenter
	rate   int
	buf    []byte
	cancel context.CancelFunc
}

func (s *stream) reset() {
	if s.seg != nil {
		s.seg.Reset()
	}
	s.buf = nil
}

type attachEvent struct {
	identity string
	frames   <-chan room.Frame
}

type detachEvent struct{ identity string }

type frameEvent struct {
	identity string
	gen      uint64
	frame    room.Frame
}

type streamEndedEvent struct {
	identity string
	gen      uint64
}

func (m *Machine) onAttach(ev attachEvent) {
	if old, ok := m.st.streams[ev.identity]; ok {
		m.logger.Info("Cancelling stale audio stream", "participant", ev.identity)
		old.cancel()
	}
	m.st.streamGen++
	ctx, cancel := context.WithCancel(m.ctx)
	s := &stream{gen: m.st.streamGen, cancel: cancel}
	m.st.streams[ev.identity] = s
	m.logger.Info("Subscribed to participant audio", "participant", ev.identity)
	go m.pump(ctx, ev.identity, s.gen, ev.frames)
}

func (m *Machine) onDetach(ev detachEvent) {
	if s, ok := m.st.streams[ev.identity]; ok {
		s.cancel()
		delete(m.st.streams, ev.identity)
	}
}

func (m *Machine) onStreamEnded(ev streamEndedEvent) {
	if s, ok := m.st.streams[ev.identity]; ok && s.gen == ev.gen {
		s.cancel()
		delete(m.st.streams, ev.identity)
		m.logger.Info("Participant audio ended", "participant", ev.identity)
	}
}

// pump moves frames from a participant channel into the mailbox.
func (m *Machine) pump(ctx context.Context, identity string, gen uint64, frames <-chan room.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				m.post(streamEndedEvent{identity: identity, gen: gen})
				return
			}
			m.post(frameEvent{identity: identity, gen: gen, frame: f})
		}
	}
}

func (m *Machine) onFrame(ev frameEvent) {
	s, ok := m.st.streams[ev.identity]
	if !ok || s.gen != ev.gen {
		return
	}
	if m.suppressed(m.now()) {
		s.reset()
		return
	}
	if s.seg == nil || s.rate != ev.frame.SampleRate {
		s.seg = vad.NewSegmenter(m.cfg.VAD, m.deps.NewClassifier(), ev.frame.SampleRate)
		s.rate = ev.frame.SampleRate
		s.buf = nil
	}

	d := s.seg.Process(ev.frame.PCM)
	if d.Buffer {
		s.buf = append(s.buf, ev.frame.PCM...)
	}
	if d.Ended {
		pcm := s.buf
		s.buf = nil
		m.utteranceReady(ev.identity, pcm, s.rate)
	}
}

// suppressed reports whether inbound audio should be discarded right now.
func (m *Machine) suppressed(now time.Time) bool {
	st := &m.st
	switch {
	case st.isSpeaking, st.playing, st.waitingForReply, st.transcribing:
		return true
	case !st.speakingEndedAt.IsZero() && now.Sub(st.speakingEndedAt) < m.cfg.EchoCooldown:
		return true
	case st.status == domain.StatusIdle && !st.idleEnteredAt.IsZero() && now.Sub(st.idleEnteredAt) < m.cfg.IdleDebounce:
		return true
	}
	return false
}

func (m *Machine) resetStreams() {
	for _, s := range m.st.streams {
		s.reset()
	}
}

func (m *Machine) utteranceReady(caller string, pcm []byte, rate int) {
	if len(pcm) == 0 {
		return
	}
	m.logger.Info("End of speech, transcribing", "participant", caller, "duration", audio.Duration(pcm, rate))
	m.st.transcribing = true
	m.setStatus(domain.StatusThinking, domain.ActivityTranscribing)

	sttRate := m.cfg.STTSampleRate
	go func() {
		wav := audio.EncodeWAV(audio.Resample(pcm, rate, sttRate), sttRate)
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SpeechTimeout)
		defer cancel()

		var text string
		err := errNoTranscriber
		if m.deps.Transcriber != nil {
			text, err = m.deps.Transcriber.Transcribe(ctx, wav, "wav")
		}
		m.post(transcribedEvent{text: text, caller: caller, err: err})
	}()
}
