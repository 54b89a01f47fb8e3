package conversation

import (
	"context"
	"time"

	"github.com/ashureev/voice-relay/internal/audio"
)

// play publishes one reply and reports completion to the event loop.
func (m *Machine) play(text string) {
	produced, err := m.publish(text)
	m.post(playbackDoneEvent{err: err, produced: produced})
}

// publish synthesizes text into the room in fixed-size chunks, then waits out
// the remaining playback time plus jitter. Publishing itself is not cancelled
// by Close so audio is not clipped; the trailing wait is.
func (m *Machine) publish(text string) (bool, error) {
	src, synth := m.deps.Source, m.deps.Synthesizer
	if src == nil || synth == nil {
		return false, errNoSource
	}

	ctx := context.WithoutCancel(m.ctx)
	inRate, outRate := synth.SampleRate(), src.SampleRate()
	chunkBytes := audio.FrameBytes(m.cfg.PublishChunk, outRate)
	start := time.Now()

	var (
		total  int
		carry  []byte
		pubErr error
	)
	emit := func(chunk []byte) error {
		if err := src.CaptureFrame(ctx, chunk); err != nil {
			return err
		}
		total += len(chunk)
		m.pace(start, total, outRate)
		return nil
	}

	for pcm, err := range synth.SynthesizeStream(ctx, text) {
		if err != nil {
			pubErr = err
			break
		}
		carry = append(carry, audio.Resample(pcm, inRate, outRate)...)
		for len(carry) >= chunkBytes {
			if err := emit(carry[:chunkBytes]); err != nil {
				pubErr = err
				break
			}
			carry = carry[chunkBytes:]
		}
		if pubErr != nil {
			break
		}
	}
	if pubErr == nil && len(carry) > 0 {
		// Pad the tail with silence to a whole chunk.
		last := make([]byte, chunkBytes)
		copy(last, carry)
		pubErr = emit(last)
	}

	if total == 0 {
		if pubErr == nil {
			pubErr = errNoAudio
		}
		return false, pubErr
	}
	if pubErr != nil {
		m.logger.Warn("Playback ended early", "error", pubErr, "published", audio.DurationOf(total, outRate))
	}

	remaining := audio.DurationOf(total, outRate) - time.Since(start) + m.cfg.PlaybackJitter
	if remaining > 0 {
		t := time.NewTimer(remaining)
		select {
		case <-t.C:
		case <-m.ctx.Done():
			t.Stop()
		}
	}
	return true, nil
}

// pace keeps publishing at most PublishLead ahead of real time.
func (m *Machine) pace(start time.Time, published, rate int) {
	ahead := audio.DurationOf(published, rate) - time.Since(start)
	if ahead > m.cfg.PublishLead {
		time.Sleep(ahead - m.cfg.PublishLead)
	}
}
