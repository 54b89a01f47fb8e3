package conversation

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/voice-relay/internal/audio"
	"github.com/ashureev/voice-relay/internal/domain"
	"github.com/ashureev/voice-relay/internal/protocol"
	"github.com/ashureev/voice-relay/internal/room"
	"github.com/ashureev/voice-relay/internal/vad"
)

const testRate = 16000

type recorder struct {
	mu     sync.Mutex
	events []protocol.Outbound
	ch     chan protocol.Outbound
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan protocol.Outbound, 1024)}
}

func (r *recorder) Notify(_ string, ev protocol.Outbound) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) snapshot() []protocol.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) waitFor(t *testing.T, what string, match func(protocol.Outbound) bool) protocol.Outbound {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; events: %+v", what, r.snapshot())
			return nil
		}
	}
}

func (r *recorder) waitStatus(t *testing.T, state domain.Status, activity string) {
	t.Helper()
	r.waitFor(t, state.String()+" "+activity, func(ev protocol.Outbound) bool {
		s, ok := ev.(protocol.Status)
		return ok && s.State == state.String() && s.Activity == activity
	})
}

type fakeForwarder struct {
	mu   sync.Mutex
	msgs []protocol.VoiceMessage
	err  error
}

func (f *fakeForwarder) Send(_ context.Context, _ string, msg protocol.VoiceMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeForwarder) sent() []protocol.VoiceMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.msgs)
}

type fakeTranscriber struct {
	mu      sync.Mutex
	text    string
	err     error
	calls   int
	formats []string
	clips   [][]byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, clip []byte, format string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.formats = append(f.formats, format)
	f.clips = append(f.clips, clip)
	return f.text, f.err
}

func (f *fakeTranscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynth struct {
	pcm   []byte
	err   error
	gate  chan struct{}
	delay time.Duration

	mu        sync.Mutex
	calls     []string
	active    int
	maxActive int
}

func (s *fakeSynth) SampleRate() int { return testRate }

func (s *fakeSynth) SynthesizeStream(_ context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		s.mu.Lock()
		s.calls = append(s.calls, text)
		s.active++
		s.maxActive = max(s.maxActive, s.active)
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}()

		if s.gate != nil {
			<-s.gate
		}
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		if s.err != nil {
			yield(nil, s.err)
			return
		}
		yield(s.pcm, nil)
	}
}

func (s *fakeSynth) stats() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls), s.maxActive
}

type fakeSource struct {
	mu     sync.Mutex
	frames int
}

func (s *fakeSource) CaptureFrame(_ context.Context, _ []byte) error {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) SampleRate() int { return testRate }

// tickingClock advances one millisecond per reading.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type harness struct {
	m     *Machine
	rec   *recorder
	fwd   *fakeForwarder
	stt   *fakeTranscriber
	synth *fakeSynth
	src   *fakeSource
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timings = Timings{ThinkingTimeout: time.Hour, ErrorRecovery: time.Hour}
	cfg.VAD = vad.Config{
		FrameDuration:  30 * time.Millisecond,
		SilenceTimeout: 90 * time.Millisecond,
		MinSpeech:      60 * time.Millisecond,
		MaxRecording:   10 * time.Second,
	}
	cfg.STTSampleRate = testRate
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		rec:   newRecorder(),
		fwd:   &fakeForwarder{},
		stt:   &fakeTranscriber{text: "hello there"},
		synth: &fakeSynth{pcm: make([]byte, audio.FrameBytes(20*time.Millisecond, testRate))},
		src:   &fakeSource{},
	}
	clock := &tickingClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.m = newMachine("abc123", cfg, Deps{
		Forwarder:     h.fwd,
		Notifier:      h.rec,
		Transcriber:   h.stt,
		Synthesizer:   h.synth,
		Source:        h.src,
		NewClassifier: func() vad.Classifier { return vad.EnergyClassifier{Threshold: 100} },
	}, clock.now)
	t.Cleanup(h.m.Close)
	return h
}

func frame(amplitude int16) room.Frame {
	samples := make([]int16, testRate*30/1000)
	for i := range samples {
		samples[i] = amplitude
	}
	return room.Frame{Participant: "phone", PCM: audio.Bytes(samples), SampleRate: testRate}
}

// speak sends enough frames to complete one utterance under testConfig.
func speak(frames chan<- room.Frame) {
	for range 3 {
		frames <- frame(1000)
	}
	for range 3 {
		frames <- frame(0)
	}
}

func TestUtteranceForwarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	frames := make(chan room.Frame, 16)
	h.m.AttachStream("phone", frames)
	speak(frames)

	h.rec.waitStatus(t, domain.StatusThinking, domain.ActivityTranscribing)
	h.rec.waitStatus(t, domain.StatusThinking, domain.ActivityWaiting)

	sent := h.fwd.sent()
	if len(sent) != 1 {
		t.Fatalf("forwarded %d messages, want 1", len(sent))
	}
	if sent[0].Text != "hello there" || sent[0].Caller != "phone" {
		t.Errorf("forwarded %+v", sent[0])
	}
	if h.stt.formats[0] != "wav" || string(h.stt.clips[0][:4]) != "RIFF" {
		t.Errorf("transcriber got format %q and clip header %q", h.stt.formats[0], h.stt.clips[0][:4])
	}

	var sawUser bool
	for _, ev := range h.rec.snapshot() {
		if tr, ok := ev.(protocol.Transcript); ok && tr.Speaker == domain.SpeakerUser && tr.Text == "hello there" {
			sawUser = true
		}
	}
	if !sawUser {
		t.Error("user transcript was not broadcast")
	}
}

func TestNoiseOnlyTranscriptSendsHint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.stt.text = "[Music]"

	frames := make(chan room.Frame, 16)
	h.m.AttachStream("phone", frames)
	speak(frames)

	ev := h.rec.waitFor(t, "hint", func(ev protocol.Outbound) bool { return ev.Kind() == protocol.KindHint })
	if hint := ev.(protocol.Hint); !hint.SuggestDisableAutoListen || hint.Reason != HintNoiseOnly {
		t.Errorf("hint = %+v", hint)
	}
	h.rec.waitStatus(t, domain.StatusIdle, "")
	if n := len(h.fwd.sent()); n != 0 {
		t.Errorf("forwarded %d messages for noise", n)
	}
}

func TestSpokenCommandEmitsControl(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.stt.text = "Stop listening."

	frames := make(chan room.Frame, 16)
	h.m.AttachStream("phone", frames)
	speak(frames)

	ev := h.rec.waitFor(t, "control", func(ev protocol.Outbound) bool { return ev.Kind() == protocol.KindControl })
	if c := ev.(protocol.Control); c.Action != "stop_listening" {
		t.Errorf("control action = %q", c.Action)
	}
	h.rec.waitStatus(t, domain.StatusIdle, "")
	if n := len(h.fwd.sent()); n != 0 {
		t.Errorf("forwarded %d messages for a command", n)
	}
}

func TestTranscriptionFailureRecovers(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ErrorRecovery = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.stt.err = errors.New("connection refused")

	frames := make(chan room.Frame, 16)
	h.m.AttachStream("phone", frames)
	speak(frames)

	h.rec.waitStatus(t, domain.StatusError, CauseTranscription)
	h.rec.waitStatus(t, domain.StatusIdle, "")
}

func TestForwardFailureShowsNotConnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.fwd.err = errors.New("session not found")

	h.m.SubmitText("run the tests", "laptop")
	h.rec.waitStatus(t, domain.StatusError, CauseNotConnected)
}

func TestSubmitTextSkipsFilter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	h.m.SubmitText("  [draft] ok  ", "laptop")
	h.rec.waitStatus(t, domain.StatusThinking, domain.ActivityWaiting)
	if sent := h.fwd.sent(); len(sent) != 1 || sent[0].Text != "[draft] ok" || sent[0].Caller != "laptop" {
		t.Errorf("forwarded %+v", sent)
	}
	if h.stt.count() != 0 {
		t.Error("typed text should not be transcribed")
	}
}

func TestPlaybackSerialization(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.synth.delay = 5 * time.Millisecond

	want := []string{"one", "two", "three", "four", "five"}
	for _, text := range want {
		h.m.Reply(text)
	}
	h.rec.waitStatus(t, domain.StatusThinking, domain.ActivityWaiting)

	calls, maxActive := h.synth.stats()
	if !slices.Equal(calls, want) {
		t.Errorf("playback order = %v, want %v", calls, want)
	}
	if maxActive != 1 {
		t.Errorf("max concurrent playbacks = %d, want 1", maxActive)
	}

	speaking := 0
	for _, ev := range h.rec.snapshot() {
		if s, ok := ev.(protocol.Status); ok && s.State == "speaking" {
			speaking++
		}
	}
	if speaking != len(want) {
		t.Errorf("speaking cycles = %d, want %d", speaking, len(want))
	}
}

func TestPendingListenThenActivityStaysThinking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.synth.gate = make(chan struct{})

	h.m.Reply("working on it")
	h.rec.waitStatus(t, domain.StatusSpeaking, "")

	h.m.Listening()
	h.m.Activity("Running tests")
	// Shown while the reply is still playing.
	h.rec.waitStatus(t, domain.StatusThinking, "Running tests")
	close(h.synth.gate)

	// Settled again once playback ends.
	h.rec.waitStatus(t, domain.StatusThinking, "Running tests")
	for _, ev := range h.rec.snapshot() {
		if s, ok := ev.(protocol.Status); ok && s.State == "idle" {
			t.Fatal("went idle although a newer activity arrived after the listen signal")
		}
	}
}

func TestActivityShownDuringPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.synth.gate = make(chan struct{})

	h.m.Reply("first")
	h.rec.waitStatus(t, domain.StatusSpeaking, "")
	h.m.Activity("Editing files")
	h.rec.waitStatus(t, domain.StatusThinking, "Editing files")

	if calls, _ := h.synth.stats(); len(calls) != 1 {
		t.Fatalf("synth calls = %v, want the first reply still in flight", calls)
	}
	if got := h.m.Snapshot(); got.Status != domain.StatusThinking || got.Activity != "Editing files" {
		t.Errorf("snapshot = %v %q, want thinking %q", got.Status, got.Activity, "Editing files")
	}
	close(h.synth.gate)
}

func TestActivityDuringEarlierItemSurvivesQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.synth.gate = make(chan struct{})

	h.m.Reply("one")
	h.m.Reply("two")
	h.rec.waitStatus(t, domain.StatusSpeaking, "")
	h.m.Activity("Editing files")
	h.rec.waitStatus(t, domain.StatusThinking, "Editing files")
	close(h.synth.gate)

	// The second item plays, then the activity from the first one is restored.
	h.rec.waitStatus(t, domain.StatusSpeaking, "")
	h.rec.waitStatus(t, domain.StatusThinking, "Editing files")
	for _, ev := range h.rec.snapshot() {
		if s, ok := ev.(protocol.Status); ok && s.Activity == domain.ActivityWaiting {
			t.Fatalf("activity replaced by %q after the queue drained", s.Activity)
		}
	}
}

func TestActivityThenPendingListenGoesIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.synth.gate = make(chan struct{})

	h.m.Reply("done")
	h.rec.waitStatus(t, domain.StatusSpeaking, "")
	h.m.Activity("Writing summary")
	h.m.Listening()
	close(h.synth.gate)

	h.rec.waitStatus(t, domain.StatusIdle, "")
}

func TestDeferredIdleAfterPlayback(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ThinkingTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)

	h.m.Reply("hi")
	h.rec.waitStatus(t, domain.StatusThinking, domain.ActivityWaiting)
	h.rec.waitStatus(t, domain.StatusIdle, "")
}

func TestListeningWhileIdleGoesIdleImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	h.m.SubmitText("hello", "laptop")
	h.rec.waitStatus(t, domain.StatusThinking, domain.ActivityWaiting)
	h.m.Listening()
	h.rec.waitStatus(t, domain.StatusIdle, "")

	// No longer waiting for a reply, so speech is picked up again.
	frames := make(chan room.Frame, 16)
	h.m.AttachStream("phone", frames)
	speak(frames)
	h.rec.waitStatus(t, domain.StatusThinking, domain.ActivityTranscribing)
	h.rec.waitStatus(t, domain.StatusThinking, domain.ActivityWaiting)
	if n := h.stt.count(); n != 1 {
		t.Errorf("transcriptions = %d, want 1", n)
	}
}

func TestSynthesisFailureBeforeAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.synth.err = errors.New("kokoro down")

	h.m.Reply("hi")
	h.rec.waitStatus(t, domain.StatusError, CauseSynthesis)
}

func TestEmptySynthesisIsNoAudioError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.synth.pcm = nil

	h.m.Reply("hi")
	h.rec.waitStatus(t, domain.StatusError, CauseNoAudio)
}

func TestAttachStreamReplacesPrior(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	stale := make(chan room.Frame, 16)
	fresh := make(chan room.Frame, 16)
	h.m.AttachStream("phone", stale)
	h.m.AttachStream("phone", fresh)

	speak(stale)
	speak(fresh)
	h.rec.waitStatus(t, domain.StatusThinking, domain.ActivityWaiting)
	time.Sleep(50 * time.Millisecond)

	if n := h.stt.count(); n != 1 {
		t.Errorf("transcriptions = %d, want 1", n)
	}
}

func TestSuppressionWindows(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.EchoCooldown = 800 * time.Millisecond
	cfg.IdleDebounce = 300 * time.Millisecond
	m := &Machine{cfg: cfg}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		setup func(*state)
		want  bool
	}{
		{"idle long ago", func(st *state) { st.idleEnteredAt = now.Add(-time.Second) }, false},
		{"just went idle", func(st *state) { st.idleEnteredAt = now.Add(-100 * time.Millisecond) }, true},
		{"speaking", func(st *state) { st.isSpeaking = true }, true},
		{"waiting for reply", func(st *state) { st.waitingForReply = true }, true},
		{"transcribing", func(st *state) { st.transcribing = true }, true},
		{"echo cooldown", func(st *state) { st.speakingEndedAt = now.Add(-500 * time.Millisecond) }, true},
		{"cooldown over", func(st *state) { st.speakingEndedAt = now.Add(-900 * time.Millisecond) }, false},
	}
	for _, tt := range tests {
		m.st = state{status: domain.StatusIdle}
		tt.setup(&m.st)
		if got := m.suppressed(now); got != tt.want {
			t.Errorf("%s: suppressed = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCloseDropsQueueAndStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.synth.gate = make(chan struct{})

	h.m.Reply("first")
	h.m.Reply("second")
	h.rec.waitStatus(t, domain.StatusSpeaking, "")

	h.m.Close()
	close(h.synth.gate)
	select {
	case <-h.m.Done():
	case <-time.After(time.Second):
		t.Fatal("machine did not stop")
	}

	h.m.Reply("after close")
	time.Sleep(20 * time.Millisecond)
	if calls, _ := h.synth.stats(); len(calls) != 1 {
		t.Errorf("synth calls = %v, want only the in-flight reply", calls)
	}
}
