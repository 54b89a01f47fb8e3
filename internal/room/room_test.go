package room

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

func testConfig() Config {
	return Config{
		InputSampleRate:  16000,
		OutputSampleRate: 16000,
		FrameDuration:    10 * time.Millisecond, // 320 bytes
	}
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(testConfig(), nil)
	r := chi.NewRouter()
	NewHandler(hub, nil, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, room, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/audio/" + room + "?identity=" + id
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func TestFramerExactFrames(t *testing.T) {
	t.Parallel()

	f := newFramer(testConfig())
	if got := f.push(make([]byte, 100)); len(got) != 0 {
		t.Fatalf("got %d frames from partial push", len(got))
	}
	got := f.push(make([]byte, 600))
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	for _, fr := range got {
		if len(fr) != 320 {
			t.Errorf("frame len = %d, want 320", len(fr))
		}
	}
	if len(f.buf) != 60 {
		t.Errorf("remainder = %d, want 60", len(f.buf))
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	t.Parallel()

	_, srv := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/audio/nope"
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("expected dial to unknown room to fail")
	}
}

func TestInboundFramesAndOutboundAudio(t *testing.T) {
	t.Parallel()

	hub, srv := startHub(t)
	streams := make(chan (<-chan Frame), 1)
	rm := hub.Open("vmux_abc123", func(id string, frames <-chan Frame) {
		if id == "phone" {
			streams <- frames
		}
	})

	c := dial(t, srv, "vmux_abc123", "phone")
	var frames <-chan Frame
	select {
	case frames = <-streams:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, make([]byte, 700)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			if len(f.PCM) != 320 || f.Participant != "phone" || f.SampleRate != 16000 {
				t.Fatalf("frame %d = %d bytes from %q at %d", i, len(f.PCM), f.Participant, f.SampleRate)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}

	want := []byte{1, 2, 3, 4}
	if err := rm.Source().CaptureFrame(ctx, want); err != nil {
		t.Fatalf("CaptureFrame: %v", err)
	}
	typ, got, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageBinary || !bytes.Equal(got, want) {
		t.Errorf("got %v %v, want binary %v", typ, got, want)
	}
	if ids := rm.Participants(); len(ids) != 1 || ids[0] != "phone" {
		t.Errorf("Participants = %v", ids)
	}

	hub.Close("vmux_abc123")
	if _, ok := hub.Get("vmux_abc123"); ok {
		t.Error("room still open after Close")
	}
	if err := rm.Source().CaptureFrame(ctx, want); err != ErrClosed {
		t.Errorf("CaptureFrame after close = %v, want ErrClosed", err)
	}
	select {
	case _, ok := <-frames:
		for ok {
			_, ok = <-frames
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame channel not closed after room close")
	}
}

func TestRejoinReplacesParticipant(t *testing.T) {
	t.Parallel()

	hub, srv := startHub(t)
	streams := make(chan (<-chan Frame), 2)
	hub.Open("r1", func(_ string, frames <-chan Frame) { streams <- frames })

	dial(t, srv, "r1", "phone")
	first := <-streams
	dial(t, srv, "r1", "phone")
	<-streams

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-first:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("replaced participant's stream was not closed")
		}
	}
}

func TestOutboundQueueDropsOldest(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OutboundQueue = 2
	cfg.InboundQueue = 1
	p := newParticipant(context.Background(), "x", nil, cfg, NewHub(cfg, nil).logger)
	p.enqueue([]byte{1})
	p.enqueue([]byte{2})
	p.enqueue([]byte{3})
	if got := <-p.out; got[0] != 2 {
		t.Errorf("oldest remaining = %d, want 2", got[0])
	}
	if got := <-p.out; got[0] != 3 {
		t.Errorf("newest = %d, want 3", got[0])
	}
}
