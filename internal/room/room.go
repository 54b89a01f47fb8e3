// Package room implements per-session audio rooms that participants join over websocket.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/voice-relay/internal/audio"
)

// ErrClosed is returned when publishing to a closed room.
var ErrClosed = errors.New("room closed")

// Frame is one fixed-duration chunk of inbound participant audio.
type Frame struct {
	Participant string
	PCM         []byte
	SampleRate  int
}

// StreamHandler receives the frame stream of a newly joined participant.
// The channel is closed when the participant leaves or is replaced.
type StreamHandler func(participant string, frames <-chan Frame)

// AudioSource publishes outbound audio into a room.
type AudioSource interface {
	CaptureFrame(ctx context.Context, pcm []byte) error
	SampleRate() int
}

// Config holds audio framing for all rooms on a hub.
type Config struct {
	InputSampleRate  int
	OutputSampleRate int
	FrameDuration    time.Duration
	// OutboundQueue is the number of chunks buffered per participant before dropping the oldest.
	OutboundQueue int
	// InboundQueue is the number of frames buffered per participant before dropping new ones.
	InboundQueue int
}

// DefaultConfig returns 48 kHz in and out with 30 ms inbound frames.
func DefaultConfig() Config {
	return Config{
		InputSampleRate:  48000,
		OutputSampleRate: 48000,
		FrameDuration:    30 * time.Millisecond,
		OutboundQueue:    1000,
		InboundQueue:     256,
	}
}

// Hub owns all rooms.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub creates an empty hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = def.InputSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = def.OutputSampleRate
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = def.OutboundQueue
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = def.InboundQueue
	}
	return &Hub{cfg: cfg, logger: logger, rooms: make(map[string]*Room)}
}

// Open returns the named room, creating it if needed, and sets its stream handler.
func (h *Hub) Open(name string, onStream StreamHandler) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[name]; ok {
		r.mu.Lock()
		r.onStream = onStream
		r.mu.Unlock()
		return r
	}
	r := &Room{
		name:         name,
		cfg:          h.cfg,
		logger:       h.logger.With("room", name),
		onStream:     onStream,
		participants: make(map[string]*participant),
	}
	h.rooms[name] = r
	h.logger.Info("Room opened", "room", name)
	return r
}

// Get returns the named room if it is open.
func (h *Hub) Get(name string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	return r, ok
}

// Close closes the named room and disconnects its participants.
func (h *Hub) Close(name string) {
	h.mu.Lock()
	r, ok := h.rooms[name]
	delete(h.rooms, name)
	h.mu.Unlock()

	if ok {
		r.close()
		h.logger.Info("Room closed", "room", name)
	}
}

// CloseAll closes every room.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.close()
	}
}

// Room is one logical audio channel.
type Room struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	onStream     StreamHandler
	participants map[string]*participant
	closed       bool
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// Source returns the room's outbound audio source.
func (r *Room) Source() AudioSource { return roomSource{r} }

// Participants returns the identities currently in the room.
func (r *Room) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// join adds p, replacing any participant with the same identity, and hands its
// stream to the room's handler.
func (r *Room) join(p *participant) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	old := r.participants[p.id]
	r.participants[p.id] = p
	onStream := r.onStream
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("Participant replaced", "participant", p.id)
		old.stop("replaced")
	}
	if onStream != nil {
		onStream(p.id, p.frames)
	}
	r.logger.Info("Participant joined", "participant", p.id)
	return nil
}

// leave removes p if it is still the current participant for its identity.
func (r *Room) leave(p *participant) {
	r.mu.Lock()
	if cur, ok := r.participants[p.id]; ok && cur == p {
		delete(r.participants, p.id)
	}
	r.mu.Unlock()
	r.logger.Info("Participant left", "participant", p.id)
}

func (r *Room) close() {
	r.mu.Lock()
	r.closed = true
	ps := r.participants
	r.participants = make(map[string]*participant)
	r.mu.Unlock()

	for _, p := range ps {
		p.stop("room closed")
	}
}

func (r *Room) broadcast(pcm []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	ps := make([]*participant, 0, len(r.participants))
	for _, p := range r.participants {
		ps = append(ps, p)
	}
	r.mu.Unlock()

	for _, p := range ps {
		p.enqueue(pcm)
	}
	return nil
}

type roomSource struct{ r *Room }

// CaptureFrame queues pcm (at the output sample rate) for every participant.
func (s roomSource) CaptureFrame(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := make([]byte, len(pcm))
	copy(data, pcm)
	return s.r.broadcast(data)
}

func (s roomSource) SampleRate() int { return s.r.cfg.OutputSampleRate }

// framer cuts an arbitrary byte stream into frames of exactly size bytes.
type framer struct {
	size int
	buf  []byte
}

func newFramer(cfg Config) *framer {
	return &framer{size: audio.FrameBytes(cfg.FrameDuration, cfg.InputSampleRate)}
}

func (f *framer) push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}
