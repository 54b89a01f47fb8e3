package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// participant is one websocket peer in a room.
// Outbound audio is queued and written by a dedicated goroutine so a slow peer
// never blocks publishing; when the queue is full the oldest chunk is dropped.
type participant struct {
	id     string
	conn   *websocket.Conn
	frames chan Frame
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once
}

func newParticipant(ctx context.Context, id string, conn *websocket.Conn, cfg Config, logger *slog.Logger) *participant {
	ctx, cancel := context.WithCancel(ctx)
	return &participant{
		id:     id,
		conn:   conn,
		frames: make(chan Frame, cfg.InboundQueue),
		out:    make(chan []byte, cfg.OutboundQueue),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("participant", id),
	}
}

// enqueue queues an outbound chunk without blocking.
func (p *participant) enqueue(data []byte) {
	select {
	case <-p.ctx.Done():
		return
	case p.out <- data:
		return
	default:
	}

	select {
	case <-p.out:
		p.logger.Debug("Outbound queue full, dropped oldest chunk")
	default:
	}
	select {
	case p.out <- data:
	default:
		p.logger.Warn("Failed to queue outbound audio after dropping oldest")
	}
}

// deliver hands an inbound frame to the stream consumer, dropping it when the consumer lags.
func (p *participant) deliver(f Frame) {
	select {
	case p.frames <- f:
	default:
		p.logger.Debug("Inbound queue full, dropping frame")
	}
}

// stop ends the participant's loops and closes its websocket.
func (p *participant) stop(reason string) {
	p.closeOnce.Do(func() {
		p.cancel()
		if p.conn != nil {
			_ = p.conn.Close(websocket.StatusNormalClosure, reason)
		}
	})
}

func (p *participant) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case data := <-p.out:
			if err := p.conn.Write(p.ctx, websocket.MessageBinary, data); err != nil {
				if p.ctx.Err() == nil {
					p.logger.Debug("Participant write error", "error", err)
				}
				p.cancel()
				return
			}
		}
	}
}
