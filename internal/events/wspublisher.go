package events

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write an event to the peer
	writeWait = 10 * time.Second

	// Send pings with this period to detect dead peers
	pingPeriod = 30 * time.Second
)

// WSPublisher forwards bus events to attached WebSocket connections.
// It owns no HTTP server; callers hand it already-upgraded
// connections.
type WSPublisher struct {
	bus    *Bus
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan Event
	done  chan struct{}
	once  sync.Once
}

// NewWSPublisher subscribes to the bus and starts the fan-out loop.
func NewWSPublisher(bus *Bus, logger zerolog.Logger) *WSPublisher {
	p := &WSPublisher{
		bus:    bus,
		logger: logger.With().Str("component", "ws-publisher").Logger(),
		conns:  make(map[*websocket.Conn]chan Event),
		done:   make(chan struct{}),
	}
	ch, cancel := bus.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				p.broadcast(ev)
			case <-p.done:
				return
			}
		}
	}()
	return p
}

// Attach adds a connection and starts its write pump. The publisher
// closes the connection when the peer stops responding or the
// publisher shuts down.
func (p *WSPublisher) Attach(conn *websocket.Conn) {
	send := make(chan Event, 256)

	p.mu.Lock()
	p.conns[conn] = send
	p.mu.Unlock()

	go p.writePump(conn, send)
}

// Close detaches every connection and stops the fan-out loop.
func (p *WSPublisher) Close() {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		for conn, send := range p.conns {
			close(send)
			delete(p.conns, conn)
		}
		p.mu.Unlock()
	})
}

func (p *WSPublisher) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn, send := range p.conns {
		select {
		case send <- ev:
		default:
			p.logger.Warn().Str("remote", conn.RemoteAddr().String()).
				Msg("subscriber buffer full, detaching")
			close(send)
			delete(p.conns, conn)
		}
	}
}

func (p *WSPublisher) detach(conn *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if send, ok := p.conns[conn]; ok {
		close(send)
		delete(p.conns, conn)
	}
}

func (p *WSPublisher) writePump(conn *websocket.Conn, send chan Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.detach(conn)
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				p.logger.Debug().Err(err).Msg("event write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
