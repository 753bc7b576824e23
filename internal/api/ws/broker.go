// Package ws streams kernel trace events to WebSocket subscribers.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/betrusted-io/xous-hosted/internal/infrastructure/monitoring"
	"github.com/betrusted-io/xous-hosted/internal/syscall"
)

const (
	writeWait       = 10 * time.Second
	subscriberSlack = 64
	brokerBacklog   = 256
)

// Broker fans kernel events out to WebSocket subscribers. It implements
// syscall.Sink; Emit runs under the kernel dispatch lock, so it only
// enqueues and drops on overflow rather than blocking the kernel on a
// slow consumer.
type Broker struct {
	log     *zap.Logger
	metrics *monitoring.Metrics

	upgrader websocket.Upgrader
	events   chan syscall.Event

	mu   sync.Mutex
	subs map[chan []byte]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewBroker creates a broker and starts its fan-out loop.
func NewBroker(log *zap.Logger, metrics *monitoring.Metrics) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broker{
		log:     log.Named("ws"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		events: make(chan syscall.Event, brokerBacklog),
		subs:   make(map[chan []byte]struct{}),
		done:   make(chan struct{}),
	}
	go b.pump()
	return b
}

// Emit implements syscall.Sink.
func (b *Broker) Emit(ev syscall.Event) {
	select {
	case b.events <- ev:
	default:
		// Backlog full; the stream is best-effort.
	}
}

// Close stops the fan-out loop and disconnects subscribers. It is safe
// to call more than once.
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *Broker) pump() {
	for {
		select {
		case <-b.done:
			b.mu.Lock()
			for ch := range b.subs {
				close(ch)
			}
			b.subs = nil
			b.mu.Unlock()
			return
		case ev := <-b.events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			b.mu.Lock()
			for ch := range b.subs {
				select {
				case ch <- data:
				default:
					// Slow subscriber loses events, not the kernel.
				}
			}
			b.mu.Unlock()
		}
	}
}

// Handle upgrades one HTTP request into an event stream subscription.
func (b *Broker) Handle(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	ch := make(chan []byte, subscriberSlack)

	b.mu.Lock()
	if b.subs == nil {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.IncWSConnections()
	}
	b.log.Info("subscriber connected", zap.String("remote", conn.RemoteAddr().String()))

	defer func() {
		b.mu.Lock()
		if b.subs != nil {
			delete(b.subs, ch)
		}
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.DecWSConnections()
		}
		conn.Close()
	}()

	// Reader goroutine exists to observe the close handshake.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if b.metrics != nil {
				b.metrics.RecordWSMessage("out", "event")
			}
		}
	}
}
