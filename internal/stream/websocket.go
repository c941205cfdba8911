package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/tenant"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// command is what a client sends over the socket.
type command struct {
	Action   string   `json:"action"`
	Accounts []string `json:"accounts"`
}

type ack struct {
	Type     string   `json:"type"`
	Action   string   `json:"action"`
	Accounts []string `json:"accounts"`
	Error    string   `json:"error,omitempty"`
}

// Observer is notified as connections come and go.
type Observer interface {
	StreamSubscriberDelta(d float64)
}

// Server upgrades HTTP requests and bridges connections into the hub. The
// request must already carry a tenant scope; subscriptions are confined to
// that tenant.
type Server struct {
	hub      *Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// Observer may be set before the server starts accepting connections.
	Observer Observer
}

func NewServer(hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:    hub,
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope, err := tenant.Require(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		ws:       ws,
		scope:    scope,
		hub:      s.hub,
		logger:   s.logger,
		observer: s.Observer,
		sendCh:   make(chan []byte, sendBuffer),
		cancel:   cancel,
		subs:     make(map[subKey]struct{}),
	}
	if c.observer != nil {
		c.observer.StreamSubscriberDelta(1)
	}
	go c.writePump(ctx)
	c.readPump(ctx)
}

// conn is one websocket client. Implements subscriber.
type conn struct {
	ws       *websocket.Conn
	scope    tenant.Scope
	hub      *Hub
	logger   *zap.Logger
	observer Observer
	sendCh   chan []byte
	cancel   context.CancelFunc

	mu        sync.Mutex
	subs      map[subKey]struct{}
	closeOnce sync.Once
}

func (c *conn) send(msg []byte) bool {
	select {
	case c.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		keys := make([]subKey, 0, len(c.subs))
		for k := range c.subs {
			keys = append(keys, k)
		}
		c.subs = nil
		c.mu.Unlock()

		c.hub.dropAll(c, keys)
		c.cancel()
		_ = c.ws.Close()
		if c.observer != nil {
			c.observer.StreamSubscriberDelta(-1)
		}
	})
}

func (c *conn) readPump(ctx context.Context) {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.reply(ack{Type: "ack", Action: "error", Error: "invalid command"})
			continue
		}
		c.handle(cmd)
	}
}

func (c *conn) handle(cmd command) {
	switch cmd.Action {
	case "subscribe", "unsubscribe":
	default:
		c.reply(ack{Type: "ack", Action: cmd.Action, Error: "unknown action"})
		return
	}

	var accepted []string
	for _, raw := range cmd.Accounts {
		account, err := money.ParseAccountID(raw)
		if err != nil {
			continue
		}
		k := subKey{tenant: c.scope.Tenant, account: account}
		c.mu.Lock()
		closed := c.subs == nil
		if !closed {
			if cmd.Action == "subscribe" {
				c.subs[k] = struct{}{}
			} else {
				delete(c.subs, k)
			}
		}
		c.mu.Unlock()
		if closed {
			return
		}
		if cmd.Action == "subscribe" {
			c.hub.subscribe(c.scope.Tenant, account, c)
		} else {
			c.hub.unsubscribe(c.scope.Tenant, account, c)
		}
		accepted = append(accepted, string(account))
	}
	c.reply(ack{Type: "ack", Action: cmd.Action, Accounts: accepted})
}

func (c *conn) reply(a ack) {
	msg, err := json.Marshal(a)
	if err != nil {
		return
	}
	if !c.send(msg) {
		c.close()
	}
}

func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
