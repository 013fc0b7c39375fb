// Package wsbridge exposes an in-process Wire to a remote browser UI over
// a websocket. The Wire itself stays in-process (spec.md §9): this
// package is purely a transport adapter, JSON-framing each wire.Message
// onto the socket in one direction and decoding UserInput/
// ApprovalResponse frames in the other.
package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenwick-ai/soul/internal/wire"
)

const (
	maxPayloadBytes = 1 << 20
	pingInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
)

// Handler upgrades HTTP connections to websockets and bridges each one to
// a Wire's UISide.
type Handler struct {
	wire     *wire.Wire
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a bridge for w. If logger is nil, slog.Default() is used.
func NewHandler(w *wire.Wire, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		wire:   w,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and blocks until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("wsbridge: upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	session := &session{
		conn:   conn,
		ui:     h.wire.UISide(),
		logger: h.logger,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan wire.Message, 64),
	}
	session.run()
}

type session struct {
	conn   *websocket.Conn
	ui     wire.UISide
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	send   chan wire.Message
}

func (s *session) run() {
	defer s.close()
	go s.pumpFromWire()
	go s.writeLoop()
	s.readLoop()
}

func (s *session) close() {
	s.cancel()
	_ = s.conn.Close()
}

// pumpFromWire relays everything the Soul sends over the Wire onto the
// socket, until the connection's context is cancelled.
func (s *session) pumpFromWire() {
	for {
		msg, err := s.ui.Receive(s.ctx)
		if err != nil {
			return
		}
		select {
		case s.send <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-s.send:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("wsbridge: marshal failed", "error", err)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readLoop decodes inbound frames as wire.Message and forwards UserInput/
// ApprovalResponse control messages back to the Soul.
func (s *session) readLoop() {
	s.conn.SetReadLimit(maxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("wsbridge: dropping malformed frame", "error", err)
			continue
		}
		switch msg.Kind {
		case wire.KindUserInput, wire.KindApprovalResponse:
			s.ui.SendControl(msg)
		default:
			s.logger.Warn("wsbridge: dropping unexpected control frame", "kind", msg.Kind)
		}
	}
}
