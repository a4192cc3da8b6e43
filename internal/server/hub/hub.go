// Package hub serves the matchmaking control channel: one websocket endpoint
// on which endpoints announce themselves, register and look up hosts, and
// exchange peer-session signaling that the server relays without inspection.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peerdrive/peerdrive/internal/control"
	"github.com/peerdrive/peerdrive/internal/logging"
	"github.com/peerdrive/peerdrive/internal/protocol"
	"github.com/peerdrive/peerdrive/internal/server/auth"
	"github.com/peerdrive/peerdrive/internal/server/registry"
)

// Hub owns the live control connections, keyed by peer address.
type Hub struct {
	log      logging.Logger
	reg      *registry.Registry
	secret   []byte
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	ws     *websocket.Conn
	peerID string

	writeMu sync.Mutex
}

func (c *conn) send(m control.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(m)
}

func New(log logging.Logger, reg *registry.Registry, secret []byte, metrics *Metrics) *Hub {
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		log:     log.With("module", "hub"),
		reg:     reg,
		secret:  secret,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			// The data plane never touches the server; cross-origin browsers
			// talking to the matchmaker is the normal case.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	ctx := context.Background()
	c, err := h.handshake(ctx, ws)
	if err != nil {
		h.log.Warn(ctx, "control handshake failed", "error", err)
		ws.Close()
		return
	}

	if h.metrics != nil {
		h.metrics.connections.Inc()
	}
	h.log.Info(ctx, "peer connected", "peer", c.peerID)

	h.readLoop(ctx, c)

	h.mu.Lock()
	if h.conns[c.peerID] == c {
		delete(h.conns, c.peerID)
	}
	h.mu.Unlock()

	dropped := h.reg.DropOwner(c.peerID)
	if h.metrics != nil {
		h.metrics.connections.Dec()
	}
	h.log.Info(ctx, "peer disconnected", "peer", c.peerID, "registrations_dropped", dropped)
	ws.Close()
}

// handshake reads the hello, assigns a peer address and replies with welcome.
func (h *Hub) handshake(ctx context.Context, ws *websocket.Conn) (*conn, error) {
	var m control.Message
	if err := ws.ReadJSON(&m); err != nil {
		return nil, err
	}
	if m.Type != control.TypeHello {
		return nil, errors.New("first message must be hello")
	}

	var hello control.Hello
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &hello)
	}

	peerID := hello.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}

	c := &conn{ws: ws, peerID: peerID}

	h.mu.Lock()
	// A reconnecting peer silently replaces its previous connection.
	if old, ok := h.conns[peerID]; ok {
		old.ws.Close()
	}
	h.conns[peerID] = c
	h.mu.Unlock()

	if err := c.send(control.NewMessage(control.TypeWelcome, m.ID, control.Welcome{PeerID: peerID})); err != nil {
		return nil, err
	}
	return c, nil
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		var m control.Message
		if err := c.ws.ReadJSON(&m); err != nil {
			return
		}
		h.handle(ctx, c, m)
	}
}

func (h *Hub) handle(ctx context.Context, c *conn, m control.Message) {
	if m.IsSignal() {
		h.relay(ctx, c, m)
		return
	}

	switch m.Type {
	case control.TypeRegisterHost:
		h.registerHost(ctx, c, m)
	case control.TypeFindMyHost:
		h.findMyHost(ctx, c, m)
	case control.TypeRegisterWebPreview:
		h.registerWebPreview(ctx, c, m)
	case control.TypeFindWebPreviewHost:
		h.findWebPreviewHost(ctx, c, m)
	case control.TypeHeartbeat:
		h.reg.Touch(c.peerID)
	default:
		h.log.Debug(ctx, "unknown control message", "type", m.Type, "peer", c.peerID)
	}
}

// registerHost is fire-and-forget: a bad token is logged and produces no
// reply, so probing the endpoint reveals nothing.
func (h *Hub) registerHost(ctx context.Context, c *conn, m control.Message) {
	var req control.RegisterHost
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		h.log.Warn(ctx, "bad register-host payload", "peer", c.peerID)
		return
	}

	userID, err := auth.UserIDFromToken(req.Token, h.secret)
	if err != nil {
		if h.metrics != nil {
			h.metrics.authFailures.Inc()
		}
		h.log.Warn(ctx, "invalid token during host registration", "peer", c.peerID)
		return
	}

	h.reg.RegisterHost(userID, c.peerID, c.peerID)
	if h.metrics != nil {
		h.metrics.registrations.WithLabelValues("host").Inc()
	}
}

func (h *Hub) findMyHost(ctx context.Context, c *conn, m control.Message) {
	var req control.FindMyHost
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		h.replyError(c, m.ID, control.CodeBadRequest, "bad payload")
		return
	}

	userID, err := auth.UserIDFromToken(req.Token, h.secret)
	if err != nil {
		if h.metrics != nil {
			h.metrics.authFailures.Inc()
			h.metrics.lookups.WithLabelValues("host", "unauthorized").Inc()
		}
		h.replyError(c, m.ID, control.CodeUnauthorized, "invalid authentication token")
		return
	}

	peer, err := h.reg.FindHost(userID)
	if err != nil {
		if h.metrics != nil {
			h.metrics.lookups.WithLabelValues("host", "miss").Inc()
		}
		h.replyError(c, m.ID, control.CodeNotFound, "your host is not online")
		return
	}

	if h.metrics != nil {
		h.metrics.lookups.WithLabelValues("host", "hit").Inc()
	}
	_ = c.send(control.NewMessage(control.TypeHostFound, m.ID, control.HostFound{HostPeerID: peer}))
}

func (h *Hub) registerWebPreview(ctx context.Context, c *conn, m control.Message) {
	var req control.RegisterWebPreview
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		h.log.Warn(ctx, "bad register-webreview payload", "peer", c.peerID)
		return
	}

	if err := h.reg.RegisterPreview(req.ProjectID, c.peerID, c.peerID); err != nil {
		h.log.Warn(ctx, "web preview registration rejected", "peer", c.peerID, "error", err)
		if m.ID != "" {
			h.replyError(c, m.ID, control.CodeBadRequest, err.Error())
		}
		return
	}
	if h.metrics != nil {
		h.metrics.registrations.WithLabelValues("preview").Inc()
	}
}

func (h *Hub) findWebPreviewHost(ctx context.Context, c *conn, m control.Message) {
	var req control.FindWebPreviewHost
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		h.replyError(c, m.ID, control.CodeBadRequest, "bad payload")
		return
	}

	if err := protocol.ValidateProjectID(req.ProjectID); err != nil {
		h.replyError(c, m.ID, control.CodeBadRequest, "invalid project id")
		return
	}

	peer, err := h.reg.FindPreview(req.ProjectID)
	if err != nil {
		if h.metrics != nil {
			h.metrics.lookups.WithLabelValues("preview", "miss").Inc()
		}
		h.replyError(c, m.ID, control.CodeNotFound, "the requested project preview is not online")
		return
	}

	if h.metrics != nil {
		h.metrics.lookups.WithLabelValues("preview", "hit").Inc()
	}
	_ = c.send(control.NewMessage(control.TypeHostFound, m.ID, control.HostFound{HostPeerID: peer}))
}

// relay forwards a signaling message verbatim, stamping only the sender.
func (h *Hub) relay(ctx context.Context, c *conn, m control.Message) {
	h.mu.Lock()
	target, ok := h.conns[m.To]
	h.mu.Unlock()

	if !ok {
		h.replyError(c, m.ID, control.CodePeerUnknown, "peer is not connected")
		return
	}

	out := control.Message{Type: m.Type, ID: m.ID, From: c.peerID, Payload: m.Payload}
	if err := target.send(out); err != nil {
		h.log.Warn(ctx, "signal relay failed", "kind", m.Type, "to", m.To, "error", err)
		return
	}
	if h.metrics != nil {
		h.metrics.signals.WithLabelValues(m.Type).Inc()
	}
}

func (h *Hub) replyError(c *conn, id, code, msg string) {
	err := c.send(control.NewMessage(control.TypeError, id, control.ErrorPayload{Code: code, Message: msg}))
	if err != nil {
		h.log.Warn(context.Background(), "error reply failed", "peer", c.peerID, "error", err)
	}
}
