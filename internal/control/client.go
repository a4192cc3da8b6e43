package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peerdrive/peerdrive/internal/common"
	"github.com/peerdrive/peerdrive/internal/logging"
)

// helloTimeout bounds the initial hello/welcome exchange.
const helloTimeout = 10 * time.Second

// signalBuffer is how many undelivered relayed signals a client holds before
// dropping new ones.
const signalBuffer = 64

// Signal is a relayed offer/answer/ice message from another peer.
type Signal struct {
	Kind    string
	From    string
	Payload json.RawMessage
}

// Client is one endpoint's connection to the matchmaking control channel.
// All methods are safe for concurrent use.
type Client struct {
	log    logging.Logger
	conn   *websocket.Conn
	peerID string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Message

	signals chan Signal

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the hub at url (e.g. "ws://host:8000/ws"), announces
// itself and waits for the assigned peer address.
func Dial(ctx context.Context, url string, log logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.NewNop()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}

	c := &Client{
		log:     log,
		conn:    conn,
		pending: make(map[string]chan Message),
		signals: make(chan Signal, signalBuffer),
		closed:  make(chan struct{}),
	}

	if err := c.send(NewMessage(TypeHello, "", Hello{})); err != nil {
		conn.Close()
		return nil, err
	}

	// The welcome is read synchronously before the read loop starts so the
	// caller gets its peer address or an error, never a half-open client.
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var welcome Message
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if welcome.Type != TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected %s, got %s", TypeWelcome, welcome.Type)
	}
	var w Welcome
	if err := json.Unmarshal(welcome.Payload, &w); err != nil || w.PeerID == "" {
		conn.Close()
		return nil, errors.New("welcome without peer id")
	}
	c.peerID = w.PeerID

	go c.readLoop()
	return c, nil
}

// PeerID returns the address the hub assigned to this connection.
func (c *Client) PeerID() string { return c.peerID }

// Signals delivers relayed offer/answer/ice messages from other peers.
// The channel is closed when the connection goes away.
func (c *Client) Signals() <-chan Signal { return c.signals }

// Closed is signaled when the control connection is gone.
func (c *Client) Closed() <-chan struct{} { return c.closed }

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// RegisterHost registers this connection as the private host for the user the
// token identifies. Fire-and-forget: an invalid token is logged server-side
// and produces no reply.
func (c *Client) RegisterHost(token string) error {
	return c.send(NewMessage(TypeRegisterHost, "", RegisterHost{Token: token}))
}

// RegisterWebPreview registers this connection as the public host for a
// project id. A later registration for the same id silently takes over.
func (c *Client) RegisterWebPreview(projectID string) error {
	return c.send(NewMessage(TypeRegisterWebPreview, "", RegisterWebPreview{ProjectID: projectID}))
}

// Heartbeat refreshes the liveness of every key this connection registered.
func (c *Client) Heartbeat() error {
	return c.send(NewMessage(TypeHeartbeat, "", nil))
}

// FindMyHost resolves the caller's own host peer address.
func (c *Client) FindMyHost(ctx context.Context, token string) (string, error) {
	return c.find(ctx, NewMessage(TypeFindMyHost, uuid.NewString(), FindMyHost{Token: token}))
}

// FindWebPreviewHost resolves the host peer address serving a public project.
func (c *Client) FindWebPreviewHost(ctx context.Context, projectID string) (string, error) {
	return c.find(ctx, NewMessage(TypeFindWebPreviewHost, uuid.NewString(), FindWebPreviewHost{ProjectID: projectID}))
}

// SendSignal relays an offer/answer/ice payload to another peer.
func (c *Client) SendSignal(kind, to string, payload json.RawMessage) error {
	return c.send(Message{Type: kind, To: to, Payload: payload})
}

func (c *Client) find(ctx context.Context, req Message) (string, error) {
	reply, err := c.request(ctx, req)
	if err != nil {
		return "", err
	}

	switch reply.Type {
	case TypeHostFound:
		var found HostFound
		if err := json.Unmarshal(reply.Payload, &found); err != nil {
			return "", fmt.Errorf("bad %s payload: %w", TypeHostFound, err)
		}
		return found.HostPeerID, nil
	case TypeError:
		var ep ErrorPayload
		_ = json.Unmarshal(reply.Payload, &ep)
		switch ep.Code {
		case CodeNotFound:
			return "", fmt.Errorf("%w: %s", common.ErrNotFound, ep.Message)
		case CodeUnauthorized:
			return "", fmt.Errorf("%w: %s", common.ErrInvalidToken, ep.Message)
		default:
			return "", fmt.Errorf("control channel error: %s", ep.Message)
		}
	default:
		return "", fmt.Errorf("unexpected reply type %s", reply.Type)
	}
}

func (c *Client) request(ctx context.Context, req Message) (Message, error) {
	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.closed:
		return Message{}, errors.New("control connection closed")
	}
}

func (c *Client) send(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return errors.New("control connection closed")
	default:
	}
	return c.conn.WriteJSON(m)
}

func (c *Client) readLoop() {
	ctx := context.Background()
	defer func() {
		c.Close()
		close(c.signals)
	}()

	for {
		var m Message
		if err := c.conn.ReadJSON(&m); err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn(ctx, "control channel read failed", "error", err)
			}
			return
		}

		if m.IsSignal() {
			select {
			case c.signals <- Signal{Kind: m.Type, From: m.From, Payload: m.Payload}:
			default:
				c.log.Warn(ctx, "signal buffer full, dropping", "kind", m.Type, "from", m.From)
			}
			continue
		}

		if m.ID != "" {
			c.pendingMu.Lock()
			ch, ok := c.pending[m.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- m
				continue
			}
		}

		c.log.Debug(ctx, "unmatched control message", "type", m.Type, "id", m.ID)
	}
}
