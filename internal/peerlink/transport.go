package peerlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerdrive/peerdrive/internal/control"
	"github.com/peerdrive/peerdrive/internal/logging"
)

// acceptTimeout bounds how long an answered connection may take to open
// before its resources are released.
const acceptTimeout = 30 * time.Second

// Config carries transport settings.
type Config struct {
	// STUNServers are ICE server URLs, e.g. "stun:stun.l.google.com:19302".
	STUNServers []string
}

// Incoming is an accepted peer session together with the remote peer address.
type Incoming struct {
	Session Session
	Remote  string
}

// Transport establishes WebRTC data-channel sessions, exchanging offer/answer
// SDP through the matchmaking control channel. Candidates are gathered before
// the SDP is sent (vanilla ICE), so offer and answer are each one message.
type Transport struct {
	ctrl *control.Client
	log  logging.Logger
	cfg  webrtc.Configuration

	mu      sync.Mutex
	answers map[string]chan webrtc.SessionDescription
	peers   map[string]*webrtc.PeerConnection

	incoming chan Incoming

	closeOnce sync.Once
	done      chan struct{}
}

// NewTransport wires a transport to an established control client and starts
// consuming relayed signals.
func NewTransport(ctrl *control.Client, cfg Config, log logging.Logger) *Transport {
	if log == nil {
		log = logging.NewNop()
	}

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}

	t := &Transport{
		ctrl:     ctrl,
		log:      log,
		cfg:      webrtc.Configuration{ICEServers: iceServers},
		answers:  make(map[string]chan webrtc.SessionDescription),
		peers:    make(map[string]*webrtc.PeerConnection),
		incoming: make(chan Incoming, 8),
	}

	go t.signalLoop()
	return t
}

// Accept blocks until a remote peer establishes a session with this endpoint.
func (t *Transport) Accept(ctx context.Context) (Session, string, error) {
	select {
	case in := <-t.incoming:
		return in.Session, in.Remote, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-t.done:
		return nil, "", errors.New("transport closed")
	}
}

// Dial opens a session to the peer registered under remote. The attempt is
// terminal: on failure the caller re-initiates, there is no built-in retry.
func (t *Transport) Dial(ctx context.Context, remote string) (Session, error) {
	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	sess := newDCSession(pc)
	dc, err := pc.CreateDataChannel("peerdrive", nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	sess.bind(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	answerCh := make(chan webrtc.SessionDescription, 1)
	t.mu.Lock()
	t.answers[remote] = answerCh
	t.mu.Unlock()
	t.track(remote, pc, sess)
	defer func() {
		t.mu.Lock()
		delete(t.answers, remote)
		t.mu.Unlock()
	}()

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := t.ctrl.SendSignal(control.TypeOffer, remote, payload); err != nil {
		pc.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}

	select {
	case answer := <-answerCh:
		if err := pc.SetRemoteDescription(answer); err != nil {
			pc.Close()
			return nil, fmt.Errorf("set remote description: %w", err)
		}
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	select {
	case <-sess.opened:
		return sess, nil
	case <-sess.closed:
		pc.Close()
		return nil, ErrSessionClosed
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// track registers the peer connection serving remote, closing any stale one
// it replaces, and prunes the entry once the session ends so long-lived
// endpoints do not accumulate dead PeerConnections.
func (t *Transport) track(remote string, pc *webrtc.PeerConnection, sess *dcSession) {
	t.mu.Lock()
	if old, ok := t.peers[remote]; ok && old != pc {
		old.Close()
	}
	t.peers[remote] = pc
	t.mu.Unlock()

	go func() {
		select {
		case <-sess.closed:
		case <-t.done:
		}
		t.mu.Lock()
		if t.peers[remote] == pc {
			delete(t.peers, remote)
		}
		t.mu.Unlock()
		pc.Close()
	}()
}

func (t *Transport) signalLoop() {
	ctx := context.Background()

	for {
		select {
		case sig, ok := <-t.ctrl.Signals():
			if !ok {
				return
			}
			t.handleSignal(ctx, sig)
		case <-t.done:
			return
		}
	}
}

func (t *Transport) handleSignal(ctx context.Context, sig control.Signal) {
	switch sig.Kind {
	case control.TypeOffer:
		if err := t.answerOffer(ctx, sig); err != nil {
			t.log.Error(ctx, "answering offer failed", "from", sig.From, "error", err)
		}

	case control.TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			t.log.Warn(ctx, "bad answer payload", "from", sig.From, "error", err)
			return
		}
		t.mu.Lock()
		ch, ok := t.answers[sig.From]
		t.mu.Unlock()
		if !ok {
			t.log.Warn(ctx, "answer without pending dial", "from", sig.From)
			return
		}
		select {
		case ch <- desc:
		default:
		}

	case control.TypeICE:
		// Trickled candidates from peers that do not wait for gathering.
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &cand); err != nil {
			return
		}
		t.mu.Lock()
		pc, ok := t.peers[sig.From]
		t.mu.Unlock()
		if ok {
			if err := pc.AddICECandidate(cand); err != nil {
				t.log.Debug(ctx, "add ice candidate failed", "from", sig.From, "error", err)
			}
		}
	}
}

// answerOffer builds the answering side of a session: the data channel itself
// arrives from the remote via OnDataChannel.
func (t *Transport) answerOffer(ctx context.Context, sig control.Signal) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &offer); err != nil {
		return fmt.Errorf("bad offer payload: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	sess := newDCSession(pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		sess.bind(dc)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		pc.Close()
		return err
	}
	if err := t.ctrl.SendSignal(control.TypeAnswer, sig.From, payload); err != nil {
		pc.Close()
		return fmt.Errorf("send answer: %w", err)
	}

	t.track(sig.From, pc, sess)

	go func() {
		timer := time.NewTimer(acceptTimeout)
		defer timer.Stop()

		select {
		case <-sess.opened:
			select {
			case t.incoming <- Incoming{Session: sess, Remote: sig.From}:
			case <-t.done:
				sess.Close()
			}
		case <-sess.closed:
		case <-timer.C:
			t.log.Warn(context.Background(), "peer session never opened", "from", sig.From)
			sess.Close()
		case <-t.done:
			sess.Close()
		}
	}()

	return nil
}
