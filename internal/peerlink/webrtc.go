package peerlink

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// frameBuffer is the receive queue depth per data-channel session. A full
// buffer blocks the SCTP reader, which is the backpressure we want.
const frameBuffer = 256

// dcSession adapts a pion data channel to the Session interface. On the
// answering side the channel arrives via OnDataChannel after construction, so
// binding is a separate step.
type dcSession struct {
	pc *webrtc.PeerConnection

	mu sync.Mutex
	dc *webrtc.DataChannel

	frames chan Frame
	opened chan struct{}
	closed chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
}

func newDCSession(pc *webrtc.PeerConnection) *dcSession {
	s := &dcSession{
		pc:     pc,
		frames: make(chan Frame, frameBuffer),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			s.markClosed()
		}
	})

	return s
}

// bind attaches the data channel and wires its callbacks.
func (s *dcSession) bind(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.openOnce.Do(func() { close(s.opened) })
	})

	dc.OnClose(func() {
		s.markClosed()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f := Frame{Binary: !msg.IsString, Data: msg.Data}
		select {
		case s.frames <- f:
		case <-s.closed:
		}
	})
}

func (s *dcSession) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *dcSession) channel() *webrtc.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc
}

func (s *dcSession) SendText(data []byte) error {
	dc := s.channel()
	if dc == nil || s.isClosed() {
		return ErrSessionClosed
	}
	return dc.SendText(string(data))
}

func (s *dcSession) SendBinary(data []byte) error {
	dc := s.channel()
	if dc == nil || s.isClosed() {
		return ErrSessionClosed
	}
	return dc.Send(data)
}

func (s *dcSession) Next(ctx context.Context) (Frame, error) {
	// Drain buffered frames before reporting closure.
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}

	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.closed:
		select {
		case f := <-s.frames:
			return f, nil
		default:
			return Frame{}, ErrSessionClosed
		}
	}
}

func (s *dcSession) Close() error {
	s.markClosed()
	if dc := s.channel(); dc != nil {
		_ = dc.Close()
	}
	return s.pc.Close()
}

func (s *dcSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
