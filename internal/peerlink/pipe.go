package peerlink

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory sessions. Frames written to one side
// come out of the other in order. The queue is unbounded so a test can stage
// an entire transfer before draining it.
func Pipe() (Session, Session) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	peer *pipeEnd

	mu     sync.Mutex
	queue  []Frame
	arrive chan struct{}
	closed bool
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{arrive: make(chan struct{}, 1)}
}

func (p *pipeEnd) SendText(data []byte) error {
	return p.peer.deliver(Frame{Data: cloneBytes(data)})
}

func (p *pipeEnd) SendBinary(data []byte) error {
	return p.peer.deliver(Frame{Binary: true, Data: cloneBytes(data)})
}

func (p *pipeEnd) deliver(f Frame) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	p.queue = append(p.queue, f)
	p.mu.Unlock()

	select {
	case p.arrive <- struct{}{}:
	default:
	}
	return nil
}

func (p *pipeEnd) Next(ctx context.Context) (Frame, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			f := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return f, nil
		}
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return Frame{}, ErrSessionClosed
		}

		select {
		case <-p.arrive:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

func (p *pipeEnd) Close() error {
	p.closeEnd()
	p.peer.closeEnd()
	return nil
}

func (p *pipeEnd) closeEnd() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()

	if !already {
		select {
		case p.arrive <- struct{}{}:
		default:
		}
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
