// Package peerlink provides the peer session abstraction the transfer engines
// run on: a reliable, ordered, bidirectional channel carrying text frames
// (control messages) and binary frames (payload chunks).
//
// Two implementations exist: a WebRTC data channel for real peers, and an
// in-memory pipe used by tests.
package peerlink

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned once a session can no longer move frames.
var ErrSessionClosed = errors.New("peer session closed")

// Frame is one delivered message. Binary distinguishes payload chunks from
// control messages; ordering between the two kinds is preserved per sender.
type Frame struct {
	Binary bool
	Data   []byte
}

// Session is an established peer data channel.
//
// SendText and SendBinary are safe for concurrent use; frames from one sender
// are delivered in the order sent. Next blocks until a frame arrives, the
// context is canceled, or the session closes (ErrSessionClosed).
type Session interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
	Next(ctx context.Context) (Frame, error)
	Close() error
}
