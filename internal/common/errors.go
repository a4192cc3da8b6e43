// Package common defines shared constants and sentinel errors used across
// the peerdrive server, host and client layers. Callers should use errors.Is
// to match these values.
package common

import "errors"

var (
	// Registry errors.
	ErrNotFound = errors.New("not found")

	// Auth errors (invalid, malformed or expired token).
	ErrInvalidToken = errors.New("invalid token")
	ErrUnauthorized = errors.New("unauthorized")

	// Control-channel errors.
	ErrPeerUnknown = errors.New("peer unknown")

	// Transfer protocol errors.
	ErrSessionBusy       = errors.New("another transfer is in progress")
	ErrTransferCanceled  = errors.New("transfer canceled")
	ErrStreamTimeout     = errors.New("payload stream idle timeout")
	ErrProtocolViolation = errors.New("protocol violation")

	// Validation errors.
	ErrInvalidPath      = errors.New("invalid path segment")
	ErrInvalidProjectID = errors.New("invalid project id")
)
