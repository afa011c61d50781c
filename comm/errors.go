package comm

import "errors"

var (
	ErrClosed         = errors.New("comm: communicator closed")
	ErrTimeout        = errors.New("comm: request did not complete before the timeout")
	ErrRankOutOfRange = errors.New("comm: rank out of range")
	ErrInvalidTag     = errors.New("comm: user tags must be non-negative")
	ErrTruncate       = errors.New("comm: message longer than receive buffer")
	ErrCollective     = errors.New("comm: collective contributions differ in length")
	ErrFrameTooLarge  = errors.New("comm: frame too large")
	ErrProtocol       = errors.New("comm: protocol violation")
	ErrNoTLSConfig    = errors.New("comm: TLSConfig is required")
	ErrQueueFull      = errors.New("comm: send queue full")
)
