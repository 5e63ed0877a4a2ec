package domain

import "errors"

var (
	ErrPeerNotFound     = errors.New("peer not found")
	ErrSignalNotFound   = errors.New("signal not found")
	ErrEngineClosed     = errors.New("engine closed")
	ErrChunkUnavailable = errors.New("chunk unavailable on peer")
	ErrTransferTimeout  = errors.New("chunk transfer deadline exceeded")
	ErrChannelClosed    = errors.New("data channel closed")
	ErrMeshUnavailable  = errors.New("mesh path unavailable")
	ErrRetriesExhausted = errors.New("retry budget exhausted")
)
