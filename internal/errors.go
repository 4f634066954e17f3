package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrProtocol           = errors.New("protocol error")
	ErrNoCandidates       = errors.New("no candidate upstream")
	ErrCircuitOpen        = errors.New("all candidates circuit-open")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrKeyExpired         = errors.New("api key expired")
	ErrKeyInactive        = errors.New("api key inactive")
	ErrAllUpstreamsFailed = errors.New("all upstreams failed")
	ErrAborted            = errors.New("request aborted by client")
)
