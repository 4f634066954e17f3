package forward

import (
	"context"
	"errors"
	"net"
	"os"

	gateway "github.com/autorouter/autorouter/internal"
)

// CategorizeError maps a transport-level failure to an error category.
// Status-based categorization is handled by CategorizeStatus once a response
// exists.
func CategorizeError(err error) gateway.ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return gateway.ErrCatAborted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return gateway.ErrCatTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gateway.ErrCatTimeout
	}
	return gateway.ErrCatConnection
}

// CategorizeStatus maps a non-2xx upstream status to an error category.
// Statuses in excluded (operator-configured, default {400}) are marked
// excluded_status and never trigger failover or breaker failures.
func CategorizeStatus(status int, excluded []int) gateway.ErrorCategory {
	for _, code := range excluded {
		if status == code {
			return gateway.ErrCatExcluded
		}
	}
	switch {
	case status == 429:
		return gateway.ErrCatHTTP429
	case status >= 500:
		return gateway.ErrCatHTTP5xx
	case status >= 400:
		return gateway.ErrCatHTTP4xx
	}
	return ""
}

// CountsAsBreakerFailure reports whether a category feeds the circuit
// breaker's consecutive failure counter.
func CountsAsBreakerFailure(cat gateway.ErrorCategory) bool {
	switch cat {
	case "", gateway.ErrCatExcluded, gateway.ErrCatAborted:
		return false
	}
	return true
}
