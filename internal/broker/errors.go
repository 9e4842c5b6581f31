package broker

import (
	"context"
	"errors"
	"net"
)

// Standard broker errors. Adapters wrap SDK errors with exactly one of these
// so callers can branch with errors.Is.
var (
	// Transient: safe to retry later.
	ErrRateLimited       = errors.New("broker rate limit exceeded")
	ErrInsufficientFunds = errors.New("insufficient funds for order")
	ErrTimeout           = errors.New("broker call timed out")
	ErrUnavailable       = errors.New("broker unavailable")
	ErrCircuitOpen       = errors.New("broker circuit open")

	// Rejected: terminal for the request, never retried automatically.
	ErrRejected          = errors.New("order rejected by broker")
	ErrModifyUnsupported = errors.New("order modification not supported")
	ErrOrderNotFound     = errors.New("order not found at broker")

	// Fatal: the session cannot continue.
	ErrAuthentication = errors.New("broker authentication failed")
)

// Kind is the coarse error class used for retry decisions.
type Kind int

const (
	KindNone Kind = iota
	KindTransient
	KindRejected
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps err to its Kind. Unrecognised errors are transient; the retry
// path checks the broker book before placing again.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthentication):
		return KindFatal
	case errors.Is(err, ErrRejected), errors.Is(err, ErrModifyUnsupported), errors.Is(err, ErrOrderNotFound):
		return KindRejected
	default:
		return KindTransient
	}
}

// IsRetryable reports whether a failed placement should enter the retry
// queue rather than be rejected.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}

// countsAsOutage reports whether err says the endpoint itself is unhealthy.
// Insufficient funds and rejections are healthy responses.
func countsAsOutage(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

func contextError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrUnavailable
	}
	return nil
}
