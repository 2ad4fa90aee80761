// Package retry implements the decorator of spec §4.7: it wraps a
// world.World and retries exactly the idempotent operations the spec's
// table names, using exponential backoff with jitter, while every
// non-idempotent write passes through unretried.
package retry

import (
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/runflow-dev/workflow/workflowerr"
)

// Policy configures the backoff schedule. Defaults match spec §4.7: 3
// retries, 250ms-5s exponential backoff, factor 2, randomized.
type Policy struct {
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

// DefaultPolicy is spec §4.7's retry policy.
var DefaultPolicy = Policy{
	MaxRetries: 3,
	MinDelay:   250 * time.Millisecond,
	MaxDelay:   5 * time.Second,
	Factor:     2,
}

// delay returns the backoff duration before retry attempt n (1-indexed),
// exponential with factor Factor off MinDelay, capped at MaxDelay, and
// jittered by +/-20% to avoid thundering herd.
func (p Policy) delay(n int, rng *rand.Rand) time.Duration {
	d := float64(p.MinDelay)
	for i := 1; i < n; i++ {
		d *= p.Factor
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := 1 + (rng.Float64()*0.4 - 0.2)
	return time.Duration(d * jitter)
}

// retryableNetCodes is the network error code set spec §4.7 names as
// retryable (ECONNRESET, ECONNREFUSED, ETIMEDOUT, ENOTFOUND, EAI_AGAIN,
// EPIPE, ECONNABORTED, ENETUNREACH, EHOSTUNREACH, and equivalents).
var retryableNetCodes = map[string]bool{
	"ECONNRESET":    true,
	"ECONNREFUSED":  true,
	"ETIMEDOUT":     true,
	"ENOTFOUND":     true,
	"EAI_AGAIN":     true,
	"EPIPE":         true,
	"ECONNABORTED":  true,
	"ENETUNREACH":   true,
	"EHOSTUNREACH":  true,
}

var retryableHTTPStatus = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// IsRetryable classifies err per spec §4.7: retryable HTTP statuses
// (408/429/5xx), the listed network error codes, generic fetch-failure,
// and abort-from-timeout (context.DeadlineExceeded). All other 4xx bail
// immediately. Unclassified errors (no TransientAPIError, no recognizable
// net error) are treated as non-retryable — only the storage layer's own
// transient-API signal or a recognized network condition triggers a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if code := netErrorCode(opErr); retryableNetCodes[code] {
			return true
		}
	}
	var api *workflowerr.TransientAPIError
	if errors.As(err, &api) {
		if api.HTTPStatus != 0 {
			return retryableHTTPStatus[api.HTTPStatus]
		}
		if api.NetErrCode != "" {
			return retryableNetCodes[api.NetErrCode]
		}
		// Generic fetch-failure with no further classification.
		return true
	}
	return false
}

// netErrorCode maps a net.OpError to one of the spec's symbolic codes on a
// best-effort basis (used mainly so tests can simulate codes directly via
// TransientAPIError.NetErrCode; real OS-level errnos are not exhaustively
// mapped here).
func netErrorCode(op *net.OpError) string {
	switch {
	case op.Timeout():
		return "ETIMEDOUT"
	default:
		return ""
	}
}
