// Package fallback implements the retry strategy and the cross-provider
// fallback handler.
package fallback

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"

	"github.com/hollowbrook/gatekeep/internal/providers"
)

var retryableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// IsRetryable reports whether err should trigger another attempt: status in
// {408,429,500,502,503,504}, or a network-class error (connection reset,
// DNS failure, timeout).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if sc, ok := err.(providers.StatusCoder); ok {
		return retryableStatus[sc.HTTPStatus()]
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if strings.Contains(err.Error(), "connection reset") {
		return true
	}

	// Anything outside the enumerated status/network classes is treated as
	// non-retryable: retrying an unclassified error (e.g. a malformed
	// request rejected by the provider SDK before it reaches the wire)
	// would just burn the attempt budget on something a retry can't fix.
	return false
}

// CalculateBackoff returns min(max, base*2^attempt) with up to ±20% jitter.
func CalculateBackoff(attempt int, base, max int64) int64 {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := (rand.Float64()*0.4 - 0.2) * backoff // +/-20%
	backoff += jitter
	if backoff < 0 {
		backoff = 0
	}
	return int64(backoff)
}
