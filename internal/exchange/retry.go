package exchange

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	backoffFactor = 2.0
	jitterRange   = 0.1 // ±10% jitter
)

// calculateRetryDelay calculates the delay for the next retry attempt with exponential backoff and jitter
func calculateRetryDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := float64(baseDelay) * math.Pow(backoffFactor, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// Jitter range: ±jitterRange of the delay
	delay += delay * jitterRange * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(baseDelay)
	}
	return time.Duration(delay)
}

// isRetryableHTTPStatus determines if an HTTP status code indicates a retryable error
func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429 - Rate limit
		http.StatusInternalServerError, // 500 - Server error
		http.StatusBadGateway,          // 502 - Bad gateway
		http.StatusServiceUnavailable,  // 503 - Service unavailable
		http.StatusGatewayTimeout:      // 504 - Gateway timeout
		return true
	default:
		return false
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
