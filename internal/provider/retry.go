package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// retryPolicy wraps an HTTP call with connect-level retry logic: transient
// network errors, 408/429 and 5xx statuses, with exponential backoff plus
// full jitter and Retry-After support. Streams are never retried mid-flight;
// adapters only use this for the initial connect.
type retryPolicy struct {
	maxRetries  int
	baseBackoff time.Duration
	logger      *zap.Logger
}

func (p retryPolicy) do(
	ctx context.Context,
	attempt func(ctx context.Context) (*http.Response, error),
) (*http.Response, error) {
	var lastErr error
	maxAttempts := p.maxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for i := 0; i < maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := attempt(ctx)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		p.logger.Debug("upstream attempt",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !isTransientNetError(err) {
				return nil, err
			}
			lastErr = err
		} else if !shouldRetryStatus(status) {
			return resp, nil
		} else {
			lastErr = fmt.Errorf("upstream status %d", status)

			retryAfter := parseRetryAfter(resp)

			// Drain so the connection can be reused.
			if resp.Body != nil {
				resp.Body.Close()
			}

			if retryAfter > 0 && i < maxAttempts-1 {
				p.logger.Info("honoring Retry-After",
					zap.Duration("wait", retryAfter),
					zap.Int("status", status),
				)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(retryAfter):
					continue
				}
			}
		}

		if i == maxAttempts-1 {
			break
		}

		backoff := computeBackoff(p.baseBackoff, i)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	p.logger.Warn("upstream request exhausted retries",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)

	if lastErr == nil {
		lastErr = errors.New("unknown upstream error")
	}
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxAttempts, lastErr)
}

// isTransientNetError reports whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write" {
			return true
		}
	}

	// Fallback for wrapped errors that lost their type.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func shouldRetryStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter reads a Retry-After header as either seconds or an HTTP
// date, capped at 5 minutes. Returns 0 when absent or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	const maxRetryAfter = 5 * time.Minute

	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
		d := time.Duration(seconds) * time.Second
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			if d > maxRetryAfter {
				d = maxRetryAfter
			}
			return d
		}
	}

	return 0
}

// computeBackoff is exponential backoff with full jitter: a random wait in
// [0, base*2^attempt), capped at 60s.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	const maxExponent = 10
	if attempt > maxExponent {
		attempt = maxExponent
	}

	maxBackoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))

	const maxAllowed = 60 * time.Second
	if maxBackoff > maxAllowed {
		maxBackoff = maxAllowed
	}

	return time.Duration(rand.Float64() * float64(maxBackoff))
}
