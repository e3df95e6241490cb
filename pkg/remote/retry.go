package remote

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy bounds how NetworkError failures are retried. Other error kinds
// are returned immediately.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is three attempts with a 1s backoff doubling up to 8s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     8 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Do runs op until it succeeds, returns a non-network error, the attempts are
// used up, or ctx is done. A Retry-After hint on a NetworkError lengthens the
// wait but never beyond MaxBackoff.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.withDefaults()
	backoff := p.InitialBackoff

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff
			var netErr *NetworkError
			if errors.As(lastErr, &netErr) && netErr.RetryAfter > wait {
				wait = netErr.RetryAfter
			}
			if wait > p.MaxBackoff {
				wait = p.MaxBackoff
			}
			if err := sleepContext(ctx, wait); err != nil {
				return lastErr
			}
			backoff *= 2
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrNetwork) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isRetryableStatus returns true for HTTP status codes that should be retried.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
