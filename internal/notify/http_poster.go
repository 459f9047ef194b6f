package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const httpErrorBodyLimit = 1024

type timingConfig struct {
	timeout           time.Duration
	rateInterval      time.Duration
	rateBurst         int
	backoffInitial    time.Duration
	backoffMax        time.Duration
	backoffMaxElapsed time.Duration
}

var defaultTiming = timingConfig{
	timeout:           10 * time.Second,
	rateInterval:      1 * time.Second,
	rateBurst:         1,
	backoffInitial:    1 * time.Second,
	backoffMax:        10 * time.Second,
	backoffMaxElapsed: 30 * time.Second,
}

// httpPoster posts alert payloads to a webhook URL with per-service rate
// limiting and exponential backoff on retryable failures. Retries are driven
// by our own backoff loop; the retryablehttp client is used purely for its
// request plumbing with internal retries disabled.
type httpPoster struct {
	logger    zerolog.Logger
	sinkName  string
	url       string
	client    *retryablehttp.Client
	timing    timingConfig
	limiters  map[string]*rate.Limiter
	limiterMu sync.Mutex
}

func newHTTPPoster(logger zerolog.Logger, sinkName, url string, timing timingConfig) *httpPoster {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timing.timeout}

	return &httpPoster{
		logger:   logger,
		sinkName: sinkName,
		url:      url,
		client:   client,
		timing:   timing,
		limiters: make(map[string]*rate.Limiter),
	}
}

// waitForRateLimit blocks until the per-service limiter admits a send.
func (p *httpPoster) waitForRateLimit(ctx context.Context, service string) error {
	p.limiterMu.Lock()
	limiter, ok := p.limiters[service]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.timing.rateInterval), p.timing.rateBurst)
		p.limiters[service] = limiter
	}
	p.limiterMu.Unlock()
	return limiter.Wait(ctx)
}

func (p *httpPoster) postWithRetry(ctx context.Context, payload []byte) error {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.timing.backoffInitial
	schedule.MaxInterval = p.timing.backoffMax
	schedule.MaxElapsedTime = p.timing.backoffMaxElapsed
	schedule.Reset()

	for {
		err := p.postOnce(ctx, payload)
		if err == nil {
			return nil
		}

		var retryAfter *retryAfterError
		if errors.As(err, &retryAfter) {
			if !sleepWithContext(ctx, retryAfter.Duration) {
				return ctx.Err()
			}
			continue
		}
		var retryable *retryableError
		if !errors.As(err, &retryable) {
			return err
		}
		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if !sleepWithContext(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (p *httpPoster) postOnce(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.timing.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", p.sinkName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("%s request failed: %w", p.sinkName, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, httpErrorBodyLimit))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return &retryAfterError{
				Duration: wait,
				err:      fmt.Errorf("%s rate limited: %s", p.sinkName, resp.Status),
			}
		}
		return &retryableError{err: fmt.Errorf("%s rate limited: %s", p.sinkName, resp.Status)}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &retryableError{err: fmt.Errorf("%s server error: %s", p.sinkName, resp.Status)}
	default:
		return fmt.Errorf("%s request failed: %s (%s)", p.sinkName, resp.Status, bytes.TrimSpace(body))
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		wait := time.Until(when)
		if wait <= 0 {
			return 0, false
		}
		return wait, true
	}
	return 0, false
}

func sleepWithContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

type retryAfterError struct {
	Duration time.Duration
	err      error
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited; retry after %s", e.Duration)
}

func (e *retryAfterError) Unwrap() error {
	return e.err
}
