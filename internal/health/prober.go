package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNoHealthEndpoint reports that the service answers on its port but does
// not expose the conventional health path. Callers degrade the check to
// process liveness and port reachability.
var ErrNoHealthEndpoint = errors.New("no health endpoint")

// Prober issues an application-level health probe against a service endpoint
// and returns any structured metrics the endpoint reported.
type Prober interface {
	Probe(ctx context.Context, host string, port int) (map[string]any, error)
}

// HTTPProber probes a conventional HTTP health path. A 2xx response is
// healthy; a JSON object body is returned as metrics.
type HTTPProber struct {
	client *retryablehttp.Client
	path   string
}

const (
	defaultHealthPath    = "/health"
	defaultProbeTimeout  = 3 * time.Second
	maxProbeBodyBytes    = 1 << 20
	defaultProbeRetryMax = 1
)

// NewHTTPProber constructs a prober for the given health path. An empty path
// selects /health.
func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	if path == "" {
		path = defaultHealthPath
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = defaultProbeRetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	return &HTTPProber{client: client, path: path}
}

// Probe performs a GET against the service's health endpoint.
func (p *HTTPProber) Probe(ctx context.Context, host string, port int) (map[string]any, error) {
	url := fmt.Sprintf("http://%s:%d%s", host, port, p.path)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read probe response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoHealthEndpoint
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}

	// The body is optional and only used when it is a JSON object.
	var reported map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &reported); err != nil {
			reported = nil
		}
	}
	return reported, nil
}
