package refresh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultHTTPRetryMax = 3
	defaultMaxBodyBytes = 32 << 20
	defaultRetryWaitMin = 250 * time.Millisecond
	defaultRetryWaitMax = 4 * time.Second
	defaultAcceptHeader = "application/json"
	defaultUserAgent    = "coordd"
)

// HTTPOriginConfig tunes an HTTPOrigin.
type HTTPOriginConfig struct {
	// URLs maps dataset names to their fetch endpoints.
	URLs map[string]string

	Timeout      time.Duration
	RetryMax     int
	MaxBodyBytes int64
	UserAgent    string
}

// HTTPOrigin fetches dataset payloads over HTTP with transparent retries on
// transient failures.
type HTTPOrigin struct {
	urls         map[string]string
	client       *http.Client
	maxBodyBytes int64
	userAgent    string
}

// NewHTTPOrigin builds an origin over the configured dataset endpoints.
func NewHTTPOrigin(cfg HTTPOriginConfig) *HTTPOrigin {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = defaultHTTPRetryMax
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	rclient := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: timeout},
		RetryWaitMin: defaultRetryWaitMin,
		RetryWaitMax: defaultRetryWaitMax,
		RetryMax:     retryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
	}
	urls := make(map[string]string, len(cfg.URLs))
	for dataset, u := range cfg.URLs {
		urls[dataset] = u
	}
	return &HTTPOrigin{
		urls:         urls,
		client:       rclient.StandardClient(),
		maxBodyBytes: maxBody,
		userAgent:    userAgent,
	}
}

// Fetch downloads the payload for dataset. Unknown datasets and non-2xx
// responses are errors; the retry policy has already absorbed transient
// failures by the time one surfaces here.
func (o *HTTPOrigin) Fetch(ctx context.Context, dataset string) ([]byte, error) {
	endpoint, ok := o.urls[dataset]
	if !ok {
		return nil, fmt.Errorf("refresh: no origin endpoint for dataset %q", dataset)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("refresh: build request: %w", err)
	}
	req.Header.Set("Accept", defaultAcceptHeader)
	req.Header.Set("User-Agent", o.userAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh: fetch %s: %w", dataset, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("refresh: fetch %s: unexpected status %d", dataset, resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, o.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("refresh: read body: %w", err)
	}
	if int64(len(payload)) > o.maxBodyBytes {
		return nil, fmt.Errorf("refresh: payload for %s exceeds %d bytes", dataset, o.maxBodyBytes)
	}
	return payload, nil
}
