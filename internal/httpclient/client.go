// Package httpclient builds the HTTP clients used to talk to the Billy
// runtime.
package httpclient

import (
	"net/http"
	"time"

	"pixelagents/internal/logging"
)

// New returns a client with the given overall request timeout whose
// transport logs each round trip at debug level.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: WrapTransportWithLogging(http.DefaultTransport, logger),
	}
}

type loggingRoundTripper struct {
	base   http.RoundTripper
	logger logging.Logger
}

// WrapTransportWithLogging wraps base so every request is logged with its
// status and latency.
func WrapTransportWithLogging(base http.RoundTripper, logger logging.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingRoundTripper{base: base, logger: logging.OrNop(logger)}
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()
	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(started).Round(time.Millisecond)
	if err != nil {
		t.logger.Debug("http: %s %s failed after %v: %v", req.Method, req.URL.Redacted(), elapsed, err)
		return nil, err
	}
	t.logger.Debug("http: %s %s -> %d in %v", req.Method, req.URL.Redacted(), resp.StatusCode, elapsed)
	return resp, nil
}
