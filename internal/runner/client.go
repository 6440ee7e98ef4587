package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"pixelagents/internal/config"
	pxerrors "pixelagents/internal/errors"
	"pixelagents/internal/httpclient"
	"pixelagents/internal/logging"
)

// AskRequest is the body POSTed to the ask endpoint.
type AskRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

// AskResponse is the ask endpoint's reply. Every field is optional.
type AskResponse struct {
	Message          string `json:"message,omitempty"`
	ForemanMode      string `json:"foreman_mode,omitempty"`
	ApprovalRequired bool   `json:"approval_required,omitempty"`
}

// Mode returns the reported plan/build mode, if it is one of those.
func (r AskResponse) Mode() (string, bool) {
	switch r.ForemanMode {
	case "plan", "build":
		return r.ForemanMode, true
	}
	return "", false
}

// Client talks to the Billy runtime.
type Client struct {
	http   *http.Client
	billy  config.BillyConfig
	limit  int64
	logger logging.Logger
}

// NewClient returns a client for an already validated endpoint config.
func NewClient(billy config.BillyConfig, logger logging.Logger) *Client {
	logger = logging.OrNop(logger)
	return &Client{
		http:   httpclient.New(billy.RequestTimeout, logger),
		billy:  billy,
		limit:  httpclient.DefaultResponseLimit,
		logger: logger,
	}
}

// Health probes the health endpoint. Non-2xx statuses are returned as
// classified errors carrying the status code.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.billy.URL(c.billy.HealthPath), nil)
	if err != nil {
		return pxerrors.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pxerrors.FromHTTPStatus(resp.StatusCode, "")
	}
	return nil
}

// Ask sends one prompt and decodes the reply.
func (c *Client) Ask(ctx context.Context, prompt, sessionID string) (AskResponse, error) {
	body, err := json.Marshal(AskRequest{Prompt: prompt, SessionID: sessionID})
	if err != nil {
		return AskResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.billy.URL(c.billy.AskPath), bytes.NewReader(body))
	if err != nil {
		return AskResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return AskResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := httpclient.ReadLimited(resp.Body, 512)
		return AskResponse{}, pxerrors.FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out AskResponse
	if err := httpclient.DecodeLimited(resp.Body, c.limit, &out); err != nil {
		return AskResponse{}, err
	}
	return out, nil
}

// StatusCode extracts the HTTP status carried by a classified error, or 0.
func StatusCode(err error) int {
	var transient *pxerrors.TransientError
	if errors.As(err, &transient) {
		return transient.StatusCode
	}
	var permanent *pxerrors.PermanentError
	if errors.As(err, &permanent) {
		return permanent.StatusCode
	}
	return 0
}

// describe renders err for the transcript and terminal.
func describe(err error) string {
	if code := StatusCode(err); code != 0 {
		return fmt.Sprintf("Billy Runtime returned HTTP %d", code)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "request timed out"
	}
	return err.Error()
}
