package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidBaseURL = errors.New("billy base URL must be a valid HTTP(S) URL")
	ErrInvalidPath    = errors.New("billy path invalid")
	ErrInvalidTimeout = errors.New("billy request timeout too small")
)

// Validate returns the normalized endpoint configuration or the first
// validation error.
func (b BillyConfig) Validate() (BillyConfig, error) {
	base, err := NormalizeBaseURL(b.BaseURL)
	if err != nil {
		return BillyConfig{}, err
	}
	ask, err := NormalizePath(b.AskPath, "ask path")
	if err != nil {
		return BillyConfig{}, err
	}
	health, err := NormalizePath(b.HealthPath, "health path")
	if err != nil {
		return BillyConfig{}, err
	}
	timeout := b.RequestTimeout.Truncate(time.Millisecond)
	if timeout < MinBillyTimeout {
		return BillyConfig{}, fmt.Errorf("%w: %v is below %v", ErrInvalidTimeout, timeout, MinBillyTimeout)
	}
	return BillyConfig{BaseURL: base, AskPath: ask, HealthPath: health, RequestTimeout: timeout}, nil
}

// URL joins the base URL and a normalized path.
func (b BillyConfig) URL(path string) string {
	return b.BaseURL + path
}

// NormalizeBaseURL accepts an http or https URL and strips its query,
// fragment and trailing slashes.
func NormalizeBaseURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return "", ErrInvalidBaseURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidBaseURL, parsed.Scheme)
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.RawQuery = ""
	parsed.ForceQuery = false
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

// NormalizePath accepts a request path such as "ask" or "/ask/" and returns
// "/ask". Full URLs are rejected.
func NormalizePath(raw, name string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s cannot be empty", ErrInvalidPath, name)
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return "", fmt.Errorf("%w: %s must be a path like /ask, not a full URL", ErrInvalidPath, name)
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	if out := strings.TrimRight(trimmed, "/"); out != "" {
		return out, nil
	}
	return "/", nil
}
