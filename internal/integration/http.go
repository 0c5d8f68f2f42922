// Package integration holds the HTTP clients for the provisioning executor,
// the approval dispatcher and the role authority.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 2048

// CallObserver receives the latency of outbound calls.
type CallObserver interface {
	ObserveExternalCall(target, outcome string, duration time.Duration)
}

// StatusError is returned when a collaborator answers with a non-2xx status.
type StatusError struct {
	Target     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Target, e.StatusCode, e.Body)
}

// NewHTTPClient returns a traced client bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type jsonCaller struct {
	target   string
	client   *http.Client
	observer CallObserver
}

func (c jsonCaller) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", c.target, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.target, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.observe("error", start)
		return fmt.Errorf("call %s: %w", c.target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.observe("status_"+fmt.Sprint(resp.StatusCode), start)
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Target: c.target, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	c.observe("ok", start)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.target, err)
	}
	return nil
}

func (c jsonCaller) observe(outcome string, start time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveExternalCall(c.target, outcome, time.Since(start))
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
