// Package http calls an HTTP endpoint as a task body.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"workq/internal/task"
)

const (
	defaultTimeout = 30 * time.Second
	maxBody        = 1 << 20
)

// HTTP performs Request. Fields set in the task arguments override the
// ones in Defaults; headers are merged.
type HTTP struct {
	Defaults Request
	Client   *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

func (r Request) merge(over Request) Request {
	if over.URL != "" {
		r.URL = over.URL
	}
	if over.Method != "" {
		r.Method = over.Method
	}
	if over.Body != "" {
		r.Body = over.Body
	}
	if over.Timeout > 0 {
		r.Timeout = over.Timeout
	}
	if len(over.Headers) > 0 {
		merged := make(map[string]string, len(r.Headers)+len(over.Headers))
		for k, v := range r.Headers {
			merged[k] = v
		}
		for k, v := range over.Headers {
			merged[k] = v
		}
		r.Headers = merged
	}
	return r
}

func (h HTTP) Handle(ctx context.Context, req *task.Request) (any, error) {
	var in Request
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	r := h.Defaults.merge(in)
	if r.URL == "" {
		return nil, task.Permanent(errors.New("http: url is required"))
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	timeout := defaultTimeout
	if r.Timeout > 0 {
		timeout = time.Duration(r.Timeout) * time.Second
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(r.Method), r.URL, body)
	if err != nil {
		return nil, task.Permanent(fmt.Errorf("http: build request: %w", err))
	}
	for key, value := range r.Headers {
		httpReq.Header.Set(key, value)
	}
	httpReq.Header.Set("X-Workq-Instance", req.InstanceID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", httpReq.Method, r.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("http: read response body: %w", err)
	}

	out := Response{StatusCode: resp.StatusCode, Headers: make(map[string]string, len(resp.Header)), Body: string(respBody)}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, out.Body)
	case resp.StatusCode >= 400:
		return nil, task.Permanent(fmt.Errorf("http %d: %s", resp.StatusCode, out.Body))
	}
	return out, nil
}
