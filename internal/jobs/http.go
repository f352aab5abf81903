package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/lakeflow/pkg/schema"
)

// HTTPConfig configures the HTTP job gateway backend.
type HTTPConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxResponseBody int64
	Headers         map[string]string
	// Client overrides the HTTP client (tests).
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPBackend talks to a JSON job gateway:
//
//	POST {base}/functions/{ref}/invoke      stateless function call
//	POST {base}/jobs/{ref}/runs             start bulk run -> {"handle": "..."}
//	GET  {base}/jobs/{ref}/runs/{handle}    bulk run state
//	GET  {base}/status/{ref}                catalog refresh status
type HTTPBackend struct {
	base    *url.URL
	client  *http.Client
	maxBody int64
	headers map[string]string
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend validates cfg and returns a backend.
func NewHTTPBackend(cfg HTTPConfig) (*HTTPBackend, error) {
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid job gateway url %q", cfg.BaseURL)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   cfg.Timeout,
		}
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &HTTPBackend{base: u, client: client, maxBody: cfg.MaxResponseBody, headers: cfg.Headers}, nil
}

func (b *HTTPBackend) Call(ctx context.Context, ref string, input json.RawMessage) (json.RawMessage, error) {
	body, _, err := b.do(ctx, ref, http.MethodPost, b.endpoint("functions", ref, "invoke"), input)
	return body, err
}

func (b *HTTPBackend) StartRun(ctx context.Context, ref string, input json.RawMessage) (string, error) {
	body, status, err := b.do(ctx, ref, http.MethodPost, b.endpoint("jobs", ref, "runs"), input)
	if err != nil {
		if status == http.StatusConflict {
			return "", schema.NewInvocationError(ref, false,
				fmt.Errorf("backend rejected concurrent run of %q", ref)).WithCause(err)
		}
		return "", err
	}
	var resp struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Handle == "" {
		return "", schema.NewInvocationError(ref, false, fmt.Errorf("start run: response missing handle"))
	}
	return resp.Handle, nil
}

func (b *HTTPBackend) GetRun(ctx context.Context, ref, handle string) (BulkRun, error) {
	body, _, err := b.do(ctx, ref, http.MethodGet, b.endpoint("jobs", ref, "runs", handle), nil)
	if err != nil {
		return BulkRun{}, err
	}
	var run BulkRun
	if err := json.Unmarshal(body, &run); err != nil {
		return BulkRun{}, schema.NewInvocationError(ref, true, fmt.Errorf("decode bulk run: %w", err))
	}
	if run.Handle == "" {
		run.Handle = handle
	}
	return run, nil
}

func (b *HTTPBackend) Status(ctx context.Context, ref string) (json.RawMessage, error) {
	body, _, err := b.do(ctx, ref, http.MethodGet, b.endpoint("status", ref), nil)
	return body, err
}

func (b *HTTPBackend) endpoint(parts ...string) string {
	u := *b.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = u.Path + "/" + strings.Join(escaped, "/")
	u.RawPath = ""
	return u.String()
}

// do performs one request and classifies the outcome. The returned status is
// 0 when no response was received.
func (b *HTTPBackend) do(ctx context.Context, ref, method, target string, payload json.RawMessage) (json.RawMessage, int, error) {
	var body io.Reader
	if method != http.MethodGet {
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, 0, schema.NewInvocationError(ref, false, fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		// Transport failures (resets, refused connections, client timeouts) are transient.
		return nil, 0, schema.NewInvocationError(ref, true, fmt.Errorf("%s %s: %w", method, target, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBody+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, resp.StatusCode, ctxErr
		}
		return nil, resp.StatusCode, schema.NewInvocationError(ref, true, fmt.Errorf("read response: %w", err))
	}
	oversized := int64(len(data)) > b.maxBody
	if oversized {
		data = data[:b.maxBody]
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if oversized {
			return nil, resp.StatusCode, schema.NewInvocationError(ref, false,
				fmt.Errorf("response body exceeds %d bytes", b.maxBody)).
				WithDetails(map[string]any{"job_ref": ref, "max_response_body": b.maxBody})
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return json.RawMessage("null"), resp.StatusCode, nil
		}
		if !json.Valid(data) {
			// Plain-text bodies are carried as JSON strings.
			quoted, _ := json.Marshal(strings.TrimSpace(string(data)))
			return quoted, resp.StatusCode, nil
		}
		return json.RawMessage(data), resp.StatusCode, nil
	}

	return nil, resp.StatusCode, schema.NewInvocationError(ref, retryableStatus(resp.StatusCode),
		errors.New(errorMessage(resp.StatusCode, data))).
		WithDetails(map[string]any{"job_ref": ref, "status_code": resp.StatusCode})
}

// retryableStatus reports whether an HTTP status signals a transient failure.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func errorMessage(code int, body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return fmt.Sprintf("gateway returned %d: %s", code, e.Error)
		}
		if e.Message != "" {
			return fmt.Sprintf("gateway returned %d: %s", code, e.Message)
		}
	}
	return fmt.Sprintf("gateway returned %d %s", code, http.StatusText(code))
}
