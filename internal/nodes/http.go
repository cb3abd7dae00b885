package nodes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// HTTPConfig configures the http_request executor.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

type httpParams struct {
	URL               string            `json:"url"`
	Method            string            `json:"method"`
	Headers           map[string]string `json:"headers"`
	Body              any               `json:"body"`
	SendInput         bool              `json:"send_input"`
	Timeout           string            `json:"timeout"`
	FailOnErrorStatus bool              `json:"fail_on_error_status"`
}

// HTTPRequest performs an HTTP request. The body is the body parameter, or
// the node's input payload when send_input is set.
type HTTPRequest struct {
	base
	config HTTPConfig
	client *http.Client
}

func NewHTTPRequest(d *Deps) *HTTPRequest {
	cfg := d.HTTP
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRequest{base: newBase("http_request", d), config: cfg, client: client}
}

func (e *HTTPRequest) params(raw map[string]any) (httpParams, error) {
	p, err := decodeParams[httpParams](e.base, raw)
	if err != nil {
		return p, err
	}
	u, err := url.ParseRequestURI(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return p, paramError(e.Type(), "invalid url %q", p.URL)
	}
	if p.Timeout != "" {
		if _, err := time.ParseDuration(p.Timeout); err != nil {
			return p, paramError(e.Type(), "invalid timeout %q", p.Timeout)
		}
	}
	p.Method = strings.ToUpper(p.Method)
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	return p, nil
}

func (e *HTTPRequest) Validate(params map[string]any) error {
	_, err := e.params(params)
	return err
}

func (e *HTTPRequest) Execute(ctx context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	p, err := e.params(node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}

	timeout := e.config.DefaultTimeout
	if p.Timeout != "" {
		timeout, _ = time.ParseDuration(p.Timeout)
	}

	var bodyReader io.Reader
	var contentType string
	switch {
	case p.SendInput:
		bodyReader = bytes.NewReader(xjson.Normalize(ectx.CurrentData))
		contentType = "application/json"
	case p.Body != nil:
		if s, ok := p.Body.(string); ok {
			bodyReader = strings.NewReader(s)
			contentType = "text/plain"
		} else {
			b, err := xjson.Marshal(p.Body)
			if err != nil {
				return Fail(fmt.Sprintf("failed to marshal body as JSON: %v", err)), nil
			}
			bodyReader = bytes.NewReader(b)
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, p.Method, p.URL, bodyReader)
	if err != nil {
		return Fail(fmt.Sprintf("failed to create request: %v", err)), nil
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return Fail(fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return Fail(fmt.Sprintf("failed to read response body: %v", err)), nil
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		parsedBody = string(bodyBytes)
		if strings.Contains(respContentType, "json") {
			if v, err := xjson.Decode(bodyBytes); err == nil {
				parsedBody = v
			}
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	out := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"url":          p.URL,
		"method":       p.Method,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if p.FailOnErrorStatus && resp.StatusCode >= 400 {
		res := Fail(fmt.Sprintf("server returned %d", resp.StatusCode))
		res.Data = xjson.MustMarshal(out)
		return res, nil
	}
	return Succeed(out)
}
