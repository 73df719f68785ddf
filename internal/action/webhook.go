package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Webhook limits.
const (
	DefaultWebhookTimeout = 10 * time.Second
	MinWebhookTimeout     = 1 * time.Second
	MaxWebhookTimeout     = 30 * time.Second
	DefaultResponseBytes  = 2048
	MinResponseBytes      = 128
	MaxResponseBytes      = 8192
	defaultWebhookMethod  = http.MethodPost
	webhookUserAgent      = "loom-webhook/1"
)

// webhookConfig is the action object accepted by the webhook executor.
type webhookConfig struct {
	URL              string            `json:"url"`
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers"`
	Body             json.RawMessage   `json:"body"`
	TimeoutSeconds   int               `json:"timeoutSeconds"`
	MaxResponseBytes int               `json:"maxResponseBytes"`
	AllowNonSuccess  bool              `json:"allowNonSuccess"`
}

// ClampTimeout converts a configured timeout in seconds to the effective
// request timeout. Zero selects the default.
func ClampTimeout(seconds int) time.Duration {
	if seconds == 0 {
		return DefaultWebhookTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d < MinWebhookTimeout {
		return MinWebhookTimeout
	}
	if d > MaxWebhookTimeout {
		return MaxWebhookTimeout
	}
	return d
}

// ClampResponseBytes returns the effective response truncation limit. Zero
// selects the default.
func ClampResponseBytes(n int) int {
	if n == 0 {
		return DefaultResponseBytes
	}
	if n < MinResponseBytes {
		return MinResponseBytes
	}
	if n > MaxResponseBytes {
		return MaxResponseBytes
	}
	return n
}

// Webhook is the "webhook" executor. It calls HTTPS endpoints only.
type Webhook struct {
	client   *http.Client
	breakers *HostBreakers
	logger   *zap.Logger
}

// NewWebhook creates a webhook executor. A nil client selects a client with
// no overall timeout; per-request timeouts are enforced through the context.
// A nil breakers disables circuit breaking.
func NewWebhook(client *http.Client, breakers *HostBreakers, logger *zap.Logger) *Webhook {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{client: client, breakers: breakers, logger: logger}
}

// Kind implements Executor.
func (w *Webhook) Kind() string { return "webhook" }

// Execute implements Executor.
func (w *Webhook) Execute(ctx context.Context, req Request) Result {
	var cfg webhookConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return Failed(ErrorKindConfiguration, "webhook: decode config: %v", err)
	}

	target, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || !target.IsAbs() || target.Host == "" {
		return Failed(ErrorKindConfiguration, "webhook: url %q must be an absolute https URL", cfg.URL)
	}
	if !strings.EqualFold(target.Scheme, "https") {
		return Failed(ErrorKindConfiguration, "webhook: scheme %q is not allowed, only https", target.Scheme)
	}

	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = defaultWebhookMethod
	}

	tmpl := TemplateFor(req)
	body, contentType, err := renderBody(tmpl, cfg.Body)
	if err != nil {
		return Failed(ErrorKindConfiguration, "webhook: body: %v", err)
	}

	var breaker *CircuitBreaker
	if w.breakers != nil {
		breaker = w.breakers.For(target.Host)
		if !breaker.Allow() {
			return Failed(ErrorKindUnavailable, "webhook: circuit open for host %s", target.Host)
		}
	}

	timeout := ClampTimeout(cfg.TimeoutSeconds)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return Failed(ErrorKindConfiguration, "webhook: build request: %v", err)
	}
	httpReq.Header.Set("User-Agent", webhookUserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, tmpl.Render(v))
	}

	start := time.Now()
	resp, err := w.client.Do(httpReq)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		if isTimeout(ctx, err) {
			return Failed(ErrorKindTimeout, "webhook: %s %s timed out after %s", method, target.Host, timeout)
		}
		return Failed(ErrorKindTransport, "webhook: %s %s: %v", method, target.Host, err)
	}
	defer resp.Body.Close()

	limit := ClampResponseBytes(cfg.MaxResponseBytes)
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	truncated := len(raw) > limit
	if truncated {
		raw = raw[:limit]
	}

	if breaker != nil {
		if resp.StatusCode >= 500 {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}

	w.logger.Debug("webhook call finished",
		zap.String("instance_id", req.InstanceID),
		zap.String("node_id", req.NodeID),
		zap.String("host", target.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if readErr != nil {
		return Failed(ErrorKindTransport, "webhook: read response: %v", readErr)
	}

	output := map[string]any{
		"statusCode": resp.StatusCode,
		"body":       string(raw),
		"truncated":  truncated,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if !cfg.AllowNonSuccess {
			res := Failed(ErrorKindStatus, "webhook: %s %s returned %d", method, target.Host, resp.StatusCode)
			res.Output = output
			return res
		}
	}
	return Succeeded(output)
}

// renderBody returns the request body and its default content type. A JSON
// string is sent raw after token substitution; any other JSON value has its
// string leaves rendered and is re-encoded.
func renderBody(tmpl Template, raw json.RawMessage) ([]byte, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, "", nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, "", err
		}
		return []byte(tmpl.Render(s)), "text/plain; charset=utf-8", nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, "", err
	}
	out, err := json.Marshal(tmpl.RenderJSON(v))
	if err != nil {
		return nil, "", err
	}
	return out, "application/json", nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
