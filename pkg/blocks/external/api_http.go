package external

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

	"github.com/sony/gobreaker"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/ratelimit"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPAPIBlock performs a single outbound HTTP call with optional
// retries. A non-2xx status is a result, not an error; only transport
// failures are retried and classified. The breaker and limiter guard
// the upstream across runs and may be shared between block instances.
type HTTPAPIBlock struct {
	// Client carries no timeout of its own; the timeout_sec input is
	// applied per attempt through the request context.
	Client  *http.Client
	Breaker *gobreaker.CircuitBreaker
	Limiter ratelimit.Limiter
}

// NewHTTPAPIBlock wires the default breaker and limiter. The breaker
// trips after five consecutive transport failures and probes again
// after thirty seconds.
func NewHTTPAPIBlock() *HTTPAPIBlock {
	return &HTTPAPIBlock{
		Client: &http.Client{},
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "external.api_http",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		Limiter: ratelimit.NewTokenBucket(20, 40),
	}
}

func (b *HTTPAPIBlock) ID() string      { return "external.api_http" }
func (b *HTTPAPIBlock) Version() string { return "1.0.0" }

func (b *HTTPAPIBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	rawURL := strings.TrimSpace(strOf(inputs["url"]))
	if rawURL == "" {
		return nil, blockerr.New(blockerr.CodeInputRequiredMissing, "url is required").
			WithDetail("field", "url")
	}
	method, err := block.StringOr(inputs, "method", http.MethodGet)
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(method)
	headers, err := block.MapOr(inputs, "headers")
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(floatFrom(inputs, "timeout_sec", defaultHTTPTimeout.Seconds()) * float64(time.Second))
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	retry, err := block.MapOr(inputs, "retry")
	if err != nil {
		return nil, err
	}
	maxRetries := intFrom(retry, "max_retries", 0)
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := time.Duration(intFrom(retry, "backoff_ms", 200)) * time.Millisecond

	params, err := block.MapOr(inputs, "params")
	if err != nil {
		return nil, err
	}
	target, err := withParams(rawURL, params)
	if err != nil {
		return nil, blockerr.Newf(blockerr.CodeInputValidationFailed, "invalid url: %v", err).
			WithDetail("field", "url")
	}
	payload, contentType, err := encodeBody(inputs["body"])
	if err != nil {
		return nil, blockerr.Newf(blockerr.CodeInputValidationFailed, "body is not serializable: %v", err).
			WithDetail("field", "body")
	}

	client := b.Client
	if client == nil {
		client = &http.Client{}
	}

	runCtx := ctx.Ctx()
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(runCtx, backoff); err != nil {
				break
			}
		}
		out, err := b.attempt(runCtx, client, method, target, headers, payload, contentType, timeout)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}

	var be *blockerr.Error
	if errors.As(lastErr, &be) {
		return nil, be
	}
	if isTimeout(lastErr) {
		return nil, blockerr.Newf(blockerr.CodeExternalTimeout, "request to %s timed out after %s", target, timeout).
			WithDetail("url", target)
	}
	return nil, blockerr.Newf(blockerr.CodeExternalAPIError, "request to %s failed: %v", target, lastErr).
		WithDetail("url", target)
}

func (b *HTTPAPIBlock) attempt(ctx context.Context, client *http.Client, method, target string, headers map[string]any, payload []byte, contentType string, timeout time.Duration) (map[string]any, error) {
	if b.Limiter != nil {
		key := target
		if u, uerr := url.Parse(target); uerr == nil && u.Host != "" {
			key = u.Host
		}
		ok, err := b.Limiter.Allow(ctx, key)
		if err != nil {
			return nil, blockerr.Newf(blockerr.CodeExternalAPIError, "rate limiter failed: %v", err)
		}
		if !ok {
			return nil, blockerr.Newf(blockerr.CodeExternalRateLimit, "rate limit exceeded for %s", key)
		}
	}
	call := func() (any, error) {
		return b.send(ctx, client, method, target, headers, payload, contentType, timeout)
	}
	if b.Breaker != nil {
		out, err := b.Breaker.Execute(call)
		if err != nil {
			return nil, err
		}
		return out.(map[string]any), nil
	}
	out, err := call()
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (b *HTTPAPIBlock) send(parent context.Context, client *http.Client, method, target string, headers map[string]any, payload []byte, contentType string, timeout time.Duration) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, coerce(v))
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()

	var parsed any
	if json.Unmarshal(raw, &parsed) != nil {
		parsed = nil
	}
	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":        resp.StatusCode,
		"response_json": parsed,
		"response_text": string(raw),
		"headers":       respHeaders,
		"summary": map[string]any{
			"ok":         resp.StatusCode < 400,
			"elapsed_ms": int(elapsed),
		},
	}, nil
}

func withParams(raw string, params map[string]any) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, coerce(v))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// encodeBody maps objects and lists to JSON and passes strings and raw
// bytes through untouched.
func encodeBody(v any) ([]byte, string, error) {
	switch t := v.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return t, "", nil
	case string:
		return []byte(t), "", nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, "", err
		}
		return raw, "application/json", nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
