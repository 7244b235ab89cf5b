package external

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/ratelimit"
)

func runAPI(t *testing.T, b *HTTPAPIBlock, inputs map[string]any) map[string]any {
	t.Helper()
	out, err := b.Run(nil, inputs)
	require.NoError(t, err)
	return out
}

// flakyTransport fails the first n round trips at the transport level
// and then delegates to the real transport.
type flakyTransport struct {
	fails int
	calls int
	next  http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(r)
}

func TestHTTPCallReturnsParsedResponse(t *testing.T) {
	var got struct {
		method string
		query  url.Values
		ct     string
		auth   string
		body   []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.query = r.URL.Query()
		got.ct = r.Header.Get("Content-Type")
		got.auth = r.Header.Get("Authorization")
		got.body, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Request-Id", "abc")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"items":[1,2]}`))
	}))
	defer srv.Close()

	out := runAPI(t, &HTTPAPIBlock{}, map[string]any{
		"url":     srv.URL + "/v1/search",
		"method":  "post",
		"params":  map[string]any{"q": "audit", "page": 2},
		"headers": map[string]any{"Authorization": "Bearer sekret"},
		"body":    map[string]any{"a": 1},
	})

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "audit", got.query.Get("q"))
	assert.Equal(t, "2", got.query.Get("page"))
	assert.Equal(t, "application/json", got.ct)
	assert.Equal(t, "Bearer sekret", got.auth)
	assert.JSONEq(t, `{"a":1}`, string(got.body))

	assert.Equal(t, 200, out["status"])
	assert.Equal(t, map[string]any{"ok": true, "items": []any{1.0, 2.0}}, out["response_json"])
	assert.Equal(t, `{"ok":true,"items":[1,2]}`, out["response_text"])
	headers, ok := out["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", headers["X-Request-Id"])
	summary, ok := out["summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, summary["ok"])
	assert.GreaterOrEqual(t, summary["elapsed_ms"].(int), 0)
}

func TestHTTPCallNonOKStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	out := runAPI(t, &HTTPAPIBlock{}, map[string]any{"url": srv.URL})
	assert.Equal(t, 404, out["status"])
	assert.Nil(t, out["response_json"])
	assert.Equal(t, "missing\n", out["response_text"])
	assert.Equal(t, false, out["summary"].(map[string]any)["ok"])
}

func TestHTTPCallStringBodyPassedRaw(t *testing.T) {
	var ct string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	runAPI(t, &HTTPAPIBlock{}, map[string]any{
		"url":    srv.URL,
		"method": "PUT",
		"body":   "k=v&x=1",
	})
	assert.Equal(t, "", ct)
	assert.Equal(t, "k=v&x=1", string(body))
}

func TestHTTPCallRetriesTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"recovered":true}`))
	}))
	defer srv.Close()

	tr := &flakyTransport{fails: 2, next: http.DefaultTransport}
	b := &HTTPAPIBlock{Client: &http.Client{Transport: tr}}
	out := runAPI(t, b, map[string]any{
		"url":   srv.URL,
		"retry": map[string]any{"max_retries": 2, "backoff_ms": 1},
	})

	assert.Equal(t, 3, tr.calls)
	assert.Equal(t, 200, out["status"])
}

func TestHTTPCallExhaustedRetriesClassifyAsAPIError(t *testing.T) {
	tr := &flakyTransport{fails: 1 << 30}
	b := &HTTPAPIBlock{Client: &http.Client{Transport: tr}}
	_, err := b.Run(nil, map[string]any{
		"url":   "http://upstream.invalid/ping",
		"retry": map[string]any{"max_retries": 1, "backoff_ms": 1},
	})

	require.Error(t, err)
	assert.Equal(t, blockerr.CodeExternalAPIError, blockerr.CodeOf(err))
	assert.Equal(t, 2, tr.calls)
}

func TestHTTPCallTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(250 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := (&HTTPAPIBlock{}).Run(nil, map[string]any{
		"url":         srv.URL,
		"timeout_sec": 0.05,
	})

	require.Error(t, err)
	assert.Equal(t, blockerr.CodeExternalTimeout, blockerr.CodeOf(err))
}

func TestHTTPCallRequiresURL(t *testing.T) {
	_, err := (&HTTPAPIBlock{}).Run(nil, map[string]any{"method": "GET"})
	require.Error(t, err)
	assert.Equal(t, blockerr.CodeInputRequiredMissing, blockerr.CodeOf(err))
}

func TestHTTPCallBreakerShortCircuits(t *testing.T) {
	tr := &flakyTransport{fails: 1 << 30}
	b := &HTTPAPIBlock{
		Client: &http.Client{Transport: tr},
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "test-breaker",
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 1
			},
		}),
	}
	inputs := map[string]any{"url": "http://upstream.invalid/ping"}

	_, err := b.Run(nil, inputs)
	require.Error(t, err)
	require.Equal(t, 1, tr.calls)

	// The breaker is open now; the transport must not be touched again.
	_, err = b.Run(nil, inputs)
	require.Error(t, err)
	assert.Equal(t, blockerr.CodeExternalAPIError, blockerr.CodeOf(err))
	assert.Equal(t, 1, tr.calls)
}

func TestHTTPCallLimiterRefusal(t *testing.T) {
	b := &HTTPAPIBlock{Limiter: ratelimit.NewTokenBucket(0, 0)}
	_, err := b.Run(nil, map[string]any{"url": "http://upstream.invalid/ping"})
	require.Error(t, err)
	assert.Equal(t, blockerr.CodeExternalRateLimit, blockerr.CodeOf(err))
}
