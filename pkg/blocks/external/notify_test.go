package external

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

type webhookCapture struct {
	method string
	ct     string
	body   []byte
}

func newWebhookServer(t *testing.T, status int, reply string) (*httptest.Server, *webhookCapture) {
	t.Helper()
	c := &webhookCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method = r.Method
		c.ct = r.Header.Get("Content-Type")
		c.body, _ = io.ReadAll(r.Body)
		if status != 0 {
			w.WriteHeader(status)
		}
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func runNotify(t *testing.T, inputs map[string]any) map[string]any {
	t.Helper()
	out, err := NewNotifyBlock().Run(nil, inputs)
	require.NoError(t, err)
	return out
}

func decodeBody(t *testing.T, c *webhookCapture) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(c.body, &payload))
	return payload
}

func TestNotifySlackPostsWebhook(t *testing.T) {
	srv, c := newWebhookServer(t, 0, "ok")
	t.Setenv("SLACK_WEBHOOK_URL", srv.URL)

	out := runNotify(t, map[string]any{
		"provider": "slack",
		"title":    "Control failed",
		"message":  "3 exceptions in the AP run",
	})

	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "application/json", c.ct)
	assert.Equal(t, "Control failed\n3 exceptions in the AP run", decodeBody(t, c)["text"])
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, map[string]any{"status": 200, "text": "ok"}, out["response"])
}

func TestNotifySlackCustomWebhookKey(t *testing.T) {
	srv, c := newWebhookServer(t, 0, "ok")
	t.Setenv("AUDIT_SLACK_HOOK", srv.URL)

	out := runNotify(t, map[string]any{
		"provider": "slack",
		"message":  "no title here",
		"target":   map[string]any{"webhook_key": "AUDIT_SLACK_HOOK"},
	})

	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "no title here", decodeBody(t, c)["text"])
}

func TestNotifySlackMissingURL(t *testing.T) {
	t.Setenv("SLACK_WEBHOOK_URL", "")

	_, err := NewNotifyBlock().Run(nil, map[string]any{
		"provider": "slack",
		"message":  "undeliverable",
	})

	require.Error(t, err)
	assert.Equal(t, blockerr.CodeConfigMissing, blockerr.CodeOf(err))
	assert.Contains(t, err.Error(), "Slack webhook URL")
}

func TestNotifySlackServerRejection(t *testing.T) {
	srv, _ := newWebhookServer(t, http.StatusNotFound, "no_service")
	t.Setenv("SLACK_WEBHOOK_URL", srv.URL)

	out := runNotify(t, map[string]any{"provider": "slack", "message": "hi"})

	assert.Equal(t, false, out["ok"])
	resp := out["response"].(map[string]any)
	assert.Equal(t, 404, resp["status"])
	assert.Equal(t, "404 Not Found", resp["text"])
}

func TestNotifyTeamsPayload(t *testing.T) {
	srv, c := newWebhookServer(t, 0, "1")
	t.Setenv("TEAMS_WEBHOOK_URL", srv.URL)

	out := runNotify(t, map[string]any{
		"provider": "teams",
		"title":    "Review due",
		"message":  "Q3 walkthrough",
	})

	assert.Equal(t, "Review due\nQ3 walkthrough", decodeBody(t, c)["text"])
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, map[string]any{"status": 200, "text": "1"}, out["response"])
}

func TestNotifyEmailPayload(t *testing.T) {
	srv, c := newWebhookServer(t, 0, "queued")
	t.Setenv("EMAIL_WEBHOOK_URL", srv.URL)

	runNotify(t, map[string]any{
		"provider":    "email",
		"title":       "Quarterly review",
		"message":     "Evidence pack attached",
		"target":      map[string]any{"to": []any{"audit@example.com"}},
		"attachments": []any{"report.pdf"},
	})

	payload := decodeBody(t, c)
	assert.Equal(t, "Quarterly review", payload["title"])
	assert.Equal(t, "Evidence pack attached", payload["message"])
	assert.Equal(t, []any{"audit@example.com"}, payload["to"])
	assert.Equal(t, []any{"report.pdf"}, payload["attachments"])
}

func TestNotifyEmailMissingURL(t *testing.T) {
	t.Setenv("EMAIL_WEBHOOK_URL", "")

	_, err := NewNotifyBlock().Run(nil, map[string]any{
		"provider": "email",
		"message":  "undeliverable",
	})

	require.Error(t, err)
	assert.Equal(t, blockerr.CodeConfigMissing, blockerr.CodeOf(err))
	assert.Contains(t, err.Error(), "EMAIL_WEBHOOK_URL")
}

func TestNotifyWebhookPrefersTargetURL(t *testing.T) {
	srv, c := newWebhookServer(t, 0, "accepted")
	t.Setenv("WEBHOOK_URL", "http://127.0.0.1:1/unused")

	out := runNotify(t, map[string]any{
		"provider": "webhook",
		"title":    "Exception digest",
		"message":  "5 open items",
		"target":   map[string]any{"url": srv.URL},
		"options":  map[string]any{"channel": "#audit"},
	})

	payload := decodeBody(t, c)
	assert.Equal(t, "Exception digest", payload["title"])
	assert.Equal(t, "5 open items", payload["message"])
	assert.Equal(t, map[string]any{"channel": "#audit"}, payload["options"])
	assert.Equal(t, true, out["ok"])
}

func TestNotifyUnknownProviderFallsBackToWebhook(t *testing.T) {
	srv, c := newWebhookServer(t, 0, "accepted")
	t.Setenv("WEBHOOK_URL", srv.URL)

	out := runNotify(t, map[string]any{
		"provider": "pagerduty",
		"message":  "relayed anyway",
	})

	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "relayed anyway", decodeBody(t, c)["message"])
}

func TestNotifyWebhookMissingURL(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "")

	_, err := NewNotifyBlock().Run(nil, map[string]any{"message": "nowhere to go"})

	require.Error(t, err)
	assert.Equal(t, blockerr.CodeConfigMissing, blockerr.CodeOf(err))
}

func TestNotifyTransportFailure(t *testing.T) {
	_, err := NewNotifyBlock().Run(nil, map[string]any{
		"provider": "webhook",
		"message":  "hi",
		"target":   map[string]any{"url": "http://127.0.0.1:1/down"},
	})

	require.Error(t, err)
	assert.Equal(t, blockerr.CodeExternalAPIError, blockerr.CodeOf(err))
}
