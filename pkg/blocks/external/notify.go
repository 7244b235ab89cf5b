package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

const notifyTimeout = 15 * time.Second

// NotifyBlock posts a notification through one of four providers:
// slack, teams, email, or a generic webhook. Unknown providers fall
// through to the generic webhook so custom relays keep working.
//
// Each provider resolves its endpoint from the environment first
// (target.webhook_key names the variable, with a per-provider default)
// and from target.url second; the generic webhook prefers an explicit
// target.url. A missing endpoint is a configuration error, not a
// delivery failure.
type NotifyBlock struct {
	Client *http.Client
}

func NewNotifyBlock() *NotifyBlock {
	return &NotifyBlock{Client: &http.Client{Timeout: notifyTimeout}}
}

func (b *NotifyBlock) ID() string      { return "notifier.notify" }
func (b *NotifyBlock) Version() string { return "1.0.0" }

func (b *NotifyBlock) Run(ctx *block.Context, inputs map[string]any) (map[string]any, error) {
	provider, err := block.StringOr(inputs, "provider", "webhook")
	if err != nil {
		return nil, err
	}
	provider = strings.ToLower(provider)
	target, err := block.MapOr(inputs, "target")
	if err != nil {
		return nil, err
	}
	title := coerce(inputs["title"])
	message := coerce(inputs["message"])
	attachments, err := block.SliceOr(inputs, "attachments")
	if err != nil {
		return nil, err
	}

	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: notifyTimeout}
	}

	switch provider {
	case "slack":
		return postSlack(ctx.Ctx(), client, target, title, message)
	case "teams":
		url := envThenTarget(target, "TEAMS_WEBHOOK_URL")
		if url == "" {
			return nil, blockerr.New(blockerr.CodeConfigMissing, "Teams webhook URL not provided")
		}
		return postJSON(ctx.Ctx(), client, url, map[string]any{"text": titled(title, message)})
	case "email":
		url := os.Getenv("EMAIL_WEBHOOK_URL")
		if url == "" {
			url = strings.TrimSpace(strOf(target["url"]))
		}
		if url == "" {
			return nil, blockerr.New(blockerr.CodeConfigMissing, "EMAIL_WEBHOOK_URL not configured")
		}
		return postJSON(ctx.Ctx(), client, url, map[string]any{
			"title":       title,
			"message":     message,
			"to":          target["to"],
			"attachments": attachments,
		})
	default:
		url := strings.TrimSpace(strOf(target["url"]))
		if url == "" {
			key := coerce(target["webhook_key"])
			if key == "" {
				key = "WEBHOOK_URL"
			}
			url = os.Getenv(key)
		}
		if url == "" {
			return nil, blockerr.New(blockerr.CodeConfigMissing, "webhook URL not provided")
		}
		options, err := block.MapOr(inputs, "options")
		if err != nil {
			return nil, err
		}
		return postJSON(ctx.Ctx(), client, url, map[string]any{
			"title":       title,
			"message":     message,
			"attachments": attachments,
			"options":     options,
		})
	}
}

func postSlack(ctx context.Context, client *http.Client, target map[string]any, title, message string) (map[string]any, error) {
	url := envThenTarget(target, "SLACK_WEBHOOK_URL")
	if url == "" {
		return nil, blockerr.New(blockerr.CodeConfigMissing, "Slack webhook URL not provided")
	}
	msg := &slack.WebhookMessage{Text: titled(title, message)}
	if err := slack.PostWebhookCustomHTTPContext(ctx, url, client, msg); err != nil {
		var sce slack.StatusCodeError
		if errors.As(err, &sce) {
			return notifyResult(false, sce.Code, sce.Status), nil
		}
		return nil, blockerr.Newf(blockerr.CodeExternalAPIError, "slack webhook post failed: %v", err)
	}
	return notifyResult(true, http.StatusOK, "ok"), nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, blockerr.Newf(blockerr.CodeInputValidationFailed, "notification payload not serializable: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, blockerr.Newf(blockerr.CodeInputValidationFailed, "invalid webhook URL %q: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, blockerr.Newf(blockerr.CodeExternalAPIError, "webhook post failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return notifyResult(resp.StatusCode < 400, resp.StatusCode, string(body)), nil
}

// envThenTarget resolves a webhook URL: the environment variable named
// by target.webhook_key (or the provider default) wins over target.url.
func envThenTarget(target map[string]any, defaultKey string) string {
	key := coerce(target["webhook_key"])
	if key == "" {
		key = defaultKey
	}
	if url := os.Getenv(key); url != "" {
		return url
	}
	return strings.TrimSpace(strOf(target["url"]))
}

func titled(title, message string) string {
	if title == "" {
		return message
	}
	return title + "\n" + message
}

func notifyResult(ok bool, status int, text string) map[string]any {
	return map[string]any{
		"ok": ok,
		"response": map[string]any{
			"status": status,
			"text":   text,
		},
	}
}
