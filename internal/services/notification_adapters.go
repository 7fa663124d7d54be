package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/pkg/logger"
)

// chatAdapter knows the payload format and signing rules of one chat platform.
type chatAdapter interface {
	Send(ctx context.Context, hook *config.WebhookConfig, text string, msg *NotificationMessage) error
}

// getAdapter returns the adapter for a webhook type; unknown types post a generic JSON body.
func getAdapter(hookType string) chatAdapter {
	switch hookType {
	case "wechat_work":
		return &wecomAdapter{}
	case "dingtalk":
		return &dingtalkAdapter{}
	case "feishu":
		return &feishuAdapter{}
	case "slack":
		return &slackAdapter{}
	case "discord":
		return &discordAdapter{}
	case "teams":
		return &teamsAdapter{}
	case "telegram":
		return &telegramAdapter{}
	default:
		return &genericAdapter{}
	}
}

// WebhookChannel posts failure notifications to a chat webhook.
type WebhookChannel struct {
	hook    *config.WebhookConfig
	adapter chatAdapter
}

func NewWebhookChannel(hook *config.WebhookConfig) *WebhookChannel {
	return &WebhookChannel{hook: hook, adapter: getAdapter(hook.Type)}
}

func (c *WebhookChannel) Name() string {
	if c.hook.Name != "" {
		return "webhook:" + c.hook.Name
	}
	return "webhook:" + c.hook.Type
}

func (c *WebhookChannel) Send(ctx context.Context, msg *NotificationMessage) error {
	return c.adapter.Send(ctx, c.hook, buildMessage(msg), msg)
}

// PushChannel posts failure notifications to a push gateway with a bearer token.
type PushChannel struct {
	cfg *config.PushConfig
}

func NewPushChannel(cfg *config.PushConfig) *PushChannel {
	return &PushChannel{cfg: cfg}
}

func (c *PushChannel) Name() string { return "push" }

func (c *PushChannel) Send(ctx context.Context, msg *NotificationMessage) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("push gateway url is not configured")
	}
	payload := map[string]interface{}{
		"topic": c.cfg.Topic,
		"title": msg.Title(),
		"body":  firstLine(msg.ErrorMessage),
		"data":  msg,
	}
	headers := map[string]string{}
	if c.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + c.cfg.Token
	}
	return postJSON(ctx, notificationHTTPClient, c.cfg.URL, headers, payload)
}

// --- Helper functions shared by adapters ---

var notificationHTTPClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, client *http.Client, webhookURL string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	logger.Debug().Str("url", webhookURL).Int("bytes", len(body)).Msg("[Notification] POST")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var parts []string
	remaining := msg

	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			parts = append(parts, remaining)
			break
		}

		chunk := remaining[:maxLen]
		breakPoint := maxLen

		// prefer breaking on a line boundary in the second half of the chunk
		for i := len(chunk) - 1; i > maxLen/2; i-- {
			if chunk[i] == '\n' {
				breakPoint = i + 1
				break
			}
		}

		// never cut inside a multi-byte rune
		for breakPoint > 0 && !utf8.RuneStart(remaining[breakPoint]) {
			breakPoint--
		}
		if breakPoint == 0 {
			breakPoint = maxLen
		}

		parts = append(parts, remaining[:breakPoint])
		remaining = remaining[breakPoint:]
	}

	return parts
}

func kindEmoji(kind FailureKind) string {
	switch kind {
	case FailureRetryable:
		return "🟡"
	case FailureNonCritical:
		return "🔵"
	case FailureFatal:
		return "🔴"
	}
	return "⚪"
}

func buildMessage(n *NotificationMessage) string {
	return fmt.Sprintf(`%s **Batch Job Failed**

**Job**: %s
**Execution**: #%d
**Step**: %s
**Kind**: %s
**Parameters**: %s
**Occurred**: %s

**Error**
%s

**Action**: %s`, kindEmoji(n.FailureKind), n.JobName, n.JobExecutionID, n.StepName, n.FailureKind,
		n.Parameters, n.OccurredAt.Format("2006-01-02 15:04:05"), n.ErrorMessage, n.ActionGuide)
}

func dingTalkSign(timestamp int64, secret string) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, secret)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func feishuSign(timestamp int64, secret string) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, secret)
	h := hmac.New(sha256.New, []byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func dingTalkWebhookURL(webhook, secret string) string {
	if secret == "" {
		return webhook
	}
	timestamp := time.Now().UnixMilli()
	sign := dingTalkSign(timestamp, secret)
	return fmt.Sprintf("%s&timestamp=%d&sign=%s", webhook, timestamp, url.QueryEscape(sign))
}

// --- Adapter implementations ---

// wecomAdapter handles WeCom (Enterprise WeChat) bots
type wecomAdapter struct{}

func (a *wecomAdapter) Send(ctx context.Context, hook *config.WebhookConfig, text string, msg *NotificationMessage) error {
	parts := splitMessage(text, 4000)
	for i, part := range parts {
		content := part
		if len(parts) > 1 {
			content = fmt.Sprintf("**[%d/%d]**\n\n%s", i+1, len(parts), part)
		}
		payload := map[string]interface{}{
			"msgtype": "markdown_v2",
			"markdown_v2": map[string]string{
				"content": content,
			},
		}
		if err := postJSON(ctx, notificationHTTPClient, hook.URL, nil, payload); err != nil {
			return err
		}
	}
	return nil
}

// dingtalkAdapter handles DingTalk bots
type dingtalkAdapter struct{}

func (a *dingtalkAdapter) Send(ctx context.Context, hook *config.WebhookConfig, text string, msg *NotificationMessage) error {
	webhookURL := dingTalkWebhookURL(hook.URL, hook.Secret)
	parts := splitMessage(text, 19000)
	for i, part := range parts {
		title := "Batch failure: " + msg.JobName
		if len(parts) > 1 {
			title = fmt.Sprintf("%s [%d/%d]", title, i+1, len(parts))
		}
		payload := map[string]interface{}{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"title": title,
				"text":  part,
			},
		}
		if err := postJSON(ctx, notificationHTTPClient, webhookURL, nil, payload); err != nil {
			return err
		}
	}
	return nil
}

// feishuAdapter handles Feishu (Lark) bots
type feishuAdapter struct{}

func (a *feishuAdapter) Send(ctx context.Context, hook *config.WebhookConfig, text string, msg *NotificationMessage) error {
	parts := splitMessage(text, 4000)
	for i, part := range parts {
		content := part
		if len(parts) > 1 {
			content = fmt.Sprintf("[%d/%d]\n\n%s", i+1, len(parts), part)
		}
		payload := map[string]interface{}{
			"msg_type": "text",
			"content": map[string]string{
				"text": content,
			},
		}
		if hook.Secret != "" {
			timestamp := time.Now().Unix()
			payload["timestamp"] = fmt.Sprintf("%d", timestamp)
			payload["sign"] = feishuSign(timestamp, hook.Secret)
		}
		if err := postJSON(ctx, notificationHTTPClient, hook.URL, nil, payload); err != nil {
			return err
		}
	}
	return nil
}

// slackAdapter handles Slack incoming webhooks
type slackAdapter struct{}

func (a *slackAdapter) Send(ctx context.Context, hook *config.WebhookConfig, text string, msg *NotificationMessage) error {
	header := fmt.Sprintf("%s *Batch job failed*: %s #%d\n*Step*: %s\n*Kind*: %s",
		slackEmoji(msg.FailureKind), msg.JobName, msg.JobExecutionID, msg.StepName, msg.FailureKind)

	detail := fmt.Sprintf("*Parameters*: %s\n*Error*:\n```%s```\n*Action*: %s",
		msg.Parameters, msg.ErrorMessage, msg.ActionGuide)

	parts := splitMessage(detail, 3000)
	for i, part := range parts {
		title := header
		if i > 0 {
			title = fmt.Sprintf("*Batch job failed [%d/%d]*", i+1, len(parts))
		}
		payload := map[string]interface{}{
			"text": title,
			"blocks": []map[string]interface{}{
				{
					"type": "section",
					"text": map[string]string{"type": "mrkdwn", "text": title},
				},
				{
					"type": "section",
					"text": map[string]string{"type": "mrkdwn", "text": part},
				},
			},
		}
		if err := postJSON(ctx, notificationHTTPClient, hook.URL, nil, payload); err != nil {
			return err
		}
	}
	return nil
}

func slackEmoji(kind FailureKind) string {
	switch kind {
	case FailureRetryable:
		return ":large_yellow_circle:"
	case FailureNonCritical:
		return ":large_blue_circle:"
	}
	return ":red_circle:"
}

// discordAdapter handles Discord webhooks
type discordAdapter struct{}

func (a *discordAdapter) Send(ctx context.Context, hook *config.WebhookConfig, text string, msg *NotificationMessage) error {
	// discord rejects content over 2000 characters
	for _, part := range splitMessage(text, 2000) {
		if err := postJSON(ctx, notificationHTTPClient, hook.URL, nil, map[string]interface{}{"content": part}); err != nil {
			return err
		}
	}
	return nil
}

// teamsAdapter handles Microsoft Teams workflow webhooks
type teamsAdapter struct{}

func buildAdaptiveCard(text string) map[string]interface{} {
	return map[string]interface{}{
		"type": "message",
		"attachments": []map[string]interface{}{
			{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content": map[string]interface{}{
					"type":    "AdaptiveCard",
					"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
					"version": "1.5",
					"body": []map[string]interface{}{
						{
							"type": "TextBlock",
							"text": text,
							"wrap": true,
						},
					},
				},
			},
		},
	}
}

func (a *teamsAdapter) Send(ctx context.Context, hook *config.WebhookConfig, text string, msg *NotificationMessage) error {
	return postJSON(ctx, notificationHTTPClient, hook.URL, nil, buildAdaptiveCard(text))
}

// telegramAdapter handles Telegram bots; the chat id comes from extra.chat_id
type telegramAdapter struct{}

func (a *telegramAdapter) Send(ctx context.Context, hook *config.WebhookConfig, text string, msg *NotificationMessage) error {
	chatID := hook.Extra["chat_id"]
	if chatID == "" {
		return fmt.Errorf("telegram chat_id is required in extra")
	}
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	return postJSON(ctx, notificationHTTPClient, hook.URL, nil, payload)
}

// genericAdapter posts the message fields as JSON
type genericAdapter struct{}

func (a *genericAdapter) Send(ctx context.Context, hook *config.WebhookConfig, text string, msg *NotificationMessage) error {
	payload := map[string]interface{}{
		"type":    "batch_failure",
		"message": msg,
		"text":    text,
	}
	var headers map[string]string
	if hook.Secret != "" {
		headers = map[string]string{"Authorization": "Bearer " + hook.Secret}
	}
	return postJSON(ctx, notificationHTTPClient, hook.URL, headers, payload)
}
