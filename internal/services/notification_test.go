package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/config"
)

type fakeChannel struct {
	name  string
	err   error
	panic bool

	mu   sync.Mutex
	sent []*NotificationMessage
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, msg *NotificationMessage) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	if c.panic {
		panic("channel exploded")
	}
	return c.err
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestDispatcher_ChannelFailureIsIsolated(t *testing.T) {
	tests := []struct {
		name   string
		second *fakeChannel
	}{
		{"error", &fakeChannel{name: "second", err: errors.New("connection refused")}},
		{"panic", &fakeChannel{name: "second", panic: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := &fakeChannel{name: "first"}
			third := &fakeChannel{name: "third"}

			d := NewNotificationDispatcher()
			d.Register(first)
			d.Register(tt.second)
			d.Register(third)

			d.Dispatch(context.Background(), &NotificationMessage{JobName: "dailyStats", FailureKind: FailureFatal})

			if first.count() != 1 || tt.second.count() != 1 || third.count() != 1 {
				t.Errorf("sends = %d/%d/%d, expected 1/1/1", first.count(), tt.second.count(), third.count())
			}
		})
	}
}

func TestDispatcher_KindRouting(t *testing.T) {
	mail := &fakeChannel{name: "mail"}
	chat := &fakeChannel{name: "chat"}
	push := &fakeChannel{name: "push"}

	d := NewNotificationDispatcher()
	d.Register(mail)
	d.Register(chat, FailureRetryable, FailureFatal)
	d.Register(push, FailureFatal)

	for _, kind := range []FailureKind{FailureRetryable, FailureNonCritical, FailureFatal} {
		d.Dispatch(context.Background(), &NotificationMessage{FailureKind: kind})
	}

	if mail.count() != 3 {
		t.Errorf("mail sends = %d, expected 3", mail.count())
	}
	if chat.count() != 2 {
		t.Errorf("chat sends = %d, expected 2", chat.count())
	}
	if push.count() != 1 {
		t.Errorf("push sends = %d, expected 1", push.count())
	}
	if got := strings.Join(d.Channels(), ","); got != "mail,chat,push" {
		t.Errorf("Channels() = %s", got)
	}
}

func TestBuildNotificationMessage(t *testing.T) {
	end := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)

	failed := &batch.JobExecution{
		ID:         7,
		JobName:    "dailyStats",
		Parameters: batch.Parameters{"targetDate": "2024-02-29"},
		Status:     batch.StatusFailed,
		EndTime:    &end,
	}
	failed.Steps = []*batch.StepExecution{
		{StepName: "prepare", Status: batch.StatusCompleted},
		{StepName: "aggregate", Status: batch.StatusFailed},
	}
	failed.Steps[1].AddFailure(NonCritical("no activity in window", nil))

	msg := BuildNotificationMessage(failed)
	if msg.StepName != "aggregate" {
		t.Errorf("StepName = %q, expected aggregate", msg.StepName)
	}
	if msg.FailureKind != FailureNonCritical {
		t.Errorf("FailureKind = %s, expected NON_CRITICAL", msg.FailureKind)
	}
	if !strings.Contains(msg.ErrorMessage, "no activity in window") {
		t.Errorf("ErrorMessage = %q", msg.ErrorMessage)
	}
	if msg.Parameters != "{targetDate=2024-02-29}" || !msg.OccurredAt.Equal(end) {
		t.Errorf("message = %+v", msg)
	}
	if msg.ActionGuide != FailureNonCritical.ActionGuide() {
		t.Error("ActionGuide should follow the kind")
	}

	bare := BuildNotificationMessage(&batch.JobExecution{ID: 8, JobName: "x", Status: batch.StatusFailed})
	if bare.StepName != unknownStep || bare.ErrorMessage != unknownFailure || bare.FailureKind != FailureFatal {
		t.Errorf("fallbacks = %+v", bare)
	}
}

func TestFailureNotificationListener_OnlyFailedRuns(t *testing.T) {
	ch := &fakeChannel{name: "c"}
	d := NewNotificationDispatcher()
	d.Register(ch)
	l := NewFailureNotificationListener(d)

	l.AfterJob(context.Background(), &batch.JobExecution{Status: batch.StatusCompleted})
	l.AfterJob(context.Background(), &batch.JobExecution{Status: batch.StatusStopped})
	l.AfterJob(context.Background(), &batch.JobExecution{Status: batch.StatusFailed, JobName: "j"})

	if ch.count() != 1 {
		t.Errorf("sends = %d, expected 1", ch.count())
	}
}

func TestBuildMessage(t *testing.T) {
	msg := &NotificationMessage{
		JobName:        "weeklyStats",
		JobExecutionID: 42,
		StepName:       "aggregateWeekly",
		Parameters:     "{weekStart=2024-02-26}",
		ErrorMessage:   "query timeout",
		FailureKind:    FailureRetryable,
		ActionGuide:    FailureRetryable.ActionGuide(),
		OccurredAt:     time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC),
	}

	result := buildMessage(msg)
	for _, expected := range []string{"🟡", "weeklyStats", "#42", "aggregateWeekly", "RETRYABLE", "query timeout", "2024-03-04 02:00:00"} {
		if !strings.Contains(result, expected) {
			t.Errorf("buildMessage() should contain %q, got:\n%s", expected, result)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name          string
		msg           string
		maxLen        int
		expectedParts int
	}{
		{"short message no split", "short message", 100, 1},
		{"exact length no split", "12345", 5, 1},
		{"split into two parts", "1234567890", 5, 2},
		{"split at newline", "line1\nline2\nline3", 10, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := splitMessage(tt.msg, tt.maxLen)
			if len(parts) != tt.expectedParts {
				t.Errorf("splitMessage() returned %d parts, expected %d", len(parts), tt.expectedParts)
			}
			if strings.Join(parts, "") != tt.msg {
				t.Error("parts must reassemble into the original message")
			}
		})
	}
}

func TestSplitMessage_KeepsRunesWhole(t *testing.T) {
	msg := "targetDate=" + strings.Repeat("가", 10) // 3-byte runes

	parts := splitMessage(msg, 10)
	if strings.Join(parts, "") != msg {
		t.Fatal("parts must reassemble into the full message")
	}
	for i, p := range parts {
		if !utf8.ValidString(p) {
			t.Errorf("part %d = %q is not valid UTF-8", i, p)
		}
		if len(p) > 10 {
			t.Errorf("part %d has %d bytes, expected <= 10", i, len(p))
		}
	}
}

func TestSigning(t *testing.T) {
	ts := int64(1699999999999)

	if dingTalkSign(ts, "s1") != dingTalkSign(ts, "s1") || feishuSign(ts, "s1") != feishuSign(ts, "s1") {
		t.Error("signatures should be deterministic")
	}
	if dingTalkSign(ts, "s1") == dingTalkSign(ts, "s2") || feishuSign(ts, "s1") == feishuSign(ts, "s2") {
		t.Error("different secrets should produce different signatures")
	}
	if got := dingTalkWebhookURL("https://oapi.dingtalk.com/robot/send?access_token=x", ""); got != "https://oapi.dingtalk.com/robot/send?access_token=x" {
		t.Errorf("unsigned url changed: %s", got)
	}
	if got := dingTalkWebhookURL("https://oapi.dingtalk.com/robot/send?access_token=x", "sec"); !strings.Contains(got, "&sign=") {
		t.Errorf("signed url missing sign: %s", got)
	}
}

type capturedRequest struct {
	header http.Header
	body   map[string]interface{}
}

func captureServer(t *testing.T, status int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestWebhookChannel_Payloads(t *testing.T) {
	msg := &NotificationMessage{JobName: "dailyStats", JobExecutionID: 1, FailureKind: FailureFatal, ErrorMessage: "boom"}

	tests := []struct {
		hookType string
		extra    map[string]string
		key      string
	}{
		{"slack", nil, "blocks"},
		{"wechat_work", nil, "markdown_v2"},
		{"dingtalk", nil, "markdown"},
		{"feishu", nil, "msg_type"},
		{"discord", nil, "content"},
		{"teams", nil, "attachments"},
		{"telegram", map[string]string{"chat_id": "-100"}, "chat_id"},
		{"custom", nil, "message"},
	}

	for _, tt := range tests {
		t.Run(tt.hookType, func(t *testing.T) {
			srv, reqs := captureServer(t, http.StatusOK)
			ch := NewWebhookChannel(&config.WebhookConfig{Type: tt.hookType, URL: srv.URL + "/hook?x=1", Extra: tt.extra})

			if err := ch.Send(context.Background(), msg); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if len(*reqs) != 1 {
				t.Fatalf("requests = %d, expected 1", len(*reqs))
			}
			if _, ok := (*reqs)[0].body[tt.key]; !ok {
				t.Errorf("payload missing %q: %v", tt.key, (*reqs)[0].body)
			}
		})
	}
}

func TestWebhookChannel_Errors(t *testing.T) {
	msg := &NotificationMessage{JobName: "j"}

	srv, _ := captureServer(t, http.StatusInternalServerError)
	if err := NewWebhookChannel(&config.WebhookConfig{Type: "slack", URL: srv.URL}).Send(context.Background(), msg); err == nil {
		t.Error("5xx response should be an error")
	}

	ok, _ := captureServer(t, http.StatusOK)
	if err := NewWebhookChannel(&config.WebhookConfig{Type: "telegram", URL: ok.URL}).Send(context.Background(), msg); err == nil {
		t.Error("telegram without chat_id should be an error")
	}
}

func TestPushChannel_SendsBearerToken(t *testing.T) {
	srv, reqs := captureServer(t, http.StatusAccepted)
	ch := NewPushChannel(&config.PushConfig{URL: srv.URL, Token: "tok", Topic: "batch"})

	err := ch.Send(context.Background(), &NotificationMessage{JobName: "monthlyStats", JobExecutionID: 3, FailureKind: FailureFatal, ErrorMessage: "line one\nline two"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := (*reqs)[0]
	if got.header.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", got.header.Get("Authorization"))
	}
	if got.body["topic"] != "batch" || got.body["body"] != "line one" {
		t.Errorf("payload = %v", got.body)
	}

	if err := NewPushChannel(&config.PushConfig{}).Send(context.Background(), &NotificationMessage{}); err == nil {
		t.Error("missing url should be an error")
	}
}

func TestBuildNotificationDispatcher(t *testing.T) {
	cfg := config.DefaultConfig().Notification
	cfg.Mail.Enabled = true
	cfg.Mail.Host = "smtp.example.com"
	cfg.Webhooks = []config.WebhookConfig{{Name: "ops", Type: "slack", URL: "http://localhost"}}
	cfg.Push.Enabled = true

	d, err := BuildNotificationDispatcher(&cfg)
	if err != nil {
		t.Fatalf("BuildNotificationDispatcher() error = %v", err)
	}
	if got := strings.Join(d.Channels(), ","); got != "mail,webhook:ops,push" {
		t.Errorf("Channels() = %s", got)
	}
	if d.routes[0].accepts(FailureNonCritical) != true || d.routes[1].accepts(FailureNonCritical) || d.routes[2].accepts(FailureRetryable) {
		t.Error("default routing should be mail: all, chat: RETRYABLE+FATAL, push: FATAL")
	}

	cfg.Webhooks[0].Kinds = []string{"SEVERE"}
	if _, err := BuildNotificationDispatcher(&cfg); err == nil {
		t.Error("unknown kind should be rejected")
	}
}

func TestBuildEmailBody_EscapesContent(t *testing.T) {
	body := buildEmailBody(&NotificationMessage{JobName: "dailyStats", ErrorMessage: "<script>x</script>"})
	if strings.Contains(body, "<script>") {
		t.Error("error text must be escaped")
	}
	if !strings.Contains(body, "dailyStats") {
		t.Error("body should include the job name")
	}
}
