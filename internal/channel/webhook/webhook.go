// Package webhook posts notifications to HTTP endpoints: generic JSON
// receivers and the WeCom and Lark group robots.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"remindflow/internal/channel"
)

const SignatureHeader = "X-Remindflow-Signature"

const defaultTimeout = 10 * time.Second

type Sender struct {
	client *http.Client
}

func New(client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{client: client}
}

func (s *Sender) Kind() channel.Kind { return channel.KindWebhook }

func (s *Sender) Send(ctx context.Context, msg channel.Message, cfg channel.Config) error {
	wc := cfg.Webhook
	if wc == nil || wc.URL == "" {
		return channel.Permanent(channel.ErrNotConfigured)
	}

	body, err := json.Marshal(buildPayload(msg, wc))
	if err != nil {
		return channel.Permanent(fmt.Errorf("encoding webhook body: %w", err))
	}

	timeout := wc.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.URL, bytes.NewReader(body))
	if err != nil {
		return channel.Permanent(fmt.Errorf("failed to create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "remindflow")
	for key, value := range wc.Headers {
		req.Header.Set(key, value)
	}
	if wc.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(wc.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	switch wc.Format {
	case channel.FormatWeCom:
		return checkRobotReply(respBody, "errcode", "errmsg")
	case channel.FormatLark:
		return checkRobotReply(respBody, "code", "msg")
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("HTTP %d error: %s", code, truncate(string(body), 200))
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return err
	default:
		return channel.Permanent(err)
	}
}

// Robot error codes that mean "try again later".
var transientRobotCodes = map[int]bool{
	-1:    true, // system busy
	45009: true, // api freq out of limit
	11232: true, // lark frequency limited
}

func checkRobotReply(body []byte, codeKey, msgKey string) error {
	var reply map[string]any
	if err := json.Unmarshal(body, &reply); err != nil {
		return channel.Permanent(fmt.Errorf("unexpected robot reply: %s", truncate(string(body), 200)))
	}
	raw, ok := reply[codeKey].(float64)
	if !ok {
		return channel.Permanent(fmt.Errorf("robot reply has no %s", codeKey))
	}
	code := int(raw)
	if code == 0 {
		return nil
	}
	err := fmt.Errorf("robot error %d: %v", code, reply[msgKey])
	if transientRobotCodes[code] {
		return err
	}
	return channel.Permanent(err)
}

func buildPayload(msg channel.Message, wc *channel.WebhookConfig) any {
	switch wc.Format {
	case channel.FormatWeCom:
		if wc.UseMarkdown() && msg.Markdown != "" {
			return map[string]any{
				"msgtype":  "markdown",
				"markdown": map[string]any{"content": msg.Markdown},
			}
		}
		text := map[string]any{"content": joinTitle(msg.Subject, msg.Text)}
		if len(wc.Mentioned) > 0 {
			text["mentioned_list"] = wc.Mentioned
		}
		if len(wc.MentionedMobiles) > 0 {
			text["mentioned_mobile_list"] = wc.MentionedMobiles
		}
		return map[string]any{"msgtype": "text", "text": text}
	case channel.FormatLark:
		return map[string]any{
			"msg_type": "text",
			"content":  map[string]any{"text": joinTitle(msg.Subject, msg.Text)},
		}
	}
	return map[string]any{
		"task_id":  msg.TaskID,
		"title":    msg.Subject,
		"text":     msg.Text,
		"markdown": msg.Markdown,
		"fired_at": msg.FiredAt.UTC().Format(time.RFC3339),
	}
}

func joinTitle(title, content string) string {
	if title == "" {
		return content
	}
	return title + "\n\n" + content
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
