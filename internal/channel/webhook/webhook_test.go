package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"remindflow/internal/channel"
)

var msg = channel.Message{
	TaskID:   "tsk_1",
	Subject:  "Reminder",
	Text:     "stand up and stretch",
	Markdown: "### Reminder\n\nstand up and stretch",
	FiredAt:  time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
}

func hookConfig(url string, wc channel.WebhookConfig) channel.Config {
	wc.URL = url
	return channel.Config{Name: "hook", Kind: channel.KindWebhook, Enabled: true, Webhook: &wc}
}

func TestSendGenericSigned(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "yes", r.Header.Get("X-Extra"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := hookConfig(srv.URL, channel.WebhookConfig{Secret: "s3cret", Headers: map[string]string{"X-Extra": "yes"}})
	require.NoError(t, New(nil).Send(context.Background(), msg, cfg))

	require.True(t, Verify("s3cret", gotBody, gotSig))
	require.False(t, Verify("other", gotBody, gotSig))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, "tsk_1", payload["task_id"])
	require.Equal(t, "stand up and stretch", payload["text"])
	require.Equal(t, "2026-03-10T08:00:00Z", payload["fired_at"])
}

func TestSendWeCom(t *testing.T) {
	noMarkdown := false
	tests := []struct {
		name    string
		cfg     channel.WebhookConfig
		reply   string
		msgtype string
		wantErr bool
		perm    bool
	}{
		{"markdown ok", channel.WebhookConfig{Format: channel.FormatWeCom}, `{"errcode":0,"errmsg":"ok"}`, "markdown", false, false},
		{"text with mentions", channel.WebhookConfig{Format: channel.FormatWeCom, Markdown: &noMarkdown, Mentioned: []string{"@all"}}, `{"errcode":0}`, "text", false, false},
		{"rate limited", channel.WebhookConfig{Format: channel.FormatWeCom}, `{"errcode":45009,"errmsg":"api freq out of limit"}`, "markdown", true, false},
		{"bad key", channel.WebhookConfig{Format: channel.FormatWeCom}, `{"errcode":93000,"errmsg":"invalid webhook url"}`, "markdown", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&payload)
				_, _ = io.WriteString(w, tt.reply)
			}))
			defer srv.Close()

			err := New(nil).Send(context.Background(), msg, hookConfig(srv.URL, tt.cfg))
			require.Equal(t, tt.msgtype, payload["msgtype"])
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.perm, channel.IsPermanent(err))
		})
	}
}

func TestSendWeComTextPayload(t *testing.T) {
	var payload struct {
		Text struct {
			Content   string   `json:"content"`
			Mentioned []string `json:"mentioned_list"`
		} `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = io.WriteString(w, `{"errcode":0}`)
	}))
	defer srv.Close()

	off := false
	cfg := hookConfig(srv.URL, channel.WebhookConfig{Format: channel.FormatWeCom, Markdown: &off, Mentioned: []string{"zhangsan"}})
	require.NoError(t, New(nil).Send(context.Background(), msg, cfg))
	require.Equal(t, "Reminder\n\nstand up and stretch", payload.Text.Content)
	require.Equal(t, []string{"zhangsan"}, payload.Text.Mentioned)
}

func TestSendStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		perm   bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := New(nil).Send(context.Background(), msg, hookConfig(srv.URL, channel.WebhookConfig{}))
			require.Error(t, err)
			require.Equal(t, tt.perm, channel.IsPermanent(err))
		})
	}
}

func TestSendLark(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = io.WriteString(w, `{"code":0,"msg":"success"}`)
	}))
	defer srv.Close()

	require.NoError(t, New(nil).Send(context.Background(), msg, hookConfig(srv.URL, channel.WebhookConfig{Format: channel.FormatLark})))
	require.Equal(t, "text", payload["msg_type"])
}

func TestSendWithoutConfig(t *testing.T) {
	err := New(nil).Send(context.Background(), msg, channel.Config{Kind: channel.KindWebhook})
	require.True(t, channel.IsPermanent(err))
	require.ErrorIs(t, err, channel.ErrNotConfigured)
}
