package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"remindflow/internal/channel"
)

func TestSendWithoutConfig(t *testing.T) {
	err := New().Send(context.Background(), channel.Message{Text: "x"}, channel.Config{Kind: channel.KindTelegram})
	require.True(t, channel.IsPermanent(err))
	require.ErrorIs(t, err, channel.ErrNotConfigured)
}

func TestClassify(t *testing.T) {
	require.Nil(t, classify(nil))
	require.True(t, channel.IsPermanent(classify(&tele.Error{Code: 403, Description: "bot was blocked by the user"})))
	require.False(t, channel.IsPermanent(classify(&tele.Error{Code: 502, Description: "bad gateway"})))
	require.False(t, channel.IsPermanent(classify(errors.New("dial tcp: timeout"))))
}

func TestClip(t *testing.T) {
	require.Equal(t, "short", clip("short", 10))

	long := strings.Repeat("提醒", 3000)
	clipped := clip(long, textLimit)
	require.Equal(t, textLimit, utf8.RuneCountInString(clipped))
	require.True(t, strings.HasSuffix(clipped, "…"))
}
