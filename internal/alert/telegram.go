package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// telegramIcons marks severity in the message header.
var telegramIcons = map[AlertLevel]string{
	AlertLevelInfo:     "ℹ️",
	AlertLevelWarning:  "⚠️",
	AlertLevelError:    "❌",
	AlertLevelCritical: "🚨",
}

// TelegramChannel sends alerts through the Bot API to a fixed chat.
type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	http     *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, ev Event) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	form := url.Values{
		"chat_id":    {t.chatID},
		"text":       {telegramText(ev)},
		"parse_mode": {"Markdown"},
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			// url.Error echoes the full URL, which embeds the bot token.
			return fmt.Errorf("telegram sendMessage: %w", uerr.Err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, detail)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func telegramText(ev Event) string {
	icon, ok := telegramIcons[ev.Level]
	if !ok {
		icon = telegramIcons[AlertLevelInfo]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", icon, ev.Level, ev.Title, ev.Message)
	if len(ev.Fields) > 0 {
		b.WriteString("\n")
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, ev.Fields[k])
		}
	}
	return b.String()
}
