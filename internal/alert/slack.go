package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"
)

// slackColors maps severity to the attachment bar color.
var slackColors = map[AlertLevel]string{
	AlertLevelInfo:     "#36a64f",
	AlertLevelWarning:  "#ffcc00",
	AlertLevelError:    "#ff0000",
	AlertLevelCritical: "#8b0000",
}

// SlackChannel posts alerts to an incoming-webhook URL.
type SlackChannel struct {
	webhookURL string
	http       *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, ev Event) error {
	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"attachments": []map[string]interface{}{slackAttachment(ev)},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack webhook: status %d: %s", resp.StatusCode, detail)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// slackAttachment renders the event in Slack's attachment format.
// Fields are sorted so repeated alerts render identically.
func slackAttachment(ev Event) map[string]interface{} {
	color, ok := slackColors[ev.Level]
	if !ok {
		color = slackColors[AlertLevelInfo]
	}

	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	fields := make([]map[string]interface{}, 0, len(ev.Fields))
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": ev.Fields[k],
			"short": true,
		})
	}

	return map[string]interface{}{
		"color":   color,
		"pretext": fmt.Sprintf("[%s] %s", ev.Level, ev.Title),
		"text":    ev.Message,
		"fields":  fields,
		"ts":      ev.Timestamp.Unix(),
		"footer":  "Grid Trader",
	}
}
