// Package alert fans operational alerts out to notification channels.
// The engine reports risk stops, invariant violations, reconciliation
// failures, and sustained exchange errors through this surface.
package alert

import (
	"context"
	"sync"
	"time"

	"grid_trader/internal/core"
)

type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "INFO"
	AlertLevelWarning  AlertLevel = "WARNING"
	AlertLevelError    AlertLevel = "ERROR"
	AlertLevelCritical AlertLevel = "CRITICAL"
)

const (
	// sendTimeout bounds a single channel delivery.
	sendTimeout = 10 * time.Second
	// suppressWindow drops repeats of an identical alert so a flapping
	// condition does not turn into a notification storm.
	suppressWindow = 5 * time.Minute
)

// Event is one alert as handed to every channel.
type Event struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers events to one destination.
type Channel interface {
	Send(ctx context.Context, ev Event) error
	Name() string
}

// AlertManager broadcasts each alert to every registered channel.
// Delivery is asynchronous with a per-channel timeout, so the trading
// path never blocks on a webhook. Identical non-critical alerts inside
// the suppression window are dropped.
type AlertManager struct {
	logger core.ILogger

	mu       sync.Mutex
	channels []Channel
	lastSent map[string]time.Time
	window   time.Duration

	wg  sync.WaitGroup
	now func() time.Time
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		logger:   logger.WithField("component", "alert_manager"),
		lastSent: make(map[string]time.Time),
		window:   suppressWindow,
		now:      time.Now,
	}
}

func (m *AlertManager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel registered", "name", ch.Name())
}

// Alert fans the event out to all channels. Critical alerts are never
// suppressed.
func (m *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	ev := Event{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: m.now(),
		Fields:    fields,
	}

	m.mu.Lock()
	if level != AlertLevelCritical && m.suppressedLocked(ev) {
		m.mu.Unlock()
		m.logger.Debug("Duplicate alert suppressed", "title", title, "level", level)
		return
	}
	targets := make([]Channel, len(m.channels))
	copy(targets, m.channels)
	m.mu.Unlock()

	m.logger.Info("Triggering alert", "title", title, "level", level)

	for _, ch := range targets {
		m.wg.Add(1)
		go func(c Channel) {
			defer m.wg.Done()
			// Detached from the caller's context: a shutdown alert must
			// still go out after the run context is cancelled.
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()

			if err := c.Send(sendCtx, ev); err != nil {
				m.logger.Error("Alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// suppressedLocked reports whether an identical alert went out inside
// the window, recording this one if not.
func (m *AlertManager) suppressedLocked(ev Event) bool {
	key := string(ev.Level) + "|" + ev.Title + "|" + ev.Message
	if last, ok := m.lastSent[key]; ok && ev.Timestamp.Sub(last) < m.window {
		return true
	}
	if len(m.lastSent) > 256 {
		for k, at := range m.lastSent {
			if ev.Timestamp.Sub(at) >= m.window {
				delete(m.lastSent, k)
			}
		}
	}
	m.lastSent[key] = ev.Timestamp
	return false
}

// Flush waits for in-flight deliveries. Called on shutdown so a final
// critical alert is not cut off by process exit.
func (m *AlertManager) Flush() {
	m.wg.Wait()
}
