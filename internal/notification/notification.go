package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyCycleSummary   NotificationType = "cycle_summary"
	NotifyCircuitBreaker NotificationType = "circuit_breaker"
	NotifyError          NotificationType = "error"
	NotifyInfo           NotificationType = "info"
)

// Notification represents a report message. Payload is the structured
// document sinks serialize; Title and Message are the human rendering.
type Notification struct {
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	CycleID   string           `json:"cycle_id,omitempty"`
	Asset     string           `json:"asset,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   interface{}      `json:"payload,omitempty"`
}

// Notifier interface for different report sinks
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled sink
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "Notifications").Logger(),
		now:    time.Now,
	}
}

// AddNotifier adds a report sink
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled sinks. A failing sink never stops the others;
// the joined error names each failure.
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = m.now().UTC()
	}

	var errs []error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(ctx, notification); err != nil {
			m.logger.Warn().Err(err).Str("sink", n.Name()).Str("type", string(notification.Type)).Msg("Notification delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SendCycleSummary reports a finished cycle
func (m *Manager) SendCycleSummary(ctx context.Context, cycleID string, assets, fired, failed int, summary interface{}) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyCycleSummary,
		Title:   fmt.Sprintf("Cycle %s", cycleID),
		Message: fmt.Sprintf("%d assets, %d fired, %d failed", assets, fired, failed),
		CycleID: cycleID,
		Payload: summary,
	})
}

// SendCircuitBreaker reports a breaker trip
func (m *Manager) SendCircuitBreaker(ctx context.Context, reason string) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyCircuitBreaker,
		Title:   "Circuit breaker tripped",
		Message: reason,
	})
}

// SendError sends an error notification
func (m *Manager) SendError(ctx context.Context, cycleID, asset, title, message string) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyError,
		Title:   title,
		Message: message,
		CycleID: cycleID,
		Asset:   asset,
	})
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log sink
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "Report").Logger()}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) IsEnabled() bool {
	return true
}

func (l *LogNotifier) Send(_ context.Context, notification *Notification) error {
	event := l.logger.Info()
	if notification.Type == NotifyError || notification.Type == NotifyCircuitBreaker {
		event = l.logger.Warn()
	}
	event = event.Str("type", string(notification.Type))
	if notification.CycleID != "" {
		event = event.Str("cycle_id", notification.CycleID)
	}
	if notification.Asset != "" {
		event = event.Str("asset", notification.Asset)
	}
	if notification.Payload != nil {
		event = event.Interface("payload", notification.Payload)
	}
	event.Msg(notification.Title + ": " + notification.Message)
	return nil
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// WebhookNotifier posts notifications as JSON to an HTTP endpoint
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	URL     string
	Enabled bool
}

// NewWebhookNotifier creates a new webhook sink
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     config.URL,
		enabled: config.Enabled && config.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

func (w *WebhookNotifier) Send(ctx context.Context, notification *Notification) error {
	if !w.enabled {
		return nil
	}

	jsonData, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
