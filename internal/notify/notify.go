package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/calpush/internal/db"
	"github.com/sirupsen/logrus"
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeFailure  AlertType = "failure"
	AlertTypeRecovery AlertType = "recovery"
	AlertTypeTest     AlertType = "test"
)

// Alert represents a notification alert.
type Alert struct {
	Type       AlertType
	RunID      string
	Collection string
	Message    string
	Details    string
	Timestamp  time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL     string
	CooldownPeriod time.Duration // How long to wait before re-alerting for the same collection
}

// Notifier sends run alerts to a webhook.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client
	log        *logrus.Entry

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	failing        map[string]bool // collections whose last alerted run was not clean
	wg             sync.WaitGroup
}

// New creates a new Notifier.
func New(cfg *Config, log *logrus.Entry) *Notifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:            log.WithField("component", "notify"),
		lastAlertTimes: make(map[string]time.Time),
		failing:        make(map[string]bool),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}
	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}
	return nil
}

// validateWebhookURL validates that the webhook URL is safe to use.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("webhook URL cannot point to localhost")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}
	if strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "192.168.") {
		return fmt.Errorf("webhook URL cannot point to private IP addresses")
	}
	for i := 16; i <= 31; i++ {
		if strings.HasPrefix(host, fmt.Sprintf("172.%d.", i)) {
			return fmt.Errorf("webhook URL cannot point to private IP addresses")
		}
	}

	return nil
}

// IsEnabled returns true if a webhook is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg != nil && n.cfg.WebhookURL != ""
}

func alertKey(run *db.SyncRun) string {
	if run.Collection == "" {
		return "discovery"
	}
	return run.Collection
}

// SendFailureAlert alerts on a run that failed or left activities
// unsynchronised. Returns true if the alert was sent, false if disabled or
// still in cooldown.
func (n *Notifier) SendFailureAlert(ctx context.Context, run *db.SyncRun) bool {
	if !n.IsEnabled() {
		return false
	}
	key := alertKey(run)

	n.mu.Lock()
	if n.failing[key] {
		if last, ok := n.lastAlertTimes[key]; ok && time.Since(last) < n.cfg.CooldownPeriod {
			n.mu.Unlock()
			return false
		}
	}
	n.failing[key] = true
	n.lastAlertTimes[key] = time.Now()
	n.mu.Unlock()

	message := "Calendar push failed"
	if run.Status == db.SyncStatusPartial {
		message = fmt.Sprintf("Calendar push left %d activities unsynchronised", run.Failed)
	}
	target := run.Collection
	if target == "" {
		target = "no collection selected"
	}

	n.dispatch(ctx, Alert{
		Type:       AlertTypeFailure,
		RunID:      run.ID,
		Collection: run.Collection,
		Message:    message,
		Details:    fmt.Sprintf("%s (%s)", run.Message, target),
		Timestamp:  time.Now(),
	})
	return true
}

// SendRecoveryAlert alerts when a clean run follows a failure alert.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, run *db.SyncRun) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	// A clean run also clears a discovery failure.
	keys := []string{alertKey(run), "discovery"}
	wasFailing := false
	for _, key := range keys {
		if n.failing[key] {
			wasFailing = true
			delete(n.failing, key)
			delete(n.lastAlertTimes, key)
		}
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	n.dispatch(ctx, Alert{
		Type:       AlertTypeRecovery,
		RunID:      run.ID,
		Collection: run.Collection,
		Message:    "Calendar push has recovered",
		Details:    run.Message,
		Timestamp:  time.Now(),
	})
	return true
}

// dispatch sends in the background; Wait flushes pending sends.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.sendWebhook(ctx, n.cfg.WebhookURL, alert); err != nil {
			n.log.WithError(err).WithField("alert_type", alert.Type).Warn("Webhook error")
		}
	}()
}

// Wait blocks until every dispatched alert has been sent or has failed.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType  string `json:"alert_type"`
	RunID      string `json:"run_id,omitempty"`
	Collection string `json:"collection,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details"`
	Timestamp  string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, webhookURL string, alert Alert) error {
	emoji := ""
	switch alert.Type {
	case AlertTypeFailure:
		emoji = ":x:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeTest:
		emoji = ":rocket:"
	}

	payload := WebhookPayload{
		AlertType:  string(alert.Type),
		RunID:      alert.RunID,
		Collection: alert.Collection,
		Message:    alert.Message,
		Details:    alert.Details,
		Timestamp:  alert.Timestamp.Format(time.RFC3339),
		Text:       fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.log.WithField("alert_type", alert.Type).Info("Webhook sent")
	return nil
}

// SendTestWebhook sends a test message to the configured webhook.
func (n *Notifier) SendTestWebhook(ctx context.Context) error {
	if !n.IsEnabled() {
		return fmt.Errorf("no webhook configured")
	}
	return n.sendWebhook(ctx, n.cfg.WebhookURL, Alert{
		Type:      AlertTypeTest,
		Message:   "Test webhook from calpush",
		Details:   "This is a test message to verify your webhook configuration",
		Timestamp: time.Now(),
	})
}

// ValidateWebhookURL validates that a webhook URL is safe to use.
func ValidateWebhookURL(webhookURL string) error {
	return validateWebhookURL(webhookURL)
}
