package alerting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/kilocode/backplane/internal/foundation/errors"
)

// Alert is one notification about a tripped burn-rate window. BurnRate and
// the detail fields describe the long window, which is what tripped first.
type Alert struct {
	Severity  Severity
	AlertType AlertType
	Provider  string
	Model     string
	Client    string

	BurnRate  float64 // observed, long window
	Threshold float64 // the window's burn-rate threshold
	Window    time.Duration

	// Error-rate detail: observed bad fraction vs the SLO target.
	// TTFB detail: fraction of requests exceeding the latency threshold vs
	// the budgeted fraction.
	ObservedFraction float64
	TargetFraction   float64
	TTFBThresholdMs  float64 // set for AlertTTFB
	Requests         float64
}

// Key returns the cooldown key for this alert.
func (a Alert) Key() CooldownKey {
	return CooldownKey{
		Severity:  a.Severity,
		AlertType: a.AlertType,
		Provider:  a.Provider,
		Model:     a.Model,
		Client:    a.Client,
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// notifyTimeout caps every webhook call.
const notifyTimeout = 5 * time.Second

// SlackNotifier posts alerts to severity-specific Slack webhooks.
type SlackNotifier struct {
	pageWebhook   string
	ticketWebhook string
	client        *http.Client
}

// NewSlackNotifier builds a notifier over the two webhook URLs. Tickets fall
// back to the page webhook when no ticket URL is configured.
func NewSlackNotifier(pageWebhook, ticketWebhook string) *SlackNotifier {
	if ticketWebhook == "" {
		ticketWebhook = pageWebhook
	}
	return &SlackNotifier{
		pageWebhook:   pageWebhook,
		ticketWebhook: ticketWebhook,
		client:        &http.Client{Timeout: notifyTimeout},
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, alert Alert) error {
	url := n.pageWebhook
	if alert.Severity == SeverityTicket {
		url = n.ticketWebhook
	}
	if url == "" {
		return errors.ConfigError("no webhook configured for severity").
			WithContext("severity", string(alert.Severity)).Build()
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	msg := buildMessage(alert)
	if err := slack.PostWebhookCustomHTTPContext(ctx, url, n.client, msg); err != nil {
		return errors.WrapError(err, errors.CategoryNotify, "post alert webhook").
			WithContext("severity", string(alert.Severity)).Build()
	}
	return nil
}

func buildMessage(alert Alert) *slack.WebhookMessage {
	header := fmt.Sprintf("[%s] %s burn rate for %s", alert.Severity, alertTypeLabel(alert.AlertType), alert.Model)

	fields := []*slack.TextBlockObject{
		mdField("Provider", alert.Provider),
		mdField("Model", alert.Model),
		mdField("Burn rate", fmt.Sprintf("%.1fx (threshold %.1fx)", alert.BurnRate, alert.Threshold)),
		mdField("Window", fmt.Sprintf("%dm", int(alert.Window.Minutes()))),
	}

	var detail string
	switch alert.AlertType {
	case AlertErrorRate:
		detail = fmt.Sprintf("Error rate %.3f%% against an SLO budget of %.3f%%. %d requests from client `%s`.",
			alert.ObservedFraction*100, alert.TargetFraction*100, int(alert.Requests), alert.Client)
	case AlertTTFB:
		detail = fmt.Sprintf("%.2f%% of requests exceeded %.0f ms TTFB against a budget of %.2f%%. %d requests from client `%s`.",
			alert.ObservedFraction*100, alert.TTFBThresholdMs, alert.TargetFraction*100, int(alert.Requests), alert.Client)
	}

	return &slack.WebhookMessage{
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, header, false, false)),
			slack.NewSectionBlock(nil, fields, nil),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, detail, false, false), nil, nil),
		}},
	}
}

func mdField(name, value string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s:*\n%s", name, value), false, false)
}

func alertTypeLabel(t AlertType) string {
	if t == AlertTTFB {
		return "TTFB"
	}
	return "error rate"
}
