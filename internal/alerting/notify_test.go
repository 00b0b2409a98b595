package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAlert(sev Severity) Alert {
	return Alert{
		Severity:         sev,
		AlertType:        AlertErrorRate,
		Provider:         "anthropic",
		Model:            "m1",
		Client:           "cli",
		BurnRate:         20.0,
		Threshold:        14.4,
		Window:           5 * time.Minute,
		ObservedFraction: 0.02,
		TargetFraction:   0.001,
		Requests:         1000,
	}
}

func TestNotifyPostsSeveritySpecificWebhook(t *testing.T) {
	var pageBodies, ticketBodies []string
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		pageBodies = append(pageBodies, string(b))
	}))
	defer page.Close()
	ticket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ticketBodies = append(ticketBodies, string(b))
	}))
	defer ticket.Close()

	n := NewSlackNotifier(page.URL, ticket.URL)
	require.NoError(t, n.Notify(context.Background(), sampleAlert(SeverityPage)))
	require.NoError(t, n.Notify(context.Background(), sampleAlert(SeverityTicket)))

	require.Len(t, pageBodies, 1)
	require.Len(t, ticketBodies, 1)

	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(pageBodies[0]), &msg))
	raw := pageBodies[0]
	assert.Contains(t, raw, "page")
	assert.Contains(t, raw, "anthropic")
	assert.Contains(t, raw, "20.0x")
	assert.Contains(t, raw, "5m")
}

func TestNotifyTicketFallsBackToPageWebhook(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "")
	require.NoError(t, n.Notify(context.Background(), sampleAlert(SeverityTicket)))
	assert.Equal(t, 1, calls)
}

func TestNotifyNon2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "")
	err := n.Notify(context.Background(), sampleAlert(SeverityPage))
	require.Error(t, err)
}

func TestNotifyNoWebhookConfigured(t *testing.T) {
	n := NewSlackNotifier("", "")
	err := n.Notify(context.Background(), sampleAlert(SeverityPage))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "webhook"))
}

func TestTTFBDetailMentionsThreshold(t *testing.T) {
	a := sampleAlert(SeverityPage)
	a.AlertType = AlertTTFB
	a.TTFBThresholdMs = 2000
	msg := buildMessage(a)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "2000 ms")
}
