// Package stream fans build lifecycle and telemetry events out to NATS
// JetStream. Publishing is optional and best-effort: consumers are dashboards
// and downstream processors, never the source of truth.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
)

// publishTimeout caps every JetStream publish.
const publishTimeout = 5 * time.Second

// Publisher writes backplane events to JetStream subjects under a common
// prefix: <prefix>.builds.<status>, <prefix>.telemetry.api, and
// <prefix>.telemetry.sessions.
type Publisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// Connect dials the NATS server and prepares the event stream. The stream is
// created when missing so fresh deployments work without manual setup.
func Connect(url, subjectPrefix string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if subjectPrefix == "" {
		subjectPrefix = "backplane"
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryNetwork, "connect to NATS").
			WithContext("url", url).Build()
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapError(err, errors.CategoryNetwork, "create JetStream context").Build()
	}

	p := &Publisher{conn: conn, js: js, prefix: subjectPrefix, logger: logger}
	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("stream publisher connected",
		slog.String("url", url), slog.String("subject_prefix", subjectPrefix))
	return p, nil
}

func (p *Publisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        "BACKPLANE",
		Description: "Backplane build lifecycle and telemetry events",
		Subjects:    []string{p.prefix + ".>"},
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "ensure event stream").Build()
	}
	return nil
}

// BuildStatusEvent is the lifecycle record published per status transition.
type BuildStatusEvent struct {
	BuildID   string    `json:"buildId"`
	Slug      string    `json:"slug"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// BuildStatusChanged publishes one lifecycle transition. Failures are logged,
// not propagated; a broken stream must never fail a build.
func (p *Publisher) BuildStatusChanged(ctx context.Context, buildID, slug, status string) {
	evt := BuildStatusEvent{BuildID: buildID, Slug: slug, Status: status, Timestamp: time.Now().UTC()}
	if err := p.publish(ctx, p.prefix+".builds."+status, evt); err != nil {
		p.logger.Warn("publish build status event",
			logfields.BuildID(buildID), logfields.Error(err))
	}
}

// PublishTelemetry forwards one structured telemetry record to the given
// dataset subject ("api" or "sessions").
func (p *Publisher) PublishTelemetry(ctx context.Context, dataset string, record any) error {
	return p.publish(ctx, p.prefix+".telemetry."+dataset, record)
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "marshal stream event").
			WithContext("subject", subject).Build()
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "publish stream event").
			WithContext("subject", subject).Build()
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
