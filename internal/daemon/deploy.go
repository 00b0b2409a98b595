package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilocode/backplane/internal/config"
	"github.com/kilocode/backplane/internal/events"
	"github.com/kilocode/backplane/internal/orchestrator"
	"github.com/kilocode/backplane/internal/provider"
	"github.com/kilocode/backplane/internal/sandbox"
	"github.com/kilocode/backplane/internal/secrets"
	"github.com/kilocode/backplane/internal/server"
	"github.com/kilocode/backplane/internal/storage"
	"github.com/kilocode/backplane/internal/stream"
)

// DeployDaemon is the fully wired deploy service.
type DeployDaemon struct {
	logger    *slog.Logger
	store     *storage.SQLiteStore
	registry  *orchestrator.Registry
	publisher *stream.Publisher
	srv       *http.Server
}

// NewDeployDaemon wires storage, the sandbox provisioner, the CDN provider
// client, event delivery, and the HTTP ingress from configuration.
func NewDeployDaemon(cfg *config.Config, logger *slog.Logger) (*DeployDaemon, error) {
	d := cfg.Deploy

	store, err := storage.NewSQLiteStore(d.StorePath)
	if err != nil {
		return nil, err
	}

	var provisioner sandbox.Provisioner
	if d.Sandbox.Mode == "remote" {
		provisioner = &sandbox.RemoteProvisioner{
			BaseURL: d.Sandbox.RemoteURL,
			Token:   d.Sandbox.RemoteToken,
		}
	} else {
		provisioner = &sandbox.LocalProvisioner{Root: d.Sandbox.WorkspaceDir}
	}

	var decryptor secrets.Decryptor
	if d.PrivateKey != "" {
		decryptor, err = secrets.NewBoxDecryptor(d.PrivateKey)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	recorder, metricsHandler := newRecorder(cfg.Metrics)

	publisher, err := connectStream(cfg.NATS, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	var lifecycle orchestrator.LifecycleSink
	if publisher != nil {
		lifecycle = publisher
	}

	client := provider.NewClient(d.Provider.BaseURL, d.Provider.APIToken, d.Provider.DispatchNamespace, logger)

	registry := orchestrator.NewRegistry(orchestrator.Deps{
		Store:       store,
		Provisioner: provisioner,
		Deployer:    client,
		Decryptor:   decryptor,
		Delivery: events.DeliveryConfig{
			BackendURL:        d.BackendEventsURL,
			AuthToken:         d.BackendToken,
			BatchMaxEvents:    d.BatchMaxEvents,
			BatchMaxWait:      d.BatchMaxWait,
			BackoffBase:       d.BackoffBase,
			StopAfterAttempts: d.StopAfterAttempts,
		},
		Namespace: d.Provider.DispatchNamespace,
		Logger:    logger,
		Recorder:  recorder,
		Lifecycle: lifecycle,
	})

	api := server.NewDeployAPI(registry, client, d.Provider.DispatchNamespace, d.AuthToken, logger)
	api.MetricsHandler = metricsHandler

	return &DeployDaemon{
		logger:    logger,
		store:     store,
		registry:  registry,
		publisher: publisher,
		srv: &http.Server{
			Addr:              d.Listen,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves the ingress until ctx is cancelled.
func (d *DeployDaemon) Run(ctx context.Context) error {
	d.logger.Info("deploy service listening", slog.String("addr", d.srv.Addr))
	err := serve(ctx, d.srv, d.logger)
	d.close()
	return err
}

func (d *DeployDaemon) close() {
	d.registry.Close()
	if d.publisher != nil {
		d.publisher.Close()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close build store", slog.Any("error", err))
	}
}
