package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kilocode/backplane/internal/alarm"
	"github.com/kilocode/backplane/internal/events"
	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/provider"
	"github.com/kilocode/backplane/internal/sandbox"
	"github.com/kilocode/backplane/internal/secrets"
	"github.com/kilocode/backplane/internal/storage"
)

// Per-build storage keys owned by the orchestrator.
const (
	keyState   = "state"
	keyArchive = "archiveBuffer"
)

// startDelay is how far out the kickoff alarm is scheduled, so start()
// returns before the pipeline begins.
const startDelay = 50 * time.Millisecond

// Deployer uploads a finished bundle to the CDN provider.
type Deployer interface {
	Deploy(ctx context.Context, in provider.DeployInput) error
}

// LifecycleSink receives build status transitions for fan-out (e.g. to a
// message stream). Implementations must not block for long.
type LifecycleSink interface {
	BuildStatusChanged(ctx context.Context, buildID, slug, status string)
}

// Deps are the collaborators an orchestrator needs. Clock, Logger, Recorder,
// and Lifecycle may be nil and default sensibly.
type Deps struct {
	Store       storage.Store
	Provisioner sandbox.Provisioner
	Deployer    Deployer
	Decryptor   secrets.Decryptor
	Delivery    events.DeliveryConfig
	Namespace   string
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Recorder    metrics.Recorder
	Lifecycle   LifecycleSink
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Recorder == nil {
		d.Recorder = metrics.NoopRecorder{}
	}
	return d
}

// StartInput carries everything needed to create a build.
type StartInput struct {
	Slug    string
	Source  Source
	EnvVars []secrets.SealedEnvVar
}

// Orchestrator is the per-build actor. All state access is serialized
// through its mutex; the run pipeline executes in the alarm goroutine.
type Orchestrator struct {
	buildID string
	deps    Deps
	kv      storage.KV
	logger  *slog.Logger

	mu        sync.Mutex
	build     *Build
	events    *events.Manager
	kickoff   *alarm.Alarm
	exec      sandbox.Executor
	cancelRun context.CancelFunc
}

func newOrchestrator(buildID string, deps Deps) *Orchestrator {
	deps = deps.withDefaults()
	o := &Orchestrator{
		buildID: buildID,
		deps:    deps,
		kv:      deps.Store.Bucket("build", buildID),
		logger:  deps.Logger.With(logfields.BuildID(buildID)),
	}
	o.events = events.NewManager(buildID, o.kv, deps.Delivery, deps.Clock, o.logger).
		WithRecorder(deps.Recorder)
	o.kickoff = alarm.New(deps.Clock, o.onAlarm)
	return o
}

// restore loads a persisted build into this instance. Returns false when the
// bucket holds no build.
func (o *Orchestrator) restore(ctx context.Context) (bool, error) {
	var b Build
	found, err := storage.GetJSON(ctx, o.kv, keyState, &b)
	if err != nil {
		return false, errors.WrapError(err, errors.CategoryStorage, "load build state").
			WithContext("buildId", o.buildID).Build()
	}
	if !found {
		return false, nil
	}
	if err := o.events.Initialize(ctx); err != nil {
		return false, err
	}
	o.mu.Lock()
	o.build = &b
	o.mu.Unlock()
	return true, nil
}

// Start initializes the build in queued, wipes any prior state for this id,
// and schedules the kickoff alarm.
func (o *Orchestrator) Start(ctx context.Context, in StartInput) (Status, error) {
	return o.start(ctx, in, nil)
}

// StartFromArchive is Start for uploaded tarballs; the archive is stashed in
// durable storage until the run consumes it.
func (o *Orchestrator) StartFromArchive(ctx context.Context, in StartInput, archive []byte) (Status, error) {
	in.Source = Source{Kind: SourceArchive}
	return o.start(ctx, in, archive)
}

func (o *Orchestrator) start(ctx context.Context, in StartInput, archive []byte) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// A restarted slug reuses a fresh buildId, so any state under this id is
	// from an aborted earlier attempt.
	if err := o.deps.Store.DropBucket(ctx, "build", o.buildID); err != nil {
		return "", errors.WrapError(err, errors.CategoryStorage, "clear prior build state").
			WithContext("buildId", o.buildID).Build()
	}

	now := o.deps.Clock.Now()
	b := &Build{
		BuildID:   o.buildID,
		Slug:      in.Slug,
		Source:    in.Source,
		EnvVars:   in.EnvVars,
		Status:    StatusQueued,
		UpdatedAt: now,
	}
	if err := storage.PutJSON(ctx, o.kv, keyState, b); err != nil {
		return "", errors.WrapError(err, errors.CategoryStorage, "persist build").
			WithContext("buildId", o.buildID).Build()
	}
	if archive != nil {
		if err := o.kv.Put(ctx, keyArchive, archive); err != nil {
			return "", errors.WrapError(err, errors.CategoryStorage, "stash archive").
				WithContext("buildId", o.buildID).Build()
		}
	}
	o.build = b

	if err := o.events.Initialize(ctx); err != nil {
		return "", err
	}
	if err := o.events.Log(ctx, "Build created and queued"); err != nil {
		return "", err
	}

	o.kickoff.Set(now.Add(startDelay))
	o.logger.Info("build queued", logfields.Slug(in.Slug), logfields.State(string(StatusQueued)))
	return StatusQueued, nil
}

// Status returns the public build fields.
func (o *Orchestrator) Status() (StatusInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.build == nil {
		return StatusInfo{}, false
	}
	return StatusInfo{
		Status:      o.build.Status,
		UpdatedAt:   o.build.UpdatedAt,
		StartedAt:   o.build.StartedAt,
		CompletedAt: o.build.CompletedAt,
		ProjectType: o.build.ProjectType,
	}, true
}

// Events returns the buffered build events.
func (o *Orchestrator) Events() []events.Event {
	return o.events.Events()
}

// Cancel stops a queued or building run. Sandbox teardown is best-effort.
func (o *Orchestrator) Cancel(ctx context.Context, reason string) CancelResult {
	o.mu.Lock()
	if o.build == nil {
		o.mu.Unlock()
		return CancelResult{Reason: CancelReasonNotFound}
	}
	status := o.build.Status
	if status != StatusQueued && status != StatusBuilding {
		o.mu.Unlock()
		return CancelResult{Reason: CancelReasonAlreadyFinished, Status: status}
	}
	cancelRun := o.cancelRun
	exec := o.exec
	o.kickoff.Delete()
	o.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if exec != nil {
		if err := exec.Destroy(ctx); err != nil {
			o.logger.Warn("sandbox destroy on cancel", logfields.Error(err))
		}
	}

	if err := o.events.Log(ctx, "Build cancelled"); err != nil {
		o.logger.Warn("append cancel log", logfields.Error(err))
	}
	if reason != "" {
		_ = o.events.Log(ctx, "Cancellation reason: "+reason)
	}
	if err := o.setStatus(ctx, StatusCancelled); err != nil {
		// The run loop won the race to a terminal state.
		o.mu.Lock()
		final := o.build.Status
		o.mu.Unlock()
		return CancelResult{Reason: CancelReasonAlreadyFinished, Status: final}
	}
	o.deps.Recorder.IncBuildOutcome(string(StatusCancelled))
	return CancelResult{Cancelled: true, Reason: CancelReasonCancelled}
}

// Close releases timers. It does not touch persisted state.
func (o *Orchestrator) Close() {
	o.kickoff.Delete()
	o.events.Close()
}

// onAlarm enters the run pipeline if the build is still queued.
func (o *Orchestrator) onAlarm() {
	o.mu.Lock()
	if o.build == nil || o.build.Status != StatusQueued {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelRun = cancel
	o.mu.Unlock()

	defer cancel()
	o.run(ctx)
}

// setStatus performs a guarded transition, persists it, and appends the
// status_change event. Terminal transitions clear sensitive state.
func (o *Orchestrator) setStatus(ctx context.Context, to Status) error {
	o.mu.Lock()
	if o.build == nil {
		o.mu.Unlock()
		return errors.NotFoundError("build not found").WithContext("buildId", o.buildID).Build()
	}
	from := o.build.Status
	if !validTransition(from, to) {
		o.mu.Unlock()
		return errors.NewError(errors.CategoryInternal, "invalid status transition").
			WithContext("from", string(from)).WithContext("to", string(to)).Build()
	}

	now := o.deps.Clock.Now()
	o.build.Status = to
	o.build.UpdatedAt = now
	if to == StatusBuilding && o.build.StartedAt == nil {
		t := now
		o.build.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		o.build.CompletedAt = &t
		o.clearSecretsLocked()
	}
	slug := o.build.Slug
	err := storage.PutJSON(ctx, o.kv, keyState, o.build)
	o.mu.Unlock()
	if err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "persist status").
			WithContext("buildId", o.buildID).Build()
	}

	if to.Terminal() {
		if derr := o.kv.Delete(ctx, keyArchive); derr != nil {
			o.logger.Warn("drop archive buffer", logfields.Error(derr))
		}
	}
	if err := o.events.StatusChange(ctx, string(to)); err != nil {
		o.logger.Warn("append status event", logfields.Error(err))
	}
	if o.deps.Lifecycle != nil {
		o.deps.Lifecycle.BuildStatusChanged(ctx, o.buildID, slug, string(to))
	}
	o.logger.Info("build status", logfields.Slug(slug), logfields.State(string(to)))
	return nil
}

// clearSecretsLocked drops the access token and sealed env vars from the
// in-memory build. Callers persist afterwards.
func (o *Orchestrator) clearSecretsLocked() {
	o.build.EnvVars = nil
	if o.build.Source.Git != nil {
		o.build.Source.Git.AccessToken = ""
	}
}
