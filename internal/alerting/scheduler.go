package alerting

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
)

// Scheduler drives the evaluator on a fixed interval. Singleton mode
// guarantees only one tick is in flight for the whole service.
type Scheduler struct {
	scheduler gocron.Scheduler
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewScheduler wires the evaluator to a periodic tick job.
func NewScheduler(evaluator *Evaluator, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryDaemon, "create alert scheduler").Build()
	}
	s := &Scheduler{scheduler: sched, evaluator: evaluator, logger: logger}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.tick),
		gocron.WithName("slo-evaluator"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryDaemon, "schedule evaluator tick").Build()
	}
	return s, nil
}

// Start begins ticking.
func (s *Scheduler) Start() {
	s.logger.Info("starting alert evaluator")
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for a running tick.
func (s *Scheduler) Stop() error {
	s.logger.Info("stopping alert evaluator")
	return s.scheduler.Shutdown()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.evaluator.Tick(ctx); err != nil {
		s.logger.Error("alert evaluation tick", logfields.Error(err))
	}
}
