package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Sweep outcomes recorded per instance.
const (
	SweepAdvanced  = "advanced"
	SweepUnchanged = "unchanged"
	SweepFailed    = "error"
)

// DefaultSweepSchedule re-executes paused instances once a minute.
const DefaultSweepSchedule = "@every 1m"

// SweepResult summarizes one pass over the paused instances.
type SweepResult struct {
	Scanned   int
	Advanced  int
	Unchanged int
	Failed    int
}

// Sweeper periodically re-executes paused instances so that guards which
// depend on time or on outside state are picked up without a caller. Unless
// disabled with SweepActive(false), it also re-executes active instances,
// whose current action is still unfinished, so that behaviors waiting on
// outside input are polled again.
type Sweeper struct {
	engine   *Engine
	store    WorkflowStore
	schedule string
	batch    int
	metrics  *observability.Metrics
	logger   *zap.Logger
	statuses []model.InstanceStatus

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// SweepActive controls whether active instances are swept along with paused
// ones. It is on by default.
func SweepActive(on bool) SweeperOption {
	return func(s *Sweeper) {
		s.statuses = []model.InstanceStatus{model.InstanceStatusPaused}
		if on {
			s.statuses = append(s.statuses, model.InstanceStatusActive)
		}
	}
}

// NewSweeper creates a sweeper. An empty schedule uses DefaultSweepSchedule
// and a non-positive batch defaults to 100.
func NewSweeper(
	engine *Engine,
	store WorkflowStore,
	schedule string,
	batch int,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts ...SweeperOption,
) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		engine:   engine,
		store:    store,
		schedule: schedule,
		batch:    batch,
		metrics:  metrics,
		logger:   logger,
		statuses: []model.InstanceStatus{model.InstanceStatusPaused, model.InstanceStatusActive},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep. Overlapping runs are skipped.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweeper %q: %w", s.schedule, err)
	}

	c.Start()
	s.cron, s.ctx, s.cancel, s.running = c, ctx, cancel, true
	s.logger.Info("sweeper started", zap.String("schedule", s.schedule), zap.Int("batch", s.batch))
	return nil
}

// Stop cancels any running sweep and waits for it to return or for ctx to
// expire.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	s.logger.Debug("sweep complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("advanced", res.Advanced),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("failed", res.Failed))
}

// SweepOnce re-executes every paused instance once, then every active one,
// as the system actor of the instance's tenant. Per-instance failures are
// logged and counted; only a store failure aborts the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	for _, status := range s.statuses {
		if err := s.sweepStatus(ctx, status, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Sweeper) sweepStatus(ctx context.Context, status model.InstanceStatus, res *SweepResult) error {
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := s.store.FindByStatus(ctx, status, afterID, s.batch)
		if err != nil {
			return fmt.Errorf("find %s instances: %w", status, err)
		}

		for _, inst := range page {
			res.Scanned++
			outcome := s.sweepInstance(ctx, inst)
			switch outcome {
			case SweepAdvanced:
				res.Advanced++
			case SweepUnchanged:
				res.Unchanged++
			default:
				res.Failed++
			}
			s.metrics.RecordSweep(outcome)
		}

		if len(page) < s.batch {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (s *Sweeper) sweepInstance(ctx context.Context, before model.WorkflowInstance) string {
	after, err := s.engine.Execute(ctx, model.SystemActor(before.TenantID), before.ID)
	switch {
	case err == nil:
	case model.HookFailureOnly(err):
		s.logger.Warn("sweep hook failure",
			append(observability.InstanceFields(&after), zap.Error(err))...)
	default:
		s.logger.Warn("sweep execute failed",
			append(observability.InstanceFields(&before), zap.Error(err))...)
		return SweepFailed
	}

	if after.Status != before.Status || after.CurrentRuntimeID != before.CurrentRuntimeID {
		return SweepAdvanced
	}
	return SweepUnchanged
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
