// Package scheduler triggers the reminder job on a cron schedule from inside
// the server process. Runs never overlap within one process.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/franzego/barber-reminders/internal/reminder"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Scheduler struct {
	c       *cron.Cron
	runner  reminder.Runner
	timeout time.Duration
	logger  *zap.Logger
}

// New parses spec (standard five fields, optional seconds, or a descriptor
// such as "@every 5m"). Each run gets its own context bounded by timeout.
func New(spec string, runner reminder.Runner, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{s: logger.Sugar()}
	s := &Scheduler{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := s.c.AddFunc(spec, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.c.Start()
	for _, e := range s.c.Entries() {
		s.logger.Info("reminder schedule started", zap.Time("next_run", e.Next))
	}
}

// Stop stops scheduling and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("reminder run still in progress at shutdown")
	}
}

func (s *Scheduler) RunOnce() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	summary, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled reminder run failed", zap.Error(err))
		return
	}
	s.logger.Debug("scheduled reminder run complete", zap.Int("sent", summary.Sent))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
