package source

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	appLog "github.com/codeday/calendar-gql/internal/log"
)

// Scheduler refreshes a Registry on a cron schedule. Runs never overlap: a
// tick that fires while a refresh is still running is skipped.
type Scheduler struct {
	registry *Registry
	spec     string
}

func NewScheduler(registry *Registry, spec string) *Scheduler {
	return &Scheduler{registry: registry, spec: spec}
}

// Serve runs the schedule until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{}),
		cron.SkipIfStillRunning(cronLogger{}),
	))
	if _, err := c.AddFunc(s.spec, func() { s.registry.Refresh(ctx) }); err != nil {
		return fmt.Errorf("add refresh schedule %q: %w", s.spec, err)
	}

	c.Start()
	appLog.Info("calendar refresh scheduler started", "schedule", s.spec)

	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("calendar refresh scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) String() string { return "calendar-refresh" }

// cronLogger adapts the package logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
