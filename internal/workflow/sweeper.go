package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// sweeper periodically dispatches scheduled runs whose fire time passed
// without a live timer (process restart, arm racing a stop).
type sweeper struct {
	c *cron.Cron
}

func newSweeper(spec string, loc *time.Location, job func()) (*sweeper, error) {
	if loc == nil {
		loc = time.UTC
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if _, err := c.AddFunc(spec, job); err != nil {
		return nil, fmt.Errorf("parse sweep spec %q: %w", spec, err)
	}

	return &sweeper{c: c}, nil
}

func (s *sweeper) start() {
	s.c.Start()
}

// stop halts the schedule and waits for a sweep in progress, bounded by ctx.
func (s *sweeper) stop(ctx context.Context) {
	done := s.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("timed out waiting for sweep to finish")
	}
}
