package server

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartRetentionSweep schedules the stale receiver-cursor sweep on the
// given cron expression. Returns a stop function; a nil stop means the
// sweep is disabled.
func (s *Server) StartRetentionSweep(schedule string) (func(), error) {
	if schedule == "" {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		cutoff := time.Now().Add(-cursorRetention)
		deleted, err := s.store.PruneStaleCursors(ctx, cutoff)
		if err != nil {
			s.log.Error("cursor retention sweep failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			s.log.Info("pruned stale receiver cursors", zap.Int64("deleted", deleted))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() { c.Stop() }, nil
}
