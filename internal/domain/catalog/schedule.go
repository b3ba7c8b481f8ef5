package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultReloadSchedule refreshes the catalog every fifteen minutes.
const DefaultReloadSchedule = "@every 15m"

// ScheduleReload registers a cron job that reloads registry on schedule.
func ScheduleReload(c *cron.Cron, schedule string, registry *Registry, logger *zap.Logger) (cron.EntryID, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = DefaultReloadSchedule
	}
	id, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := registry.Reload(ctx); err != nil {
			logger.Error("scheduled catalog reload failed", zap.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule catalog reload %q: %w", schedule, err)
	}
	return id, nil
}
