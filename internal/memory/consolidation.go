package memory

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// Consolidator moves records between strata: repeatedly useful high-Q
// episodic records promote to semantic, high-Q patterns abstract to
// procedural, low-Q semantic records demote back to episodic, and records
// unaccessed past the threshold are archived. It runs on a cron schedule
// and, when configured, on reflect events.
type Consolidator struct {
	cfg    config.ConsolidationConfig
	layer  *Layer
	logger *observability.Logger

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewConsolidator creates a consolidator over the layer.
func NewConsolidator(cfg config.ConsolidationConfig, layer *Layer, logger *observability.Logger) *Consolidator {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Consolidator{
		cfg:    cfg,
		layer:  layer,
		logger: logger.WithComponent("consolidation"),
	}
}

// Start schedules the periodic job. An empty schedule disables it;
// reflect-driven runs are unaffected.
func (c *Consolidator) Start() error {
	if c.cfg.Schedule == "" {
		return nil
	}
	c.cron = cron.New()
	id, err := c.cron.AddFunc(c.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		c.RunAll(ctx)
	})
	if err != nil {
		return err
	}
	c.entryID = id
	c.cron.Start()
	return nil
}

// Stop halts the periodic job.
func (c *Consolidator) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

// OnReflect runs channel consolidation when an agent reflects, if enabled.
func (c *Consolidator) OnReflect(ctx context.Context, channelID string) {
	if !c.cfg.OnReflect {
		return
	}
	c.Run(ctx, channelID)
}

// RunAll consolidates every channel the layer has written.
func (c *Consolidator) RunAll(ctx context.Context) {
	c.layer.mu.Lock()
	channels := make([]string, 0, len(c.layer.channels))
	for id := range c.layer.channels {
		channels = append(channels, id)
	}
	c.layer.mu.Unlock()
	for _, id := range channels {
		c.Run(ctx, id)
	}
}

// Run consolidates one channel.
func (c *Consolidator) Run(ctx context.Context, channelID string) {
	records, err := c.layer.store.List(ctx, channelID)
	if err != nil {
		c.logger.Warn(ctx, "consolidation list failed", "channel_id", channelID, "error", err)
		return
	}

	now := time.Now()
	promoted, demoted, archived := 0, 0, 0
	for _, record := range records {
		if record.Archived {
			continue
		}
		changed := false

		if c.cfg.ArchiveAfter > 0 && now.Sub(record.LastAccessed) > c.cfg.ArchiveAfter {
			record.Archived = true
			archived++
			changed = true
		} else {
			switch record.Stratum {
			case models.StratumEpisodic:
				if record.QValue >= c.cfg.PromoteQThreshold && record.UsageCount >= c.cfg.PromoteMinUsage {
					if record.Kind == models.MemoryPattern {
						record.Stratum = models.StratumProcedural
					} else {
						record.Stratum = models.StratumSemantic
					}
					promoted++
					changed = true
				}
			case models.StratumSemantic, models.StratumProcedural:
				if record.QValue <= c.cfg.DemoteQThreshold {
					record.Stratum = models.StratumEpisodic
					demoted++
					changed = true
				}
			}
		}

		if changed {
			if err := c.layer.store.Put(ctx, record); err != nil {
				c.logger.Warn(ctx, "consolidation write failed", "memory_id", record.ID, "error", err)
			}
		}
	}

	if promoted+demoted+archived > 0 {
		c.logger.Info(ctx, "consolidation pass",
			"channel_id", channelID,
			"promoted", promoted, "demoted", demoted, "archived", archived)
	}
}
