package broker

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/snehjoshi/storyq/internal/config"
	"github.com/snehjoshi/storyq/internal/history"
	"github.com/snehjoshi/storyq/internal/queue"
	"github.com/snehjoshi/storyq/internal/trigger"
	"github.com/snehjoshi/storyq/internal/types"
)

// housekeepingSpec drives idle-trip pruning and cooldown expiry.
const housekeepingSpec = "@every 1m"

// hooks maps scheduler lifecycle events onto metrics and the archive.
func (b *Broker) hooks() queue.Hooks {
	return queue.Hooks{
		OnQueued: func(s types.QueuedStory) {
			if b.metrics != nil {
				b.metrics.StoryQueued(s.Priority, s.TriggerType)
			}
		},
		OnRejected: func(_ string, p types.Priority, _ types.TriggerType) {
			if b.metrics != nil {
				b.metrics.StoryRejected(p)
			}
		},
		OnDelivered: func(s types.QueuedStory) {
			if b.metrics != nil {
				b.metrics.StoryDelivered(s.Priority)
			}
			b.archive(s, history.OutcomeDelivered)
		},
		OnFailed: func(s types.QueuedStory, gaveUp bool) {
			if b.metrics != nil {
				b.metrics.DeliveryFailed(s.Priority, gaveUp)
			}
			if gaveUp {
				b.archive(s, history.OutcomeGaveUp)
			}
		},
		OnCleared: func(_ string, stories []types.QueuedStory) {
			if b.metrics != nil {
				b.metrics.StoriesCleared(len(stories))
			}
			for _, s := range stories {
				b.archive(s, history.OutcomeCleared)
			}
		},
		OnSwept: func(stories []types.QueuedStory) {
			if b.metrics != nil {
				b.metrics.StoriesSwept(len(stories))
			}
			// Retired stories were archived when they were retired.
			for _, s := range stories {
				if !s.Delivered {
					b.archive(s, history.OutcomeSwept)
				}
			}
		},
	}
}

func (b *Broker) archive(s types.QueuedStory, outcome history.Outcome) {
	if b.history == nil {
		return
	}
	if !b.history.Archive(history.Record{Story: s, Outcome: outcome, ArchivedAt: b.now().UTC()}) && b.metrics != nil {
		b.metrics.HistoryDropped.Inc()
	}
}

// startCron registers the periodic jobs and starts the scheduler.
func (b *Broker) startCron() error {
	logger := cron.PrintfLogger(slog.NewLogLogger(b.log.Handler(), slog.LevelInfo))
	b.cron = cron.New(
		cron.WithParser(trigger.Parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := b.cron.AddFunc(housekeepingSpec, b.housekeeping); err != nil {
		return fmt.Errorf("broker: housekeeping job: %w", err)
	}
	if b.history != nil && b.cfg.History.PruneSchedule != "" {
		if _, err := b.cron.AddFunc(b.cfg.History.PruneSchedule, b.pruneHistory); err != nil {
			return fmt.Errorf("broker: history prune job: %w", err)
		}
	}
	if b.scheduled != nil {
		if _, err := b.scheduled.Register(b.cron, b.cfg.Triggers.Scheduled.Spec); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
	}
	b.cron.Start()
	return nil
}

// housekeeping drops idle trips and stale proximity cooldowns.
func (b *Broker) housekeeping() {
	idle := b.sessions.PruneIdle(b.now())
	for _, s := range idle {
		if b.proximity != nil {
			b.proximity.Forget(s.UserID)
		}
		b.log.Info("trip idle, dropped", "user", s.UserID, "session", s.ID)
	}
	if b.proximity != nil {
		b.proximity.Expire()
	}
}

// pruneHistory deletes archived records older than the retention.
func (b *Broker) pruneHistory() {
	if b.history == nil {
		return
	}
	retention := config.MustDuration(b.cfg.History.Retention)
	n, err := b.history.Prune(b.now().Add(-retention))
	if err != nil {
		b.log.Error("history prune failed", "error", err)
		return
	}
	if n > 0 {
		b.log.Info("history pruned", "removed", n, "retention", retention)
	}
}

// PruneHistory runs the retention job now.
func (b *Broker) PruneHistory() { b.pruneHistory() }
