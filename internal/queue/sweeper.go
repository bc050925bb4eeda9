package queue

import (
	"time"

	"github.com/snehjoshi/storyq/internal/types"
)

// maybeSignalSweep wakes the sweep worker at most once per CleanupInterval.
// The check is a single atomic load on the hot path; the send never blocks.
func (m *Manager) maybeSignalSweep(now time.Time) {
	last := m.lastSweepSignal.Load()
	if now.UnixNano()-last < int64(m.cfg.CleanupInterval) {
		return
	}
	if !m.lastSweepSignal.CompareAndSwap(last, now.UnixNano()) {
		return // another caller won
	}
	select {
	case m.sweepCh <- struct{}{}:
	default:
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.sweepCh:
			m.Sweep()
		}
	}
}

// Sweep deletes registry records created more than MaxStoryAge ago,
// whatever their state, and returns how many it removed. The lock is taken
// once per batch of SweepBatchSize records so callers are never stalled for
// the whole scan. Sweep runs on the worker goroutine when signalled by
// QueueStory and may also be called directly.
func (m *Manager) Sweep() int {
	now := m.now()
	cutoff := now.Add(-m.cfg.MaxStoryAge)

	m.mu.RLock()
	var old []string
	for id, e := range m.registry {
		if e.story.CreatedAt.Before(cutoff) {
			old = append(old, id)
		}
	}
	m.mu.RUnlock()

	var swept []types.QueuedStory
	for start := 0; start < len(old); start += m.cfg.SweepBatchSize {
		end := min(start+m.cfg.SweepBatchSize, len(old))

		m.mu.Lock()
		for _, id := range old[start:end] {
			e, ok := m.registry[id]
			if !ok {
				continue
			}
			m.unlinkLocked(e)
			delete(m.registry, id)
			delete(m.inProgress, id)
			swept = append(swept, *e.story)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.compactLocked(now)
	m.mu.Unlock()

	if len(swept) > 0 {
		m.log.Info("sweep complete", "removed", len(swept))
		if m.hooks.OnSwept != nil {
			m.hooks.OnSwept(swept)
		}
	}
	return len(swept)
}

// compactLocked drops per-user bookkeeping that no longer affects any
// decision: empty heaps and delivery times older than the spacing window.
func (m *Manager) compactLocked(now time.Time) {
	for user, h := range m.heaps {
		if h.len() == 0 {
			delete(m.heaps, user)
		}
	}
	for user, at := range m.lastDelivered {
		if now.Sub(at) >= m.cfg.MinStorySpacing && now.Sub(at) >= m.cfg.MaxStoryAge {
			delete(m.lastDelivered, user)
		}
	}
}
