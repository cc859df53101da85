package application

import "time"

// LoadTier classifies the scheduler's load after a tick.
type LoadTier int

const (
	// TierIdle indicates the tick found nothing to run.
	TierIdle LoadTier = iota
	// TierActive indicates the tick ran work and drained the queue.
	TierActive
	// TierBacklog indicates the tick claimed a full batch, so more pending
	// executions are likely waiting.
	TierBacklog
)

// backlogInterval is the tick delay while a backlog is being drained.
const backlogInterval = time.Second

// String returns a human-readable name for the load tier.
func (t LoadTier) String() string {
	switch t {
	case TierIdle:
		return "idle"
	case TierActive:
		return "active"
	case TierBacklog:
		return "backlog"
	default:
		return "unknown"
	}
}

// classifyTick determines the load tier from a tick's metrics. batchSize is
// the claim limit the tick ran with.
func classifyTick(m TickMetrics, batchSize int) LoadTier {
	switch {
	case batchSize > 0 && m.Run.Pending >= batchSize:
		return TierBacklog
	case m.Run.Pending > 0 || m.Enqueue.Enqueued > 0:
		return TierActive
	default:
		return TierIdle
	}
}

// tickDelay returns how long to wait before the next tick. A backlog ticks
// early but never later than interval.
func tickDelay(tier LoadTier, interval time.Duration) time.Duration {
	if tier == TierBacklog && backlogInterval < interval {
		return backlogInterval
	}
	return interval
}
