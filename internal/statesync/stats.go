package statesync

import (
	"time"

	"consensus-room/internal/protocol"
)

const latencySamples = 100

// Stats summarizes engine activity.
type Stats struct {
	MessagesSent       int
	MessagesReceived   int
	AverageLatency     time.Duration
	ConflictsResolved  int
	RollbacksPerformed int
	QueuedMessages     int
	HistoryDepth       int
	Phase              protocol.Phase
	LevelID            int
}

type counters struct {
	sent       int
	received   int
	conflicts  int
	rollbacks  int
	latencies  []int64
	latencyIdx int
}

func (c *counters) sample(latencyMs int64) {
	if latencyMs < 0 {
		latencyMs = 0
	}
	if len(c.latencies) < latencySamples {
		c.latencies = append(c.latencies, latencyMs)
		return
	}
	c.latencies[c.latencyIdx] = latencyMs
	c.latencyIdx = (c.latencyIdx + 1) % latencySamples
}

func (c *counters) averageLatency() time.Duration {
	if len(c.latencies) == 0 {
		return 0
	}
	var total int64
	for _, v := range c.latencies {
		total += v
	}
	return time.Duration(total/int64(len(c.latencies))) * time.Millisecond
}
