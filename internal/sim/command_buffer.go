package sim

import (
	"sync"

	"netreplica/internal/telemetry"
)

const (
	commandBufferOccupancyMetricKey = "sim_command_buffer_occupancy"
	commandBufferOverflowMetricKey  = "sim_command_buffer_overflow_total"
	commandBufferHighWaterMetricKey = "sim_command_buffer_high_water"
)

// CommandBuffer is a fixed-size FIFO ring shared by connection goroutines
// (producers) and the loop (single consumer). The last reserve slots only
// accept Connect and Disconnect, so a flood of mutations cannot strand a
// client in the registry.
type CommandBuffer struct {
	mu        sync.Mutex
	ring      []Command
	start     int
	size      int
	reserve   int
	highWater int
	metrics   telemetry.Metrics
}

// NewCommandBuffer allocates a ring of capacity slots, reserve of which are
// kept for lifecycle commands. reserve is clamped below capacity.
func NewCommandBuffer(capacity, reserve int, metrics telemetry.Metrics) *CommandBuffer {
	capacity = max(capacity, 1)
	reserve = min(max(reserve, 0), capacity-1)
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &CommandBuffer{
		ring:    make([]Command, capacity),
		reserve: reserve,
		metrics: metrics,
	}
}

func (b *CommandBuffer) Capacity() int {
	return len(b.ring)
}

// Push appends cmd, reporting false when no slot is available to it.
func (b *CommandBuffer) Push(cmd Command) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := len(b.ring)
	if cmd.Type != CommandConnect && cmd.Type != CommandDisconnect {
		limit -= b.reserve
	}
	if b.size >= limit {
		b.metrics.Add(commandBufferOverflowMetricKey, 1)
		return false
	}
	b.ring[(b.start+b.size)%len(b.ring)] = cmd
	b.size++
	if b.size > b.highWater {
		b.highWater = b.size
		b.metrics.Store(commandBufferHighWaterMetricKey, uint64(b.highWater))
	}
	b.metrics.Store(commandBufferOccupancyMetricKey, uint64(b.size))
	return true
}

// Drain removes and returns every staged command, oldest first.
func (b *CommandBuffer) Drain() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil
	}
	out := make([]Command, b.size)
	end := b.start + b.size
	if end <= len(b.ring) {
		copy(out, b.ring[b.start:end])
		clear(b.ring[b.start:end])
	} else {
		n := copy(out, b.ring[b.start:])
		copy(out[n:], b.ring[:end-len(b.ring)])
		clear(b.ring[b.start:])
		clear(b.ring[:end-len(b.ring)])
	}
	b.start = (b.start + b.size) % len(b.ring)
	b.size = 0
	b.metrics.Store(commandBufferOccupancyMetricKey, 0)
	return out
}

func (b *CommandBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
