package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"netreplica/internal/telemetry"
)

const (
	// CommandRejectQueueLimit indicates a command was dropped due to
	// per-client queue throttling.
	CommandRejectQueueLimit = "queue_limit"
	// CommandRejectQueueFull indicates the global command buffer is saturated.
	CommandRejectQueueFull = "queue_full"
)

// LoopConfig tunes the command buffer and tick loop orchestration.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
	CommandCapacity int
	// LifecycleReserve keeps buffer slots free for Connect and Disconnect.
	LifecycleReserve int
	PerClientLimit   int
	WarningStep      int
}

// Deps carries the loop's collaborators.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   func() time.Time
}

// LoopTickContext describes the tick about to run.
type LoopTickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// LoopStepResult summarises an executed tick.
type LoopStepResult struct {
	Tick         uint64
	Now          time.Time
	Delta        float64
	Commands     []Command
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
}

// LoopHooks are invoked on the loop goroutine.
type LoopHooks struct {
	// Apply receives the commands staged since the previous tick, in
	// arrival order.
	Apply func(ctx LoopTickContext, commands []Command)
	// AfterStep runs once Apply returns; the flush driver lives here.
	AfterStep      func(result LoopStepResult)
	OnCommandDrop  func(reason string, cmd Command)
	OnQueueWarning func(length int)
}

// Loop coordinates command ingestion and the fixed-timestep tick.
type Loop struct {
	buffer  *CommandBuffer
	hooks   LoopHooks
	config  LoopConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics
	clock   func() time.Time
	tick    atomic.Uint64

	queueMu        sync.Mutex
	perClientCount map[uint64]int
	dropCounts     map[uint64]uint64
}

// NewLoop constructs a loop with a ring-buffer command queue.
func NewLoop(cfg LoopConfig, hooks LoopHooks, deps Deps) *Loop {
	if cfg.TickRate <= 0 {
		cfg.TickRate = 20
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Loop{
		buffer:         NewCommandBuffer(cfg.CommandCapacity, cfg.LifecycleReserve, deps.Metrics),
		hooks:          hooks,
		config:         cfg,
		logger:         deps.Logger,
		metrics:        deps.Metrics,
		clock:          deps.Clock,
		perClientCount: make(map[uint64]int),
		dropCounts:     make(map[uint64]uint64),
	}
}

// Tick reports the most recently executed tick. It is safe to call from any
// goroutine.
func (l *Loop) Tick() uint64 {
	return l.tick.Load()
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	return l.buffer.Len()
}

// Enqueue stages a command, enforcing per-client throttling and capacity
// limits. Connect and Disconnect are exempt from the per-client limit.
func (l *Loop) Enqueue(cmd Command) (bool, string) {
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = l.clock()
	}
	if cmd.OriginTick == 0 {
		cmd.OriginTick = l.Tick()
	}
	client := uint64(cmd.ClientID)
	throttled := cmd.Type != CommandConnect && cmd.Type != CommandDisconnect

	reason := ""
	var dropCount uint64
	l.queueMu.Lock()
	if throttled && l.config.PerClientLimit > 0 {
		count := l.perClientCount[client]
		if count >= l.config.PerClientLimit {
			reason = CommandRejectQueueLimit
			dropCount = l.incrementDropLocked(client)
		} else {
			l.perClientCount[client] = count + 1
		}
	}
	warnAt := 0
	if reason == "" {
		if !l.buffer.Push(cmd) {
			reason = CommandRejectQueueFull
			dropCount = l.incrementDropLocked(client)
			if throttled && l.config.PerClientLimit > 0 {
				l.perClientCount[client]--
			}
		} else if step := l.config.WarningStep; step > 0 {
			if length := l.buffer.Len(); length >= step && length%step == 0 {
				warnAt = length
			}
		}
	}
	l.queueMu.Unlock()

	if reason != "" {
		l.reportDrop(reason, cmd, dropCount)
		return false, reason
	}
	if warnAt > 0 && l.hooks.OnQueueWarning != nil {
		l.hooks.OnQueueWarning(warnAt)
	}
	return true, ""
}

// Advance executes a single tick using the staged commands.
func (l *Loop) Advance(ctx LoopTickContext) LoopStepResult {
	commands := l.drainCommands()
	l.tick.Store(ctx.Tick)
	if l.hooks.Apply != nil {
		l.hooks.Apply(ctx, commands)
	}
	return LoopStepResult{
		Tick:     ctx.Tick,
		Now:      ctx.Now,
		Delta:    ctx.Delta,
		Commands: commands,
	}
}

// Run drives the fixed-timestep loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	tickRate := l.config.TickRate
	budget := time.Second / time.Duration(tickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	budgetSeconds := budget.Seconds()
	maxDt := budgetSeconds
	if l.config.CatchupMaxTicks > 1 {
		maxDt = budgetSeconds * float64(l.config.CatchupMaxTicks)
	}
	last := l.clock()
	tick := l.Tick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := l.clock()
			dt := now.Sub(last).Seconds()
			clamped := false
			if dt <= 0 {
				dt = budgetSeconds
			} else if dt > maxDt {
				dt = maxDt
				clamped = true
			}
			last = now
			tick++

			start := l.clock()
			result := l.Advance(LoopTickContext{Tick: tick, Now: now, Delta: dt})
			result.Duration = l.clock().Sub(start)
			result.Budget = budget
			result.ClampedDelta = clamped
			if result.Duration > budget && l.logger != nil {
				l.logger.Printf("[sim] tick %d overran budget: %s > %s", tick, result.Duration, budget)
			}

			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}

func (l *Loop) drainCommands() []Command {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	commands := l.buffer.Drain()
	if len(l.perClientCount) > 0 {
		clear(l.perClientCount)
	}
	return commands
}

func (l *Loop) incrementDropLocked(client uint64) uint64 {
	count := l.dropCounts[client] + 1
	l.dropCounts[client] = count
	return count
}

func (l *Loop) reportDrop(reason string, cmd Command, count uint64) {
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(reason, cmd)
	}
	// Log on powers of two so a flooding client cannot flood the log.
	if count > 0 && count&(count-1) == 0 && l.logger != nil {
		l.logger.Printf(
			"[backpressure] dropping command client=%d type=%s reason=%s count=%d limit=%d",
			cmd.ClientID,
			cmd.Type,
			reason,
			count,
			l.config.PerClientLimit,
		)
	}
}
