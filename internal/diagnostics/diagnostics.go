// Package diagnostics provides a periodic reporter that logs the sender's
// transmission efficiency alongside host resource metrics, the same
// "is the link actually keeping up" signal internal/agent's StatsReporter
// and SystemMonitor give for parallel backup streams, adapted here to a
// single fragmented-frame sender and driven by a cron expression instead of
// a fixed ticker (internal/agent/scheduler.go's cron.New usage).
package diagnostics

import (
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sender is the subset of sender.Sender the reporter consumes. Declared
// locally so tests can substitute a fake without constructing a real one.
type Sender interface {
	EstimatedEfficiency() float64
	QueueDepth() int
}

// HostStats is one host-metrics sample.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage1  float64
}

// collectHostStats gathers cpu/mem/load metrics the same way
// internal/agent/monitor.go's SystemMonitor does, minus the disk sample
// (not relevant to a network sender).
func collectHostStats(logger *slog.Logger) HostStats {
	var stats HostStats

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		stats.CPUPercent = percentages[0]
	} else {
		logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage1 = l.Load1
	} else {
		logger.Debug("failed to collect load average", "error", err)
	}

	return stats
}

// Options configures a Reporter.
type Options struct {
	StreamName string
	// Schedule is a 6-field, seconds-first cron expression (cron.WithSeconds),
	// e.g. "*/30 * * * * *" for every 30 seconds. Defaults to that value.
	Schedule string
	Logger   *slog.Logger
}

// Reporter periodically logs sender efficiency and host metrics.
type Reporter struct {
	cron       *cron.Cron
	sender     Sender
	streamName string
	logger     *slog.Logger

	mu       sync.Mutex
	lastHost HostStats
}

// New builds a Reporter and registers its cron job, but does not start it —
// call Start to begin ticking.
func New(sender Sender, opts Options) (*Reporter, error) {
	if sender == nil {
		sender = noopSender{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "diagnostics")

	schedule := opts.Schedule
	if schedule == "" {
		schedule = "*/30 * * * * *"
	}

	c := cron.New(cron.WithSeconds(), cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	r := &Reporter{
		cron:       c,
		sender:     sender,
		streamName: opts.StreamName,
		logger:     logger,
	}

	if _, err := c.AddFunc(schedule, r.report); err != nil {
		return nil, err
	}

	return r, nil
}

// Start begins the cron scheduler.
func (r *Reporter) Start() { r.cron.Start() }

// Stop halts the scheduler and waits for any in-flight report to finish.
func (r *Reporter) Stop() { <-r.cron.Stop().Done() }

// LastHostStats returns the most recently collected host metrics sample.
func (r *Reporter) LastHostStats() HostStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHost
}

func (r *Reporter) report() {
	host := collectHostStats(r.logger)
	r.mu.Lock()
	r.lastHost = host
	r.mu.Unlock()

	r.logger.Info("sender diagnostics",
		"stream", r.streamName,
		"efficiency", r.sender.EstimatedEfficiency(),
		"queue_depth", r.sender.QueueDepth(),
		"cpu_percent", host.CPUPercent,
		"memory_percent", host.MemoryPercent,
		"load1", host.LoadAverage1,
	)
}

type noopSender struct{}

func (noopSender) EstimatedEfficiency() float64 { return 1.0 }
func (noopSender) QueueDepth() int              { return 0 }
