package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of the sidecar child.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// UsageConfig controls periodic sampling of the child's resource usage.
type UsageConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// UsageCollector samples CPU and memory of whichever child is current.
type UsageCollector struct {
	enabled  bool
	interval time.Duration
	log      *slog.Logger

	mu   sync.RWMutex
	last Usage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewUsageCollector(cfg UsageConfig, log *slog.Logger) *UsageCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "child",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &UsageCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		log:        log,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the sidecar child."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of the sidecar child."),
		numThreads: gauge("num_threads", "Number of threads of the sidecar child."),
		numFDs:     gauge("num_fds", "Open file descriptors of the sidecar child (Unix only)."),
	}
}

// RegisterMetrics registers the usage gauges with the provided registerer.
func (c *UsageCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	return registerAll(r, cs)
}

// Start samples pidFn's child every interval until ctx ends or Stop is called.
// pidFn returns 0 when no child is running.
func (c *UsageCollector) Start(ctx context.Context, pidFn func() int) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		var lastPID int
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				pid := pidFn()
				if pid != lastPID && lastPID != 0 {
					c.forget(lastPID)
				}
				lastPID = pid
				if pid <= 0 {
					continue
				}
				if _, err := c.Collect(pid); err != nil {
					c.log.Debug("failed to collect sidecar usage", "pid", pid, "error", err)
				}
			}
		}
	}()
}

// Stop stops sampling and waits for the sampler goroutine.
func (c *UsageCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of pid and publishes it to the gauges.
func (c *UsageCollector) Collect(pid int) (Usage, error) {
	u, err := Sample(pid)
	if err != nil {
		return Usage{}, err
	}
	label := fmt.Sprint(pid)
	c.cpuPercent.WithLabelValues(label).Set(u.CPUPercent)
	c.memoryRSS.WithLabelValues(label).Set(float64(u.MemoryRSS))
	c.numThreads.WithLabelValues(label).Set(float64(u.NumThreads))
	if runtime.GOOS != "windows" && u.NumFDs > 0 {
		c.numFDs.WithLabelValues(label).Set(float64(u.NumFDs))
	}
	c.mu.Lock()
	c.last = u
	c.mu.Unlock()
	return u, nil
}

// Last returns the most recent sample, zero when none was taken.
func (c *UsageCollector) Last() Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *UsageCollector) forget(pid int) {
	label := fmt.Sprint(pid)
	c.cpuPercent.DeleteLabelValues(label)
	c.memoryRSS.DeleteLabelValues(label)
	c.numThreads.DeleteLabelValues(label)
	c.numFDs.DeleteLabelValues(label)
	c.mu.Lock()
	if int(c.last.PID) == pid {
		c.last = Usage{}
	}
	c.mu.Unlock()
}

// Sample reads the current resource usage of pid.
func Sample(pid int) (Usage, error) {
	proc, err := process.NewProcess(int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	u := Usage{
		PID:        int32(pid), // #nosec G115
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}
