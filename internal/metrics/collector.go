/*
 * Package metrics holds the agent's packet statistics and samples host
 * resource usage for periodic telemetry.
 */
package metrics

import (
	"fmt"
	"time"

	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
)

// SystemMetrics holds host resource usage
type SystemMetrics struct {
	CPUUsage    float64
	MemoryUsage float64
	// DiskFree is the free space in bytes on the image volume
	DiskFree uint64
}

// Collector samples host metrics
type Collector struct {
	sampleWindow time.Duration
	imagePath    string
}

// Config defines the configuration for the metrics collector
type Config struct {
	// SampleWindow is how long CPU usage is averaged over
	SampleWindow time.Duration
	// ImagePath is a path on the volume images are written to
	ImagePath string
}

// New creates a new metrics collector
func New(config Config) *Collector {
	window := config.SampleWindow
	if window == 0 {
		window = time.Second
	}
	return &Collector{sampleWindow: window, imagePath: config.ImagePath}
}

// Collect gathers current host metrics. Individual failures are logged and
// leave the field zero.
func (c *Collector) Collect() *SystemMetrics {
	metrics := &SystemMetrics{}

	if err := c.collectCPUMetrics(metrics); err != nil {
		debug.Error("Failed to collect CPU metrics: %v", err)
	}
	if err := c.collectMemoryMetrics(metrics); err != nil {
		debug.Error("Failed to collect memory metrics: %v", err)
	}
	if c.imagePath != "" {
		if err := c.collectDiskMetrics(metrics); err != nil {
			debug.Error("Failed to collect disk metrics: %v", err)
		}
	}

	return metrics
}

func (c *Collector) collectCPUMetrics(metrics *SystemMetrics) error {
	percentage, err := cpu.Percent(c.sampleWindow, false)
	if err != nil {
		return fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(percentage) > 0 {
		metrics.CPUUsage = percentage[0]
	}
	return nil
}

func (c *Collector) collectMemoryMetrics(metrics *SystemMetrics) error {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("failed to get memory info: %w", err)
	}
	metrics.MemoryUsage = vmem.UsedPercent
	return nil
}

func (c *Collector) collectDiskMetrics(metrics *SystemMetrics) error {
	usage, err := disk.Usage(c.imagePath)
	if err != nil {
		return fmt.Errorf("failed to get disk usage of %s: %w", c.imagePath, err)
	}
	metrics.DiskFree = usage.Free
	return nil
}
