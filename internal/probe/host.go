// Package probe reads host resource usage for the activity store's sampling
// loop.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/bcrosbie/activityhub/internal/domain"
)

const megabyte = 1024 * 1024

// Host samples the machine the server runs on. CPU usage is measured since
// the previous call, so the first sample after start may read zero.
type Host struct {
	// DiskPath is the mount whose usage is reported. Defaults to "/".
	DiskPath string
	now      func() time.Time
}

func NewHost(diskPath string) *Host {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Host{DiskPath: diskPath, now: time.Now}
}

// Sample implements monitor.Probe. Network counters are optional; every
// other reading is required.
func (h *Host) Sample(ctx context.Context) (domain.SystemMetricSample, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return domain.SystemMetricSample{}, fmt.Errorf("read cpu: %w", err)
	}
	memory, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.SystemMetricSample{}, fmt.Errorf("read memory: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, h.DiskPath)
	if err != nil {
		return domain.SystemMetricSample{}, fmt.Errorf("read disk %s: %w", h.DiskPath, err)
	}
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return domain.SystemMetricSample{}, fmt.Errorf("list processes: %w", err)
	}

	sample := domain.SystemMetricSample{
		Timestamp:       h.now(),
		MemoryUsage:     float64(memory.Used) / megabyte,
		DiskUsage:       float64(usage.Used) / megabyte,
		ActiveProcesses: len(pids),
	}
	if len(percents) > 0 {
		sample.CPUUsage = percents[0]
	}
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		sample.NetworkIO = domain.NetworkIO{
			BytesSent: counters[0].BytesSent,
			BytesRecv: counters[0].BytesRecv,
		}
	}
	return sample, nil
}
