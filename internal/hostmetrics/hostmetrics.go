// Package hostmetrics collects host resource utilization for inclusion in
// heartbeat frames, using gopsutil so the numbers are accurate across the
// platforms the agent ships on (Linux, Windows, macOS).
package hostmetrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time read of host resource usage, matching the
// "metrics" object sent in heartbeat frames.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeGB    uint64  `json:"disk_free_gb"`
}

// diskPath is the filesystem root metrics are sampled from. Overridable in
// tests.
var diskPath = "/"

// Collect samples CPU, memory, and disk usage. A short CPU sampling interval
// (100ms) is used, matching the interval the original heartbeat loop used —
// long enough to be meaningful, short enough not to delay the heartbeat.
func Collect(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	cpuPercents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return Snapshot{}, err
	}
	if len(cpuPercents) > 0 {
		snap.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.MemoryPercent = vm.UsedPercent
	snap.MemoryUsedMB = vm.Used / (1024 * 1024)

	du, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return Snapshot{}, err
	}
	snap.DiskPercent = du.UsedPercent
	snap.DiskFreeGB = du.Free / (1024 * 1024 * 1024)

	return snap, nil
}

// AsMap converts a Snapshot to the map[string]any shape the wire frame
// payloads expect, optionally merging in connection counters the control
// client tracks itself (messages sent/received, reconnect count, queue size).
func (s Snapshot) AsMap(extra map[string]any) map[string]any {
	m := map[string]any{
		"cpu_percent":    s.CPUPercent,
		"memory_percent": s.MemoryPercent,
		"memory_used_mb": s.MemoryUsedMB,
		"disk_percent":   s.DiskPercent,
		"disk_free_gb":   s.DiskFreeGB,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}
