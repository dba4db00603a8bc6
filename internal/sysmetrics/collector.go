package sysmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	bytesPerMB = 1 << 20
	bytesPerGB = 1 << 30

	defaultSampleInterval = time.Second
)

// Disk is one fixed local drive.
type Disk struct {
	Name    string  `json:"name"`
	TotalGB float64 `json:"totalGB"`
	FreeGB  float64 `json:"freeGB"`
}

type Snapshot struct {
	CPUPercent    float64
	MemoryUsedMB  int64
	MemoryTotalMB int64
	Disks         []Disk
}

// MemoryRatio is used/total, or 0 when the total is unknown.
func (s Snapshot) MemoryRatio() float64 {
	if s.MemoryTotalMB <= 0 {
		return 0
	}
	return float64(s.MemoryUsedMB) / float64(s.MemoryTotalMB)
}

// DisksJSON renders the drive list as a JSON array; never returns "null".
func (s Snapshot) DisksJSON() string {
	disks := s.Disks
	if disks == nil {
		disks = []Disk{}
	}
	data, err := json.Marshal(disks)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Collector samples host CPU, memory and disk usage.
type Collector struct {
	sampleInterval time.Duration
}

func NewCollector() *Collector {
	return &Collector{sampleInterval: defaultSampleInterval}
}

// Collect never fails as a whole: a part that cannot be read is left zero.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	if percents, err := cpu.PercentWithContext(ctx, c.sampleInterval, false); err != nil {
		slog.Debug("Failed to sample cpu", "error", err)
	} else if len(percents) > 0 {
		snap.CPUPercent = clamp(percents[0], 0, 100)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		slog.Debug("Failed to read memory", "error", err)
	} else {
		snap.MemoryTotalMB = int64(vm.Total / bytesPerMB)
		snap.MemoryUsedMB = int64(vm.Used / bytesPerMB)
	}

	disks, err := fixedDisks(ctx)
	if err != nil {
		slog.Debug("Failed to list disks", "error", err)
	}
	snap.Disks = disks

	return snap, ctx.Err()
}

func fixedDisks(ctx context.Context) ([]Disk, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	seen := make(map[string]bool)
	var disks []Disk
	for _, p := range partitions {
		if !isFixed(p) || seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		disks = append(disks, Disk{
			Name:    p.Mountpoint,
			TotalGB: round2(float64(usage.Total) / bytesPerGB),
			FreeGB:  round2(float64(usage.Free) / bytesPerGB),
		})
	}
	return disks, nil
}

var virtualFilesystems = map[string]bool{
	"tmpfs": true, "devtmpfs": true, "overlay": true, "squashfs": true,
	"proc": true, "sysfs": true, "cgroup": true, "cgroup2": true, "autofs": true,
}

func isFixed(p disk.PartitionStat) bool {
	if virtualFilesystems[strings.ToLower(p.Fstype)] {
		return false
	}
	for _, opt := range p.Opts {
		if opt == "cdrom" || opt == "removable" {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
