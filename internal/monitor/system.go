package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// SystemSnapshot is one periodic sample of host and workload health
type SystemSnapshot struct {
	Timestamp        time.Time     `json:"timestamp"`
	CPUPercent       float64       `json:"cpu_percent"`
	MemoryPercent    float64       `json:"memory_percent"`
	DiskReadBytes    uint64        `json:"disk_read_bytes"`
	DiskWriteBytes   uint64        `json:"disk_write_bytes"`
	NetSentBytes     uint64        `json:"net_sent_bytes"`
	NetRecvBytes     uint64        `json:"net_recv_bytes"`
	ActiveAgents     int           `json:"active_agents"`
	CompletedTasks   int64         `json:"completed_tasks"`
	FailedTasks      int64         `json:"failed_tasks"`
	MeanResponseTime time.Duration `json:"mean_response_time"`
}

// sampleHost reads CPU, memory, disk and network counters. Individual
// probe failures leave their fields zero; sampling never fails outright.
func sampleHost(ctx context.Context) SystemSnapshot {
	snap := SystemSnapshot{Timestamp: time.Now()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		log.Warn().Err(err).Msg("CPU sample failed")
	} else if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Warn().Err(err).Msg("Memory sample failed")
	} else {
		snap.MemoryPercent = vm.UsedPercent
	}

	if counters, err := disk.IOCountersWithContext(ctx); err != nil {
		log.Warn().Err(err).Msg("Disk sample failed")
	} else {
		for _, c := range counters {
			snap.DiskReadBytes += c.ReadBytes
			snap.DiskWriteBytes += c.WriteBytes
		}
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err != nil {
		log.Warn().Err(err).Msg("Network sample failed")
	} else if len(counters) > 0 {
		snap.NetSentBytes = counters[0].BytesSent
		snap.NetRecvBytes = counters[0].BytesRecv
	}

	return snap
}
