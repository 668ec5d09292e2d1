// Package collectors gathers host telemetry: the rolling metrics
// snapshot shipped with every heartbeat and the scheduled inventory
// refresh pushed through the offline buffer.
package collectors

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"fleetguard/agent/internal/config"
	"fleetguard/agent/internal/logger"
)

// SystemMetrics is the per-heartbeat telemetry snapshot. The server
// treats it as opaque; the shape only matters to the dashboard.
type SystemMetrics struct {
	CPUPercent      float64 `json:"cpuPercent"`
	RAMPercent      float64 `json:"ramPercent"`
	RAMUsedMB       uint64  `json:"ramUsedMb"`
	DiskPercent     float64 `json:"diskPercent"`
	DiskUsedGB      float64 `json:"diskUsedGb"`
	NetworkInBytes  uint64  `json:"networkInBytes,omitempty"`
	NetworkOutBytes uint64  `json:"networkOutBytes,omitempty"`
	UptimeSeconds   uint64  `json:"uptimeSeconds"`
}

// Metrics keeps the most recent snapshot available without blocking the
// heartbeat on collection.
type Metrics struct {
	log zerolog.Logger

	mu         sync.Mutex
	latest     json.RawMessage
	lastNetIn  uint64
	lastNetOut uint64
}

func NewMetrics() *Metrics {
	return &Metrics{log: logger.C("metrics")}
}

// Collect reads one snapshot. Individual probe failures degrade to zero
// values rather than failing the whole snapshot.
func (m *Metrics) Collect() SystemMetrics {
	var out SystemMetrics

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		out.RAMPercent = vmem.UsedPercent
		out.RAMUsedMB = vmem.Used / 1024 / 1024
	}
	if usage, err := disk.Usage("/"); err == nil {
		out.DiskPercent = usage.UsedPercent
		out.DiskUsedGB = float64(usage.Used) / 1024 / 1024 / 1024
	}
	if counters, err := gnet.IOCounters(false); err == nil && len(counters) > 0 {
		in, outBytes := counters[0].BytesRecv, counters[0].BytesSent
		m.mu.Lock()
		if m.lastNetIn > 0 {
			out.NetworkInBytes = in - m.lastNetIn
			out.NetworkOutBytes = outBytes - m.lastNetOut
		}
		m.lastNetIn = in
		m.lastNetOut = outBytes
		m.mu.Unlock()
	}
	if uptime, err := host.Uptime(); err == nil {
		out.UptimeSeconds = uptime
	}
	return out
}

// Run refreshes the snapshot on the configured cadence until ctx ends.
func (m *Metrics) Run(ctx context.Context, cfg *config.Store) {
	m.refresh()
	for {
		interval := time.Duration(cfg.Snapshot().MetricsIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			m.refresh()
		}
	}
}

func (m *Metrics) refresh() {
	snapshot := m.Collect()
	raw, err := json.Marshal(snapshot)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to encode metrics")
		return
	}
	m.mu.Lock()
	m.latest = raw
	m.mu.Unlock()
}

// Latest returns the most recent snapshot, collecting one on demand if
// the refresh loop has not produced any yet.
func (m *Metrics) Latest() json.RawMessage {
	m.mu.Lock()
	latest := m.latest
	m.mu.Unlock()
	if latest == nil {
		m.refresh()
		m.mu.Lock()
		latest = m.latest
		m.mu.Unlock()
	}
	return latest
}
