package container

import (
	"context"
	"encoding/json"

	"github.com/docker/docker/api/types/container"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/security"
)

// Stats is a normalized resource sample for one container.
type Stats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryBytes    int64   `json:"memory_bytes"`
	MemoryLimit    int64   `json:"memory_limit"`
	NetworkRxBytes int64   `json:"network_rx_bytes"`
	NetworkTxBytes int64   `json:"network_tx_bytes"`
}

// ContainerStats fetches a one-shot stats sample and normalizes it.
func (m *Manager) ContainerStats(ctx context.Context, containerID string) (*Stats, error) {
	reader, err := m.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.DockerConnectionFailed, "fetch container stats")
	}
	defer reader.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&raw); err != nil {
		return nil, apperr.Wrap(err, apperr.InternalError, "decode container stats")
	}
	return normalizeStats(&raw), nil
}

// normalizeStats derives cpu percentage from the cpu/precpu deltas and
// aggregates network counters across interfaces.
func normalizeStats(raw *container.StatsResponse) *Stats {
	s := &Stats{
		MemoryBytes: int64(raw.MemoryStats.Usage),
		MemoryLimit: int64(raw.MemoryStats.Limit),
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if cpus == 0 {
			cpus = 1
		}
		s.CPUPercent = (cpuDelta / sysDelta) * cpus * 100
	}

	for _, nw := range raw.Networks {
		s.NetworkRxBytes += int64(nw.RxBytes)
		s.NetworkTxBytes += int64(nw.TxBytes)
	}
	return s
}

// usage converts a stats sample into the security engine's shape.
func (s *Stats) usage() security.ResourceUsage {
	return security.ResourceUsage{
		MemoryBytes:    s.MemoryBytes,
		CPUPercent:     s.CPUPercent,
		NetworkRxBytes: s.NetworkRxBytes,
		NetworkTxBytes: s.NetworkTxBytes,
	}
}
