// Package hoststats samples host CPU and memory utilization for the
// heartbeat publisher. Adapted from the teacher's
// internal/monitor.SystemMonitor.GetStats: same gopsutil calls and busy
// heuristic, repurposed from gating transcode-job acceptance to
// annotating worker heartbeats so the orchestrator can see load
// alongside queue depth.
package hoststats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is a point-in-time host utilization snapshot.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	Busy       bool    `json:"busy"`
}

// sampleWindow bounds how long cpu.PercentWithContext blocks to measure
// a delta; kept short so it never dominates a heartbeat tick.
const sampleWindow = 200 * time.Millisecond

// Sampler reads host load on demand. Stateless aside from the gopsutil
// calls themselves, so the zero value is unused — always construct via
// New for symmetry with the rest of the package surface.
type Sampler struct{}

// New returns a host stats sampler.
func New() *Sampler {
	return &Sampler{}
}

// Sample gathers current CPU and RAM utilization. An error from either
// probe is returned (with RAMPercent already filled if only the CPU probe
// failed); the heartbeat publisher logs it and omits the host block.
func (s *Sampler) Sample(ctx context.Context) (Stats, error) {
	var st Stats

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return st, err
	}
	st.RAMPercent = v.UsedPercent

	cpuPct, err := cpu.PercentWithContext(ctx, sampleWindow, false)
	if err != nil {
		return st, err
	}
	if len(cpuPct) > 0 {
		st.CPUPercent = cpuPct[0]
	}

	st.Busy = st.CPUPercent > 80.0 || st.RAMPercent > 90.0
	return st, nil
}
