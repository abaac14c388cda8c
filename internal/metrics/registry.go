// Package metrics implements the process-wide metrics registry: mission
// counters, the active-agent gauge, the cumulative cost counter, and a
// bounded ring of recent request durations from which latency quantiles
// are derived at scrape time. Exposition uses the text-based scrape
// format; nothing survives a restart.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// ContentType is the exposition content type served on /metrics.
const ContentType = "text/plain; version=0.0.4"

// ringCapacity bounds the duration buffer.
const ringCapacity = 1000

// Registry accumulates process metrics. Safe for concurrent use.
type Registry struct {
	missionsTotal   atomic.Int64
	missionsSuccess atomic.Int64
	missionsFailed  atomic.Int64
	redTeamFlags    atomic.Int64
	agentsActive    atomic.Int64

	mu        sync.Mutex
	costTotal float64
	durations []float64 // ring buffer of request durations, ms
	next      int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{durations: make([]float64, 0, ringCapacity)}
}

func (r *Registry) IncMissionsTotal()   { r.missionsTotal.Add(1) }
func (r *Registry) IncMissionsSuccess() { r.missionsSuccess.Add(1) }
func (r *Registry) IncMissionsFailed()  { r.missionsFailed.Add(1) }

// AddRedTeamFlags records n newly created flags.
func (r *Registry) AddRedTeamFlags(n int) { r.redTeamFlags.Add(int64(n)) }

// AgentStarted and AgentFinished move the swarm_agents_active gauge.
func (r *Registry) AgentStarted()  { r.agentsActive.Add(1) }
func (r *Registry) AgentFinished() { r.agentsActive.Add(-1) }

// ActiveAgents reports the current gauge value.
func (r *Registry) ActiveAgents() int64 { return r.agentsActive.Load() }

// AddCost adds a terminal mission's actual cost to the running total.
func (r *Registry) AddCost(usd float64) {
	r.mu.Lock()
	r.costTotal += usd
	r.mu.Unlock()
}

// ObserveDuration records one request duration in milliseconds. Once the
// ring is full the oldest observation is overwritten.
func (r *Registry) ObserveDuration(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.durations) < ringCapacity {
		r.durations = append(r.durations, ms)
		return
	}
	r.durations[r.next] = ms
	r.next = (r.next + 1) % ringCapacity
}

// Quantiles returns p50/p90/p99 over the buffered durations. All zeros
// when nothing has been observed.
func (r *Registry) Quantiles() (p50, p90, p99 float64) {
	r.mu.Lock()
	buf := make([]float64, len(r.durations))
	copy(buf, r.durations)
	r.mu.Unlock()

	if len(buf) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(buf)
	return percentile(buf, 0.50), percentile(buf, 0.90), percentile(buf, 0.99)
}

// percentile expects sorted input and uses nearest-rank selection.
func percentile(sorted []float64, q float64) float64 {
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Snapshot is a point-in-time copy of every metric, used by tests and
// the exposition writer.
type Snapshot struct {
	MissionsTotal   int64
	MissionsSuccess int64
	MissionsFailed  int64
	RedTeamFlags    int64
	AgentsActive    int64
	CostTotal       float64
	P50, P90, P99   float64
	Samples         int
}

// Snapshot captures current values.
func (r *Registry) Snapshot() Snapshot {
	p50, p90, p99 := r.Quantiles()
	r.mu.Lock()
	cost := r.costTotal
	samples := len(r.durations)
	r.mu.Unlock()
	return Snapshot{
		MissionsTotal:   r.missionsTotal.Load(),
		MissionsSuccess: r.missionsSuccess.Load(),
		MissionsFailed:  r.missionsFailed.Load(),
		RedTeamFlags:    r.redTeamFlags.Load(),
		AgentsActive:    r.agentsActive.Load(),
		CostTotal:       cost,
		P50:             p50,
		P90:             p90,
		P99:             p99,
		Samples:         samples,
	}
}

// WriteExposition renders all metrics in the text scrape format: one
// HELP line, one TYPE line, then samples, per metric.
func (r *Registry) WriteExposition(w io.Writer) error {
	s := r.Snapshot()

	counters := []struct {
		name, help string
		value      int64
	}{
		{"missions_total", "Total missions received.", s.MissionsTotal},
		{"missions_success", "Missions that completed successfully.", s.MissionsSuccess},
		{"missions_failed", "Missions that terminated in failure.", s.MissionsFailed},
		{"red_team_flags_total", "Red-team flags raised across all scans.", s.RedTeamFlags},
	}
	for _, c := range counters {
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
			c.name, c.help, c.name, c.name, c.value); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w,
		"# HELP cost_total Cumulative actual cost of completed missions in USD.\n# TYPE cost_total counter\ncost_total %g\n",
		s.CostTotal); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w,
		"# HELP swarm_agents_active Agents currently executing upstream calls.\n# TYPE swarm_agents_active gauge\nswarm_agents_active %d\n",
		s.AgentsActive); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w,
		"# HELP request_duration_ms Recent mission request durations in milliseconds.\n# TYPE request_duration_ms summary\n"+
			"request_duration_ms{quantile=\"0.5\"} %g\nrequest_duration_ms{quantile=\"0.9\"} %g\nrequest_duration_ms{quantile=\"0.99\"} %g\nrequest_duration_ms_count %d\n",
		s.P50, s.P90, s.P99, s.Samples)
	return err
}
