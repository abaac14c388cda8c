package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.IncMissionsTotal()
	r.IncMissionsTotal()
	r.IncMissionsSuccess()
	r.IncMissionsFailed()
	r.AddRedTeamFlags(3)
	r.AddCost(0.5)
	r.AddCost(0.25)

	s := r.Snapshot()
	assert.Equal(t, int64(2), s.MissionsTotal)
	assert.Equal(t, int64(1), s.MissionsSuccess)
	assert.Equal(t, int64(1), s.MissionsFailed)
	assert.Equal(t, int64(3), s.RedTeamFlags)
	assert.InDelta(t, 0.75, s.CostTotal, 1e-12)
}

func TestRegistry_Gauge(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.AgentStarted()
	r.AgentStarted()
	assert.Equal(t, int64(2), r.ActiveAgents())
	r.AgentFinished()
	assert.Equal(t, int64(1), r.ActiveAgents())
}

func TestRegistry_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.IncMissionsTotal()
				r.ObserveDuration(float64(j))
				r.AddCost(0.001)
			}
		}()
	}
	wg.Wait()

	s := r.Snapshot()
	assert.Equal(t, int64(5000), s.MissionsTotal)
	assert.InDelta(t, 5.0, s.CostTotal, 1e-9)
	assert.Equal(t, ringCapacity, s.Samples)
}

func TestRegistry_RingBufferBounded(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for i := 0; i < ringCapacity*2; i++ {
		r.ObserveDuration(float64(i))
	}
	assert.Equal(t, ringCapacity, len(r.durations))
}

func TestRegistry_Quantiles(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	p50, p90, p99 := r.Quantiles()
	assert.Zero(t, p50)
	assert.Zero(t, p90)
	assert.Zero(t, p99)

	for i := 1; i <= 100; i++ {
		r.ObserveDuration(float64(i))
	}
	p50, p90, p99 = r.Quantiles()
	assert.InDelta(t, 51, p50, 1)
	assert.InDelta(t, 91, p90, 1)
	assert.InDelta(t, 100, p99, 1)
}

func TestRegistry_Exposition(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.IncMissionsTotal()
	r.ObserveDuration(12)

	var sb strings.Builder
	require.NoError(t, r.WriteExposition(&sb))
	out := sb.String()

	for _, metric := range []string{"missions_total", "missions_success", "missions_failed", "red_team_flags_total", "cost_total", "swarm_agents_active", "request_duration_ms"} {
		assert.Contains(t, out, "# HELP "+metric)
		assert.Contains(t, out, "# TYPE "+metric)
	}
	assert.Contains(t, out, "missions_total 1")
	assert.Contains(t, out, `request_duration_ms{quantile="0.5"} 12`)
	assert.Contains(t, out, "request_duration_ms_count 1")
}
