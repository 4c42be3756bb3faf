package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/protocol"
)

func runtimeAt(id string, cpu, mem float64) protocol.Summary {
	return protocol.Summary{
		ID:     id,
		Device: protocol.Device{AvgClockMHz: 2000},
		Stat:   protocol.ResourceStat{CPUUtil: cpu, MemUsedMB: mem * 8000, MemLimitMB: 8000},
	}
}

func TestScore(t *testing.T) {
	s := runtimeAt("r1", 0.25, 0.5)
	// 2000 × 0.75 + 3 × 4000
	assert.InDelta(t, 13500.0, Score(s), 1e-9)
	assert.Greater(t, Score(runtimeAt("idle", 0, 0)), Score(runtimeAt("busy", 0.9, 0.9)))
}

func TestCost(t *testing.T) {
	assert.InDelta(t, 50+3*100.0, Cost(protocol.AgentStat{CPUPercent: 50, MemoryMB: 100}), 1e-9)
}

func TestPlacement(t *testing.T) {
	candidates := []protocol.Summary{
		runtimeAt("busy", 0.9, 0.9),
		runtimeAt("idle", 0.1, 0.1),
		runtimeAt("mid", 0.5, 0.5),
	}

	id, err := Placement(candidates, nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", id)

	id, err = Placement(candidates, func(s protocol.Summary) bool { return s.ID != "idle" })
	require.NoError(t, err)
	assert.Equal(t, "mid", id)

	_, err = Placement(candidates, func(protocol.Summary) bool { return false })
	require.ErrorIs(t, err, ErrNoPlacement)
	_, err = Placement(nil, nil)
	require.ErrorIs(t, err, ErrNoPlacement)
}

func TestStressed(t *testing.T) {
	tests := []struct {
		name     string
		runtimes []protocol.Summary
		want     []string
	}{
		{
			name: "saturated runtime far below the mean",
			runtimes: []protocol.Summary{
				runtimeAt("hot", 0.9, 0.9),
				runtimeAt("a", 0.1, 0.1),
				runtimeAt("b", 0.1, 0.1),
				runtimeAt("c", 0.1, 0.1),
			},
			want: []string{"hot"},
		},
		{
			name: "lightly loaded runtime is never flagged",
			runtimes: []protocol.Summary{
				runtimeAt("cool", 0.1, 0.1),
				runtimeAt("a", 0.05, 0.05),
				runtimeAt("b", 0.05, 0.05),
				runtimeAt("c", 0.05, 0.05),
			},
		},
		{
			name: "two runtimes never deviate enough",
			runtimes: []protocol.Summary{
				runtimeAt("hot", 0.9, 0.9),
				runtimeAt("a", 0.1, 0.1),
			},
		},
		{
			name: "everyone saturated equally",
			runtimes: []protocol.Summary{
				runtimeAt("a", 0.9, 0.9),
				runtimeAt("b", 0.9, 0.9),
				runtimeAt("c", 0.9, 0.9),
			},
		},
		{
			name: "utilization at the threshold is not stress",
			runtimes: []protocol.Summary{
				runtimeAt("edge", 0.8, 0.8),
				runtimeAt("a", 0, 0),
				runtimeAt("b", 0, 0),
				runtimeAt("c", 0, 0),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Stressed(tt.runtimes))
		})
	}
}
