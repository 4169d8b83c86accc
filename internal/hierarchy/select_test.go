package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankLeastLoadedOrdersByLoadRatio(t *testing.T) {
	busy := newAgent(Spec{MaxConcurrent: 2})
	busy.CurrentTasks["x"] = true
	idle := newAgent(Spec{MaxConcurrent: 2})

	ranked := rank([]*Agent{busy, idle}, StrategyLeastLoaded, 0)
	require.Len(t, ranked, 2)
	assert.Equal(t, idle.ID, ranked[0].ID)
}

func TestRankQualityFirstOrdersByRollingQuality(t *testing.T) {
	low := newAgent(Spec{MaxConcurrent: 1})
	low.RollingQuality = 0.5
	high := newAgent(Spec{MaxConcurrent: 1})
	high.RollingQuality = 0.9

	ranked := rank([]*Agent{low, high}, StrategyQualityFirst, 0)
	require.Len(t, ranked, 2)
	assert.Equal(t, high.ID, ranked[0].ID)
}

func TestRankRoundRobinRotatesByCursor(t *testing.T) {
	a := newAgent(Spec{MaxConcurrent: 1})
	b := newAgent(Spec{MaxConcurrent: 1})
	c := newAgent(Spec{MaxConcurrent: 1})
	agents := []*Agent{a, b, c}

	first := rank(agents, StrategyRoundRobin, 0)
	second := rank(agents, StrategyRoundRobin, 1)
	require.Len(t, first, 3)
	require.Len(t, second, 3)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestLeastLoadedLessTieBreaksOnQualityThenCostThenID(t *testing.T) {
	a := newAgent(Spec{MaxConcurrent: 1})
	b := newAgent(Spec{MaxConcurrent: 1})
	a.RollingQuality = 0.9
	b.RollingQuality = 0.5
	assert.True(t, leastLoadedLess(a, b))

	a.RollingQuality = 0.5
	a.CostPerHour = 1
	b.CostPerHour = 2
	assert.True(t, leastLoadedLess(a, b))
}
