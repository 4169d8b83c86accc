package hierarchy

import "sort"

// Strategy picks among candidate agents.
type Strategy string

const (
	StrategyLeastLoaded  Strategy = "least_loaded"
	StrategyQualityFirst Strategy = "quality_first"
	StrategyRoundRobin   Strategy = "round_robin"
)

// rank orders candidates best-first for the given strategy. Ties are broken
// deterministically so selection is reproducible under test.
func rank(candidates []*Agent, strategy Strategy, rrCursor int) []*Agent {
	out := make([]*Agent, len(candidates))
	copy(out, candidates)

	switch strategy {
	case StrategyQualityFirst:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].RollingQuality != out[j].RollingQuality {
				return out[i].RollingQuality > out[j].RollingQuality
			}
			return leastLoadedLess(out[i], out[j])
		})
	case StrategyRoundRobin:
		if len(out) == 0 {
			return out
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		start := rrCursor % len(out)
		rotated := make([]*Agent, 0, len(out))
		rotated = append(rotated, out[start:]...)
		rotated = append(rotated, out[:start]...)
		return rotated
	default: // StrategyLeastLoaded
		sort.SliceStable(out, func(i, j int) bool { return leastLoadedLess(out[i], out[j]) })
	}
	return out
}

// leastLoadedLess implements least_loaded's ordering: minimize load ratio,
// tie-break on higher rolling quality, then lower cost-per-hour, then lower
// id.
func leastLoadedLess(a, b *Agent) bool {
	if a.LoadRatio() != b.LoadRatio() {
		return a.LoadRatio() < b.LoadRatio()
	}
	if a.RollingQuality != b.RollingQuality {
		return a.RollingQuality > b.RollingQuality
	}
	if a.CostPerHour != b.CostPerHour {
		return a.CostPerHour < b.CostPerHour
	}
	return a.ID < b.ID
}
