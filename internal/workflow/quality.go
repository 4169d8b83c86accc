package workflow

// AggregateQuality computes Σ(q_i * w_i) / Σ(w_i) over completed subtasks,
// weighted by estimated minutes. Returns 0 if no
// subtask has completed.
func AggregateQuality(w *Workflow) float64 {
	var weightedSum, totalWeight float64
	for _, s := range w.Subtasks() {
		if s.Status() != SubtaskCompleted {
			continue
		}
		res, ok := s.ResultValue()
		if !ok {
			continue
		}
		weight := float64(s.EstimatedMinutes)
		if weight <= 0 {
			weight = 1
		}
		weightedSum += res.Quality * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

// AllTerminal reports whether every subtask in the workflow has reached a
// terminal status, the precondition for completion evaluation.
func AllTerminal(w *Workflow) bool {
	for _, s := range w.Subtasks() {
		if !s.Status().Terminal() {
			return false
		}
	}
	return true
}
