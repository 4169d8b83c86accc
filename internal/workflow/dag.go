package workflow

import "fmt"

// ValidateDAG checks acyclicity via Kahn's algorithm and that every
// dependency reference resolves to a subtask in the same workflow.
func ValidateDAG(w *Workflow) error {
	subtasks := w.Subtasks()
	inDegree := make(map[string]int, len(subtasks))
	children := make(map[string][]string, len(subtasks))
	ids := make(map[string]bool, len(subtasks))
	for _, s := range subtasks {
		ids[s.ID] = true
	}
	for _, s := range subtasks {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", s.ID, dep)
			}
			inDegree[s.ID]++
			children[dep] = append(children[dep], s.ID)
		}
	}

	queue := make([]string, 0)
	for _, s := range subtasks {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(subtasks) {
		return fmt.Errorf("workflow %s has a circular dependency", w.ID)
	}
	return nil
}

// ReadySubtasks returns subtasks in status pending whose dependencies are
// all completed, i.e. eligible to transition to ready and enter the ready
// queue.
func ReadySubtasks(w *Workflow) []*Subtask {
	var ready []*Subtask
	for _, s := range w.Subtasks() {
		if s.Status() != SubtaskPending {
			continue
		}
		if dependenciesSatisfied(w, s) {
			ready = append(ready, s)
		}
	}
	return ready
}

func dependenciesSatisfied(w *Workflow, s *Subtask) bool {
	for _, dep := range s.DependsOn {
		d, ok := w.Subtask(dep)
		if !ok || d.Status() != SubtaskCompleted {
			return false
		}
	}
	return true
}

// Dependents returns the subtasks that directly depend on s.
func Dependents(w *Workflow, s *Subtask) []*Subtask {
	var out []*Subtask
	for _, other := range w.Subtasks() {
		for _, dep := range other.DependsOn {
			if dep == s.ID {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// CriticalPath returns the ids of subtasks on the longest path (by
// estimated duration) through the graph, and its total duration in minutes.
// Used to decide whether a subtask's failure is workflow-impacting:
// impacting iff on this path, or its capability has no live alternative.
func CriticalPath(w *Workflow) ([]string, int) {
	subtasks := w.Subtasks()
	byID := make(map[string]*Subtask, len(subtasks))
	children := make(map[string][]string, len(subtasks))
	inDegree := make(map[string]int, len(subtasks))
	for _, s := range subtasks {
		byID[s.ID] = s
	}
	for _, s := range subtasks {
		for _, dep := range s.DependsOn {
			children[dep] = append(children[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	order := topoOrder(subtasks, inDegree, children)

	longest := make(map[string]int, len(subtasks))
	prev := make(map[string]string, len(subtasks))
	best, bestLen := "", -1

	for _, id := range order {
		s := byID[id]
		base := 0
		pred := ""
		for _, dep := range s.DependsOn {
			if longest[dep]+byID[dep].EstimatedMinutes > base {
				base = longest[dep] + byID[dep].EstimatedMinutes
				pred = dep
			}
		}
		longest[id] = base
		if pred != "" {
			prev[id] = pred
		}
		total := base + s.EstimatedMinutes
		if total > bestLen {
			bestLen = total
			best = id
		}
	}

	if best == "" {
		return nil, 0
	}
	var path []string
	for cur := best; cur != ""; {
		path = append([]string{cur}, path...)
		cur = prev[cur]
	}
	return path, bestLen
}

func topoOrder(subtasks []*Subtask, inDegree map[string]int, children map[string][]string) []string {
	remaining := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		remaining[k] = v
	}
	var queue, order []string
	for _, s := range subtasks {
		if remaining[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, child := range children[id] {
			remaining[child]--
			if remaining[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	return order
}

// OnCriticalPath reports whether subtask id lies on the workflow's critical
// path.
func OnCriticalPath(w *Workflow, id string) bool {
	path, _ := CriticalPath(w)
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}
