package decomposer

import (
	"fmt"

	"github.com/swarmguard/agent-orchestrator/internal/errkind"
	"github.com/swarmguard/agent-orchestrator/internal/workflow"
)

// materialize converts a Planner's candidate plan into a validated
// workflow, resolving depends_on title references to ids, rejecting
// unknown capabilities, cycles, and orphans, and splitting any subtask
// whose estimate exceeds the per-subtask cap.
func (d *Decomposer) materialize(brief string, priority int, plan Plan) (*workflow.Workflow, error) {
	if len(plan.Subtasks) == 0 {
		return nil, errkind.New(errkind.InvalidPlan, "empty plan")
	}

	wf := workflow.NewWorkflow(brief, priority)

	// firstLeaf is the split leaf that must wait on the title's real
	// DependsOn (it starts the chain); lastLeaf is the split leaf other
	// titles' dependencies resolve against (it finishes the chain, so a
	// dependent only becomes ready once the whole split subtask is done).
	// For an unsplit subtask both maps point at the same single leaf.
	firstLeaf := make(map[string]*workflow.Subtask, len(plan.Subtasks))
	lastLeaf := make(map[string]*workflow.Subtask, len(plan.Subtasks))
	for _, c := range dedupeByTitle(plan.Subtasks) {
		if len(c.Capabilities) == 0 {
			return nil, errkind.New(errkind.InvalidPlan, fmt.Sprintf("subtask %q has no capabilities", c.Title))
		}
		if !d.capabilitiesKnown(c.Capabilities) {
			return nil, errkind.New(errkind.InvalidPlan, fmt.Sprintf("subtask %q references unknown capability", c.Title))
		}

		caps := make([]workflow.Capability, 0, len(c.Capabilities))
		for _, cap := range c.Capabilities {
			caps = append(caps, workflow.Capability(cap))
		}

		leaves := d.splitIfOversized(c, caps, priority, 0)
		for _, leaf := range leaves {
			wf.AddSubtask(leaf)
		}
		firstLeaf[c.Title] = leaves[0]
		lastLeaf[c.Title] = leaves[len(leaves)-1]
	}

	for _, c := range plan.Subtasks {
		node, ok := firstLeaf[c.Title]
		if !ok {
			continue
		}
		for _, depTitle := range c.DependsOn {
			dep, ok := lastLeaf[depTitle]
			if !ok {
				return nil, errkind.New(errkind.InvalidPlan, fmt.Sprintf("subtask %q depends on unknown title %q", c.Title, depTitle))
			}
			node.DependsOn = append(node.DependsOn, dep.ID)
		}
	}

	if err := workflow.ValidateDAG(wf); err != nil {
		return nil, errkind.Wrap(errkind.InvalidPlan, err)
	}
	if err := checkNoOrphans(wf); err != nil {
		return nil, err
	}

	return wf, nil
}

func dedupeByTitle(subtasks []CandidateSubtask) []CandidateSubtask {
	seen := make(map[string]bool, len(subtasks))
	out := make([]CandidateSubtask, 0, len(subtasks))
	for _, s := range subtasks {
		if seen[s.Title] {
			continue
		}
		seen[s.Title] = true
		out = append(out, s)
	}
	return out
}

func (d *Decomposer) capabilitiesKnown(caps []string) bool {
	if d.known == nil {
		return true
	}
	known := make(map[string]bool)
	for _, c := range d.known() {
		known[c] = true
	}
	for _, c := range caps {
		if !known[c] {
			return false
		}
	}
	return true
}

// splitIfOversized recursively splits a candidate whose estimate exceeds the
// per-subtask duration cap into sequential parts, bounded to MaxSplitDepth.
// Split parts form a linear chain so their combined estimate still gates downstream scheduling
// correctly.
func (d *Decomposer) splitIfOversized(c CandidateSubtask, caps []workflow.Capability, priority, depth int) []*workflow.Subtask {
	capMinutes := d.cfg.MaxSubtaskMinutes
	if capMinutes <= 0 {
		capMinutes = 4 * 60
	}
	if c.EstimatedMinutes <= capMinutes || depth >= d.cfg.splitDepthOrDefault() {
		return []*workflow.Subtask{workflow.NewSubtask(c.Title, c.Description, caps, c.EstimatedMinutes, priority)}
	}

	half := c.EstimatedMinutes / 2
	first := CandidateSubtask{
		Title:            c.Title + " (part 1)",
		Description:      c.Description,
		Capabilities:     c.Capabilities,
		EstimatedMinutes: half,
	}
	second := CandidateSubtask{
		Title:            c.Title + " (part 2)",
		Description:      c.Description,
		Capabilities:     c.Capabilities,
		EstimatedMinutes: c.EstimatedMinutes - half,
	}

	firstParts := d.splitIfOversized(first, caps, priority, depth+1)
	secondParts := d.splitIfOversized(second, caps, priority, depth+1)

	if len(firstParts) > 0 && len(secondParts) > 0 {
		secondParts[0].DependsOn = append(secondParts[0].DependsOn, firstParts[len(firstParts)-1].ID)
	}
	return append(firstParts, secondParts...)
}

func (cfg Config) splitDepthOrDefault() int {
	if cfg.MaxSplitDepth <= 0 {
		return 3
	}
	return cfg.MaxSplitDepth
}

// checkNoOrphans verifies every dependency reference resolved and every
// non-root subtask is reachable from some root, guarding against a
// malformed plan that ValidateDAG's cycle check alone would not catch
// (e.g. a subtask with a dependency nobody will ever satisfy because it was
// dropped during dedup).
func checkNoOrphans(wf *workflow.Workflow) error {
	ids := make(map[string]bool)
	for _, s := range wf.Subtasks() {
		ids[s.ID] = true
	}
	for _, s := range wf.Subtasks() {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return errkind.New(errkind.InvalidPlan, fmt.Sprintf("subtask %s has orphaned dependency %s", s.ID, dep))
			}
		}
	}
	return nil
}
