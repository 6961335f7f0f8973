package workflow

import (
	"fmt"
	"sort"
	"strings"

	"codeforge/internal/types"
)

// Validate checks the structural invariants of a workflow spec: unique
// step ids, resolvable dependency references, acyclic dependencies, and
// parallel-group members with compatible (identical) dependency sets.
func Validate(spec *types.WorkflowSpec) error {
	if len(spec.Steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}

	ids := make(map[string]bool, len(spec.Steps))
	for _, s := range spec.Steps {
		if s.StepID == "" {
			return fmt.Errorf("step with empty id")
		}
		if ids[s.StepID] {
			return fmt.Errorf("duplicate step id %q", s.StepID)
		}
		ids[s.StepID] = true
	}

	for _, s := range spec.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.StepID, dep)
			}
			if dep == s.StepID {
				return fmt.Errorf("step %q depends on itself", s.StepID)
			}
		}
		for field, source := range s.InputMapping {
			if id, _, ok := ParseStepRef(source); ok && !ids[id] {
				return fmt.Errorf("step %q input %q references unknown step %q", s.StepID, field, id)
			}
		}
	}

	// Steps sharing a parallel group run concurrently, so they must not
	// depend on each other and must become ready together.
	groups := make(map[string][]types.WorkflowStep)
	for _, s := range spec.Steps {
		if s.ParallelGroup != "" {
			groups[s.ParallelGroup] = append(groups[s.ParallelGroup], s)
		}
	}
	for name, members := range groups {
		inGroup := make(map[string]bool, len(members))
		for _, m := range members {
			inGroup[m.StepID] = true
		}
		sig := ""
		for i, m := range members {
			deps := append([]string(nil), m.DependsOn...)
			sort.Strings(deps)
			for _, dep := range deps {
				if inGroup[dep] {
					return fmt.Errorf("parallel group %q: step %q depends on group member %q", name, m.StepID, dep)
				}
			}
			joined := fmt.Sprint(deps)
			if i == 0 {
				sig = joined
			} else if joined != sig {
				return fmt.Errorf("parallel group %q: members have differing dependencies", name)
			}
		}
	}

	if _, err := ExecutionGroups(spec); err != nil {
		return err
	}
	return nil
}

// ParseStepRef splits a steps.<id>.<field> source reference. The field is
// empty when the reference names the whole output (steps.<id>).
func ParseStepRef(source string) (id, field string, ok bool) {
	rest, found := strings.CutPrefix(source, "steps.")
	if !found || rest == "" {
		return "", "", false
	}
	id, field, _ = strings.Cut(rest, ".")
	if id == "" {
		return "", "", false
	}
	return id, field, true
}

// ExecutionGroups orders the DAG into concurrency batches: repeated Kahn
// layers of dependency-free steps, where steps sharing a parallel group
// form one concurrent batch and ungrouped steps run singly. Returns an
// error when a dependency cycle prevents completion.
func ExecutionGroups(spec *types.WorkflowSpec) ([][]types.WorkflowStep, error) {
	done := make(map[string]bool, len(spec.Steps))
	remaining := append([]types.WorkflowStep(nil), spec.Steps...)

	var batches [][]types.WorkflowStep
	for len(remaining) > 0 {
		var ready []types.WorkflowStep
		var blocked []types.WorkflowStep
		for _, s := range remaining {
			unmet := false
			for _, dep := range s.DependsOn {
				if !done[dep] {
					unmet = true
					break
				}
			}
			if unmet {
				blocked = append(blocked, s)
			} else {
				ready = append(ready, s)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("dependency cycle among %d steps", len(remaining))
		}

		// Parallel groups dispatch together; ungrouped steps go one by one.
		grouped := make(map[string][]types.WorkflowStep)
		var groupOrder []string
		var singles []types.WorkflowStep
		for _, s := range ready {
			if s.ParallelGroup == "" {
				singles = append(singles, s)
				continue
			}
			if _, seen := grouped[s.ParallelGroup]; !seen {
				groupOrder = append(groupOrder, s.ParallelGroup)
			}
			grouped[s.ParallelGroup] = append(grouped[s.ParallelGroup], s)
		}
		for _, name := range groupOrder {
			batches = append(batches, grouped[name])
		}
		for _, s := range singles {
			batches = append(batches, []types.WorkflowStep{s})
		}

		for _, s := range ready {
			done[s.StepID] = true
		}
		remaining = blocked
	}
	return batches, nil
}
