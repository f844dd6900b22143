// Package engine runs goal executions: plan a step DAG from the goal
// template, then drive each step through a Think-Act-Observe cycle with
// budget metering, policy enforcement and approval gating. The audit chain
// carries the durable progress; re-running a correlation resumes from the
// first unrecorded step.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/registry"
)

// Plan is the executable form of a goal template: an arena of steps plus a
// component schedule derived from the dependency graph.
type Plan struct {
	GoalInstanceID string
	TemplateID     string
	Steps          []core.PlanStep

	index map[string]int // step_id -> arena index
	// levels is the schedule: condensation components grouped by depth.
	// Components within a level are independent and may run in parallel;
	// a component with Cyclic set iterates instead of running once.
	levels [][]Component
}

// Component is one strongly connected component of the step graph.
type Component struct {
	Steps  []int // arena indices, deterministic order
	Cyclic bool
}

// Step returns the arena entry for a step ID.
func (p *Plan) Step(stepID string) (core.PlanStep, bool) {
	i, ok := p.index[stepID]
	if !ok {
		return core.PlanStep{}, false
	}
	return p.Steps[i], true
}

// Levels exposes the schedule.
func (p *Plan) Levels() [][]Component { return p.levels }

// BuildPlan resolves a goal template into a plan. Skill keys resolve to
// concrete skill IDs now, never from a cache held across executions. Cycles
// in the template survive planning as iterative components; whether they are
// genuine refinement loops or deadlocks is decided at run time from output
// equality.
func BuildPlan(reg *registry.Genesis, def *core.AgentTypeDefinition, goal core.Goal) (*Plan, error) {
	tmpl, ok := def.Template(goal.GoalTemplateID)
	if !ok {
		return nil, core.NewError(core.KindValidation, "",
			fmt.Sprintf("goal template %q not offered by %s", goal.GoalTemplateID, def.AgentTypeID))
	}
	if len(tmpl.Steps) == 0 {
		return nil, core.NewError(core.KindValidation, "", "goal template has no steps")
	}

	p := &Plan{
		GoalInstanceID: goal.GoalInstanceID,
		TemplateID:     tmpl.GoalTemplateID,
		index:          make(map[string]int, len(tmpl.Steps)),
	}

	for _, spec := range tmpl.Steps {
		skill, err := reg.ResolveSkill(spec.SkillKey)
		if err != nil {
			return nil, err
		}
		if _, dup := p.index[spec.StepID]; dup {
			return nil, core.NewError(core.KindValidation, "",
				"duplicate step_id "+spec.StepID)
		}
		p.index[spec.StepID] = len(p.Steps)
		p.Steps = append(p.Steps, core.PlanStep{
			StepID:         spec.StepID,
			SkillID:        skill.SkillID,
			SkillKey:       spec.SkillKey,
			Inputs:         map[string]interface{}{"settings": goal.Settings},
			DependsOn:      spec.DependsOn,
			ExternalEffect: spec.ExternalEffect || skill.ExternalEffect,
			SLA:            spec.SLA,
			RetryCount:     skill.RetryCount,
		})
	}

	// Edges as index pairs: dependency -> dependent.
	edges := make([][]int, len(p.Steps))
	indegreeSrc := make([][]int, len(p.Steps)) // dependent -> dependencies
	for i, step := range p.Steps {
		for _, dep := range step.DependsOn {
			j, ok := p.index[dep]
			if !ok {
				return nil, core.NewError(core.KindValidation, "",
					fmt.Sprintf("step %s depends on unknown step %s", step.StepID, dep))
			}
			edges[j] = append(edges[j], i)
			indegreeSrc[i] = append(indegreeSrc[i], j)
		}
	}

	components := tarjan(len(p.Steps), edges)
	p.levels = schedule(components, indegreeSrc)
	return p, nil
}

// ============================================================================
// GRAPH ANALYSIS
// ============================================================================

// tarjan returns strongly connected components in reverse topological order
// of the condensation.
func tarjan(n int, edges [][]int) []Component {
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	var (
		stack      []int
		counter    int
		components []Component
	)

	var strongconnect func(v int)
	strongconnect = func(v int) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range edges[v] {
			if index[w] == -1 {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var comp Component
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp.Steps = append(comp.Steps, w)
				if w == v {
					break
				}
			}
			// Deterministic member order: ascending arena index.
			sortInts(comp.Steps)
			comp.Cyclic = len(comp.Steps) > 1 || selfLoop(v, edges)
			components = append(components, comp)
		}
	}

	for v := 0; v < n; v++ {
		if index[v] == -1 {
			strongconnect(v)
		}
	}
	return components
}

func selfLoop(v int, edges [][]int) bool {
	for _, w := range edges[v] {
		if w == v {
			return true
		}
	}
	return false
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// schedule groups components by depth over the condensation DAG. Level k
// holds every component all of whose cross-component dependencies sit in
// levels < k.
func schedule(components []Component, deps [][]int) [][]Component {
	compOf := make(map[int]int)
	for ci, c := range components {
		for _, v := range c.Steps {
			compOf[v] = ci
		}
	}

	depth := make([]int, len(components))
	resolved := make([]bool, len(components))

	var depthOf func(ci int) int
	depthOf = func(ci int) int {
		if resolved[ci] {
			return depth[ci]
		}
		resolved[ci] = true // Tarjan's output order makes cross-deps already resolvable
		d := 0
		for _, v := range components[ci].Steps {
			for _, src := range deps[v] {
				sc := compOf[src]
				if sc == ci {
					continue
				}
				if dd := depthOf(sc) + 1; dd > d {
					d = dd
				}
			}
		}
		depth[ci] = d
		return d
	}

	maxDepth := 0
	for ci := range components {
		if d := depthOf(ci); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]Component, maxDepth+1)
	for ci, c := range components {
		levels[depth[ci]] = append(levels[depth[ci]], c)
	}
	return levels
}

// canonicalOutputs is the byte form used for the iterative-vs-deadlock
// comparison: two iterations with bit-identical outputs mean the cycle makes
// no progress.
func canonicalOutputs(outputs map[string]interface{}) string {
	b, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Sprintf("%v", outputs)
	}
	return string(b)
}
