package engine

import (
	"fmt"
	"sort"
)

// Graph is the compiled, immutable step topology: the step table, the
// compile-time linear order, the branch membership index, and the entry
// point. A Graph is built once by a GraphBuilder (directly or through a
// workflow builder) and never mutated afterwards.
type Graph struct {
	steps          map[string]*Step
	sequence       []string
	branchLookup   map[string]map[string]string // condition id -> branch id -> target id
	conditionSteps map[string]struct{}
	branchOwner    map[string]string // target id -> owning condition id
	entryID        string
}

// Step returns the step with the given id, or nil.
func (g *Graph) Step(id string) *Step {
	return g.steps[id]
}

// Sequence returns the compile-time linear order of step ids.
func (g *Graph) Sequence() []string {
	out := make([]string, len(g.sequence))
	copy(out, g.sequence)
	return out
}

// EntryID returns the id of the first step.
func (g *Graph) EntryID() string {
	return g.entryID
}

// BranchTargets returns the branch-id-to-target map configured for a
// condition step, or nil when the step has none.
func (g *Graph) BranchTargets(conditionID string) map[string]string {
	targets, ok := g.branchLookup[conditionID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(targets))
	for k, v := range targets {
		out[k] = v
	}
	return out
}

// defaultNext computes what runs after step id when neither a branch nor an
// explicit next resolved. For ordinary steps it is the next step in the
// sequence (and nothing after the last). When id is a branch target, or a
// condition step whose resolver picked no branch, the scan starts at the
// owning condition and skips every member of that condition's branch set,
// so all branches converge on the first step after the block.
func (g *Graph) defaultNext(id string) (string, bool) {
	if owner, ok := g.branchOwner[id]; ok {
		return g.scanPastBranchBlock(owner)
	}
	if _, ok := g.conditionSteps[id]; ok {
		return g.scanPastBranchBlock(id)
	}

	pos, ok := g.position(id)
	if !ok || pos+1 >= len(g.sequence) {
		return "", false
	}
	return g.sequence[pos+1], true
}

// scanPastBranchBlock walks the sequence forward from the condition step and
// returns the first subsequent step that is not one of its branch targets.
func (g *Graph) scanPastBranchBlock(conditionID string) (string, bool) {
	pos, ok := g.position(conditionID)
	if !ok {
		return "", false
	}
	members := g.branchLookup[conditionID]
	targetSet := make(map[string]struct{}, len(members))
	for _, target := range members {
		targetSet[target] = struct{}{}
	}
	for i := pos + 1; i < len(g.sequence); i++ {
		if _, isMember := targetSet[g.sequence[i]]; !isMember {
			return g.sequence[i], true
		}
	}
	return "", false
}

func (g *Graph) position(id string) (int, bool) {
	for i, sid := range g.sequence {
		if sid == id {
			return i, true
		}
	}
	return 0, false
}

// GraphBuilder assembles an ordered list of step declarations, possibly
// including branch groups, into a Graph. Errors accumulate and are reported
// together at Build time, the same way workflow builders do.
type GraphBuilder struct {
	decls []graphDecl
	errs  []error
}

type graphDecl struct {
	step      *Step
	condition *Step
	branches  map[string]*Step
}

// NewGraph creates an empty GraphBuilder.
func NewGraph() *GraphBuilder {
	return &GraphBuilder{}
}

// Then appends a step to the linear sequence.
func (b *GraphBuilder) Then(step *Step) *GraphBuilder {
	if step == nil {
		b.errs = append(b.errs, fmt.Errorf("cannot add nil step"))
		return b
	}
	b.decls = append(b.decls, graphDecl{step: step})
	return b
}

// Branch appends a branch group: a condition step plus its named branch
// targets. The condition step must carry a branch resolver. Targets join
// the sequence right after the condition, in branch-id order, so the
// default-next scan can step past the whole block.
func (b *GraphBuilder) Branch(condition *Step, targets map[string]*Step) *GraphBuilder {
	if condition == nil {
		b.errs = append(b.errs, fmt.Errorf("branch group must have a condition step"))
		return b
	}
	if condition.branchFunc == nil {
		b.errs = append(b.errs, fmt.Errorf("condition step %q must have a branch resolver", condition.id))
		return b
	}
	if len(targets) == 0 {
		b.errs = append(b.errs, fmt.Errorf("condition step %q must have at least one branch target", condition.id))
		return b
	}
	b.decls = append(b.decls, graphDecl{condition: condition, branches: targets})
	return b
}

// Build compiles and validates the graph.
func (b *GraphBuilder) Build() (*Graph, error) {
	g := &Graph{
		steps:          make(map[string]*Step),
		branchLookup:   make(map[string]map[string]string),
		conditionSteps: make(map[string]struct{}),
		branchOwner:    make(map[string]string),
	}

	add := func(step *Step) {
		if verr := step.validate(); verr != nil {
			b.errs = append(b.errs, verr)
			return
		}
		if _, exists := g.steps[step.id]; exists {
			b.errs = append(b.errs, fmt.Errorf("step with id %q already exists", step.id))
			return
		}
		g.steps[step.id] = step
		g.sequence = append(g.sequence, step.id)
	}

	for _, decl := range b.decls {
		if decl.step != nil {
			add(decl.step)
			continue
		}

		cond := decl.condition
		add(cond)
		g.conditionSteps[cond.id] = struct{}{}

		lookup := make(map[string]string, len(decl.branches))
		branchIDs := make([]string, 0, len(decl.branches))
		for branchID := range decl.branches {
			branchIDs = append(branchIDs, branchID)
		}
		sort.Strings(branchIDs)
		for _, branchID := range branchIDs {
			target := decl.branches[branchID]
			if target == nil {
				b.errs = append(b.errs, fmt.Errorf("branch %q of condition %q has a nil target", branchID, cond.id))
				continue
			}
			add(target)
			lookup[branchID] = target.id
			g.branchOwner[target.id] = cond.id
		}
		g.branchLookup[cond.id] = lookup
	}

	if len(g.sequence) == 0 {
		b.errs = append(b.errs, fmt.Errorf("graph must have at least one step"))
	}

	// Static next pointers must land inside the graph.
	for _, step := range g.steps {
		if step.next != "" {
			if _, ok := g.steps[step.next]; !ok {
				b.errs = append(b.errs, fmt.Errorf("step %q has next %q which is not in the graph", step.id, step.next))
			}
		}
	}

	if len(b.errs) > 0 {
		return nil, fmt.Errorf("graph compilation failed with %d error(s): %v", len(b.errs), b.errs)
	}

	g.entryID = g.sequence[0]
	return g, nil
}
