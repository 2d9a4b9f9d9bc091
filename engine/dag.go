package engine

import (
	"fmt"
	"sort"
)

// dagNode is one executable vertex of the compiled workflow. Conditional
// steps never appear here; they exist only as routing edges.
type dagNode struct {
	step       *WorkflowStep
	deps       []string
	dependents []string

	// depth is the longest dependency path from a root, used to order the
	// ready frontier deterministically.
	depth int

	// gates counts the conditional routing decisions that must enable this
	// node before it may run. Zero means ungated.
	gates int

	// parallelParent names the parallel block that owns this node. Owned
	// nodes are excluded from the frontier and run through the block.
	parallelParent string
}

// workflowDAG is the executable dependency graph.
type workflowDAG struct {
	nodes map[string]*dagNode
	order []string // insertion order for deterministic iteration
}

func newWorkflowDAG() *workflowDAG {
	return &workflowDAG{nodes: make(map[string]*dagNode)}
}

func (d *workflowDAG) add(step *WorkflowStep) {
	d.nodes[step.ID] = &dagNode{step: step, deps: append([]string(nil), step.Deps...)}
	d.order = append(d.order, step.ID)
}

func (d *workflowDAG) node(id string) *dagNode {
	return d.nodes[id]
}

// link fills dependent edges after all nodes are added. Dependencies on
// conditional pseudo-steps were already rewritten by the builder.
func (d *workflowDAG) link() {
	for _, id := range d.order {
		for _, dep := range d.nodes[id].deps {
			if parent, ok := d.nodes[dep]; ok {
				parent.dependents = append(parent.dependents, id)
			}
		}
	}
}

// computeDepths assigns each node the length of its longest dependency path.
// The graph is acyclic by the time this runs.
func (d *workflowDAG) computeDepths() {
	memo := make(map[string]int, len(d.nodes))
	var walk func(id string) int
	walk = func(id string) int {
		if depth, ok := memo[id]; ok {
			return depth
		}
		node := d.nodes[id]
		depth := 0
		for _, dep := range node.deps {
			if _, ok := d.nodes[dep]; !ok {
				continue
			}
			if w := walk(dep) + 1; w > depth {
				depth = w
			}
		}
		memo[id] = depth
		node.depth = depth
		return depth
	}
	for _, id := range d.order {
		walk(id)
	}
}

// sortReady orders candidate node ids by (depth, id) so the frontier is
// deterministic regardless of map iteration.
func (d *workflowDAG) sortReady(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := d.nodes[ids[i]], d.nodes[ids[j]]
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return ids[i] < ids[j]
	})
}

// detectCycle runs a three-color depth-first search over an adjacency map and
// returns the members of the first cycle found.
func detectCycle(adjacency map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(adjacency))
	var stack []string
	var cycle []string

	ids := make([]string, 0, len(adjacency))
	for id := range adjacency {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adjacency[id] {
			if _, known := adjacency[next]; !known {
				continue
			}
			switch color[next] {
			case gray:
				// Found a back edge; slice the cycle out of the stack.
				for i, member := range stack {
					if member == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
				cycle = []string{next, id}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// cycleString renders a cycle for error messages: a -> b -> a.
func cycleString(cycle []string) string {
	out := ""
	for _, id := range cycle {
		out += id + " -> "
	}
	return fmt.Sprintf("%s%s", out, cycle[0])
}
