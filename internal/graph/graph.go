package graph

import (
	"fmt"
	"slices"
	"sync"

	"github.com/avi3tal/coordinator/pkg/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultGraphName = "workflow"

// TaskGraph is a directed acyclic graph of nodes. Nodes are appended while
// the graph is open; Seal validates the structure, after which the shape is
// frozen and only an Execution may change node runtime state.
type TaskGraph struct {
	mu sync.RWMutex

	id         string
	name       string
	nodes      map[string]*Node
	order      []string
	dependents map[string][]string

	sealed bool
	begun  bool
}

// New creates an empty, open task graph.
func New(opts ...Option) *TaskGraph {
	g := &TaskGraph{
		name:       defaultGraphName,
		nodes:      make(map[string]*Node),
		dependents: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.id == "" {
		g.id = fmt.Sprintf("%s-%s", g.name, uuid.New().String())
	}
	return g
}

// ID returns the graph identifier.
func (g *TaskGraph) ID() string {
	return g.id
}

// Name returns the graph name.
func (g *TaskGraph) Name() string {
	return g.name
}

// AddNode appends a node. Dependencies may reference nodes that are added
// later; they are resolved by Seal.
func (g *TaskGraph) AddNode(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return NewValidationError("AddNode", n.ID, ErrSealed)
	}
	if err := n.validate(); err != nil {
		return err
	}
	if _, exists := g.nodes[n.ID]; exists {
		return NewValidationError("AddNode", n.ID, ErrDuplicateNode)
	}

	node := n.snapshot()
	node.DependsOn = dedupe(node.DependsOn)
	node.Status = types.StatusPending
	node.Attempts = 0
	node.LastError = nil
	node.SkippedBy = ""
	node.Result = nil
	node.index = len(g.order)

	g.nodes[node.ID] = &node
	g.order = append(g.order, node.ID)
	return nil
}

// Seal validates the graph and freezes its structure. Sealing an already
// sealed graph is a no-op.
func (g *TaskGraph) Seal() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return nil
	}
	if len(g.order) == 0 {
		return NewValidationError("Seal", "", ErrEmptyGraph)
	}

	for _, id := range g.order {
		for _, dep := range g.nodes[id].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return NewValidationError("Seal", id, errors.Wrapf(ErrNodeNotFound, "dependency %q", dep))
			}
		}
	}

	if path := g.findCycle(); path != nil {
		return NewValidationError("Seal", path[0], &CycleError{Path: path})
	}

	for _, id := range g.order {
		for _, dep := range g.nodes[id].DependsOn {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	g.sealed = true
	return nil
}

// findCycle runs a colouring DFS in insertion order and returns the first
// cycle found as a closed path, or nil.
func (g *TaskGraph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colour[id] = grey
		stack = append(stack, id)
		for _, dep := range g.nodes[id].DependsOn {
			switch colour[dep] {
			case grey:
				start := slices.Index(stack, dep)
				path := slices.Clone(stack[start:])
				return append(path, dep)
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
		return nil
	}

	for _, id := range g.order {
		if colour[id] == white {
			if path := visit(id); path != nil {
				return path
			}
		}
	}
	return nil
}

// Sealed reports whether the graph passed validation.
func (g *TaskGraph) Sealed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sealed
}

// Len returns the number of nodes.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Node returns a copy of the node with the given ID.
func (g *TaskGraph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.snapshot(), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *TaskGraph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].snapshot())
	}
	return out
}

// IDs returns node IDs in insertion order.
func (g *TaskGraph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// Dependents returns the nodes that depend directly on id, in insertion order.
func (g *TaskGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.dependents[id])
}

// TopologicalOrder returns node IDs so that every node follows its
// dependencies. Ties are broken by insertion order.
func (g *TaskGraph) TopologicalOrder() ([]string, error) {
	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, g.Len())
	for _, layer := range layers {
		out = append(out, layer...)
	}
	return out, nil
}

// Layers groups node IDs by depth: layer zero holds the roots, and each
// subsequent layer holds nodes whose dependencies all sit in earlier layers.
func (g *TaskGraph) Layers() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.sealed {
		return nil, NewValidationError("Layers", "", ErrNotSealed)
	}

	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].DependsOn)
	}

	var layers [][]string
	var current []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}
	for len(current) > 0 {
		layers = append(layers, current)
		var next []string
		for _, id := range current {
			for _, dep := range g.dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		slices.SortFunc(next, func(a, b string) int {
			return g.nodes[a].index - g.nodes[b].index
		})
		current = next
	}
	return layers, nil
}

// Done reports whether every node reached a terminal status.
func (g *TaskGraph) Done() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.order {
		if !g.nodes[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of nodes per status.
func (g *TaskGraph) Counts() map[types.NodeStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	counts := make(map[types.NodeStatus]int)
	for _, id := range g.order {
		counts[g.nodes[id].Status]++
	}
	return counts
}

// Begin hands runtime ownership of a sealed graph to a single execution.
// A graph runs at most once.
func (g *TaskGraph) Begin() (*Execution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.sealed {
		return nil, NewValidationError("Begin", "", ErrNotSealed)
	}
	if g.begun {
		return nil, NewValidationError("Begin", "", ErrGraphInUse)
	}
	g.begun = true
	return &Execution{g: g}, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
