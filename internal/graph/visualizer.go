package graph

import (
	"fmt"
	"io"

	"github.com/avi3tal/coordinator/pkg/types"
)

// Info represents the graph structure for visualization
type Info struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Nodes  []NodeInfo `json:"nodes"`
	Edges  []EdgeInfo `json:"edges"`
	Layers [][]string `json:"layers"`
}

// NodeInfo is the rendering view of one node
type NodeInfo struct {
	ID         string           `json:"id"`
	Capability string           `json:"capability"`
	Status     types.NodeStatus `json:"status"`
	Attempts   int              `json:"attempts"`
}

// EdgeInfo points from a dependency to the node that waits on it
type EdgeInfo struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Info returns a representation of the graph structure
func (g *TaskGraph) Info() *Info {
	info := &Info{ID: g.ID(), Name: g.Name()}

	for _, n := range g.Nodes() {
		info.Nodes = append(info.Nodes, NodeInfo{
			ID:         n.ID,
			Capability: n.Capability,
			Status:     n.Status,
			Attempts:   n.Attempts,
		})
		for _, dep := range n.DependsOn {
			info.Edges = append(info.Edges, EdgeInfo{From: dep, To: n.ID})
		}
	}

	// Unsealed graphs have no validated layering yet
	if layers, err := g.Layers(); err == nil {
		info.Layers = layers
	}
	return info
}

// Fprint writes a text representation of the graph to w
func (g *TaskGraph) Fprint(w io.Writer) error {
	info := g.Info()
	statuses := make(map[string]NodeInfo, len(info.Nodes))
	for _, n := range info.Nodes {
		statuses[n.ID] = n
	}

	if _, err := fmt.Fprintf(w, "Graph %s (%s):\n", info.Name, info.ID); err != nil {
		return err
	}

	if len(info.Layers) > 0 {
		for i, layer := range info.Layers {
			fmt.Fprintf(w, "\nLayer %d:\n", i)
			for _, id := range layer {
				n := statuses[id]
				fmt.Fprintf(w, "  - %s [%s] %s\n", id, n.Capability, n.Status)
			}
		}
	} else {
		fmt.Fprintln(w, "\nNodes:")
		for _, n := range info.Nodes {
			fmt.Fprintf(w, "  - %s [%s] %s\n", n.ID, n.Capability, n.Status)
		}
	}

	fmt.Fprintln(w, "\nEdges:")
	for _, edge := range info.Edges {
		if _, err := fmt.Fprintf(w, "  %s --> %s\n", edge.From, edge.To); err != nil {
			return err
		}
	}
	return nil
}
