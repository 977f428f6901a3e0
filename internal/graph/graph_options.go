package graph

// Option configures a TaskGraph
type Option func(*TaskGraph)

// WithID sets a custom ID for the graph
func WithID(id string) Option {
	return func(g *TaskGraph) {
		g.id = id
	}
}

// WithName sets the graph name used in generated IDs and renderings
func WithName(name string) Option {
	return func(g *TaskGraph) {
		if name != "" {
			g.name = name
		}
	}
}
