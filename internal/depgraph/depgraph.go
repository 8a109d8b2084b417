// Package depgraph builds and queries the start-after dependency graph of a
// service set. The graph is immutable once built; all orderings it returns
// are deterministic, breaking ties by declaration order.
package depgraph

import (
	"strings"

	"github.com/loykin/initr/internal/service"
)

// ConfigError reports an invalid service topology: duplicate names, a
// reference to an unknown service, or a dependency cycle. It is fatal
// before any service starts.
type ConfigError struct {
	// Cycle holds the members of a detected dependency cycle in order,
	// with the first name repeated at the end. Empty for other errors.
	Cycle []string
	msg   string
}

func (e *ConfigError) Error() string { return e.msg }

func cycleError(path []string) *ConfigError {
	return &ConfigError{
		Cycle: path,
		msg:   "dependency cycle: " + strings.Join(path, " -> "),
	}
}

// Graph is the validated dependency graph over a fixed set of services.
type Graph struct {
	names      []string // declaration order
	index      map[string]int
	deps       [][]int // deps[i]: indices i starts after
	dependents [][]int // reverse edges
	order      []int   // topological start order
}

// Build validates the topology of specs and returns the graph. Services are
// indexed in declaration order, which is also the tie-break for every
// ordering the graph produces.
func Build(specs []service.Spec) (*Graph, error) {
	g := &Graph{
		names:      make([]string, len(specs)),
		index:      make(map[string]int, len(specs)),
		deps:       make([][]int, len(specs)),
		dependents: make([][]int, len(specs)),
	}
	for i, s := range specs {
		if _, dup := g.index[s.Name]; dup {
			return nil, &ConfigError{msg: "duplicate service name " + s.Name}
		}
		g.names[i] = s.Name
		g.index[s.Name] = i
	}
	for i, s := range specs {
		for _, dep := range s.StartAfter {
			j, ok := g.index[dep]
			if !ok {
				return nil, &ConfigError{msg: "service " + s.Name + " starts after unknown service " + dep}
			}
			if j == i {
				return nil, cycleError([]string{s.Name, s.Name})
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort runs Kahn's algorithm, always picking the lowest declaration
// index among ready nodes. Service counts are small, so the quadratic scan
// is fine and keeps the order reproducible.
func (g *Graph) topoSort() ([]int, error) {
	n := len(g.names)
	indegree := make([]int, n)
	for i := range g.deps {
		indegree[i] = len(g.deps[i])
	}
	done := make([]bool, n)
	order := make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, cycleError(g.findCycle(done))
		}
		done[next] = true
		order = append(order, next)
		for _, d := range g.dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}

// findCycle walks dependency edges among the unsorted remainder until a
// node repeats, then trims the walk to the cycle itself.
func (g *Graph) findCycle(done []bool) []string {
	start := -1
	for i := range g.names {
		if !done[i] {
			start = i
			break
		}
	}
	if start == -1 {
		return nil
	}
	seen := make(map[int]int) // node -> position in walk
	var walk []int
	cur := start
	for {
		if pos, ok := seen[cur]; ok {
			cycle := walk[pos:]
			names := make([]string, 0, len(cycle)+1)
			for _, i := range cycle {
				names = append(names, g.names[i])
			}
			names = append(names, g.names[cur])
			return names
		}
		seen[cur] = len(walk)
		walk = append(walk, cur)
		// Any unresolved dependency continues the walk; one must exist,
		// otherwise Kahn would have sorted this node.
		moved := false
		for _, d := range g.deps[cur] {
			if !done[d] {
				cur = d
				moved = true
				break
			}
		}
		if !moved {
			return nil
		}
	}
}

// Len returns the number of services in the graph.
func (g *Graph) Len() int { return len(g.names) }

// Services returns all service names in declaration order.
func (g *Graph) Services() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Dependencies returns the names a service starts after.
func (g *Graph) Dependencies(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.deps[i]))
	for _, j := range g.deps[i] {
		out = append(out, g.names[j])
	}
	return out
}

// Dependents returns the names that start after a service.
func (g *Graph) Dependents(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.dependents[i]))
	for _, j := range g.dependents[i] {
		out = append(out, g.names[j])
	}
	return out
}

// StartOrder returns a topological order: every service appears after all
// of its dependencies.
func (g *Graph) StartOrder() []string {
	out := make([]string, 0, len(g.order))
	for _, i := range g.order {
		out = append(out, g.names[i])
	}
	return out
}

// ShutdownOrder returns the reverse of StartOrder: every service appears
// before all of its dependencies, so dependents are stopped first.
func (g *Graph) ShutdownOrder() []string {
	out := make([]string, 0, len(g.order))
	for i := len(g.order) - 1; i >= 0; i-- {
		out = append(out, g.names[g.order[i]])
	}
	return out
}

// ReadyToStart returns, in declaration order, the services not yet in
// satisfied whose dependencies are all in satisfied.
func (g *Graph) ReadyToStart(satisfied map[string]bool) []string {
	var out []string
	for i, name := range g.names {
		if satisfied[name] {
			continue
		}
		ok := true
		for _, j := range g.deps[i] {
			if !satisfied[g.names[j]] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, name)
		}
	}
	return out
}
