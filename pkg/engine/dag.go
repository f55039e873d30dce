package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ErrCodeCycle marks a dependency cycle between tasks.
const ErrCodeCycle = "DEPENDENCY_CYCLE"

// DAGBuilder orders named tasks so that every task runs after the tasks it
// needs. Ties keep the order in which tasks were added.
type DAGBuilder struct {
	// index maps a task name to its insertion position
	index map[string]int

	// names holds task names in insertion order
	names []string

	// needs maps a task to its dependencies
	needs map[string][]string

	// dependents maps a task to the tasks that need it
	dependents map[string][]string

	// levels groups tasks whose dependencies are all in earlier levels
	levels [][]string
}

// NewDAGBuilder creates an empty builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		index:      make(map[string]int),
		needs:      make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// Add registers a task and the tasks it needs.
func (b *DAGBuilder) Add(name string, needs ...string) error {
	if name == "" {
		return NewValidationError("task has empty name", nil)
	}
	if _, dup := b.index[name]; dup {
		return NewValidationError(fmt.Sprintf("duplicate task name %q", name), nil).WithResource(name)
	}
	b.index[name] = len(b.names)
	b.names = append(b.names, name)
	b.needs[name] = append([]string(nil), needs...)
	b.levels = nil
	return nil
}

// Build validates the dependencies and computes execution levels.
func (b *DAGBuilder) Build() ([][]string, error) {
	b.dependents = make(map[string][]string, len(b.names))
	for _, name := range b.names {
		for _, dep := range b.needs[name] {
			if dep == name {
				return nil, NewValidationError(fmt.Sprintf("task %q needs itself", name), nil).
					WithResource(name).WithCode(ErrCodeCycle)
			}
			if _, ok := b.index[dep]; !ok {
				return nil, NewValidationError(fmt.Sprintf("task %q needs unknown task %q", name, dep), nil).
					WithResource(name).WithCode(ErrCodeNotFound)
			}
			b.dependents[dep] = append(b.dependents[dep], name)
		}
	}

	if cycle := b.findCycle(); cycle != nil {
		return nil, NewValidationError(fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil).
			WithCode(ErrCodeCycle)
	}

	b.computeLevels()
	return b.levels, nil
}

// findCycle performs a DFS over the dependents and returns the first cycle.
func (b *DAGBuilder) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(string) []string
	visit = func(name string) []string {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, next := range b.dependents[name] {
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
				continue
			}
			if onStack[next] {
				for i, id := range path {
					if id == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			}
		}

		onStack[name] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, name := range b.names {
		if !visited[name] {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm level by level.
func (b *DAGBuilder) computeLevels() {
	inDegree := make(map[string]int, len(b.names))
	var current []string
	for _, name := range b.names {
		inDegree[name] = len(b.needs[name])
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	b.levels = nil
	for len(current) > 0 {
		b.levels = append(b.levels, current)

		var next []string
		for _, name := range current {
			for _, dependent := range b.dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return b.index[next[i]] < b.index[next[j]] })
		current = next
	}
}

// Order returns the tasks flattened level by level.
func (b *DAGBuilder) Order() []string {
	out := make([]string, 0, len(b.names))
	for _, level := range b.levels {
		out = append(out, level...)
	}
	return out
}

// Dependents returns every task that needs name, directly or transitively,
// in execution order.
func (b *DAGBuilder) Dependents(name string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), b.dependents[name]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, b.dependents[id]...)
	}

	var out []string
	for _, id := range b.Order() {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per level.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph tasks {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "    %q;\n", name)
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range b.names {
		for _, dep := range b.needs[name] {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, name)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
