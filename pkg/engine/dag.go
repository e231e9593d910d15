package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyGraph is a directed graph of packages to the packages they
// require, restricted to one environment. Records live in an arena keyed by
// name and edges refer to packages by name only.
type DependencyGraph struct {
	// environment is the environment the edges were built for
	environment string

	// records maps package names to their definitions
	records map[string]*PackageRecord

	// dependencies maps a package to its dependency names in declaration order
	dependencies map[string][]string

	// dependents maps a package to the packages that depend on it, sorted
	dependents map[string][]string

	// incompatible marks referenced packages that define no configuration
	// for the environment
	incompatible map[string]bool

	// names holds every node name in ascending order
	names []string
}

// BuildGraph builds the dependency graph of records for env.
//
// Records that define env become nodes. Records that do not define env are
// only included when another node depends on them, and are then marked
// incompatible. A dependency name that matches no record fails the build
// with an unresolved dependency error.
func BuildGraph(records []PackageRecord, env string) (*DependencyGraph, error) {
	if env == "" {
		return nil, NewStructuralError("environment name is empty", nil).WithCode(ErrCodeValidation)
	}

	arena := make(map[string]*PackageRecord, len(records))
	for i := range records {
		rec := records[i]
		if rec.Name == "" {
			return nil, NewStructuralError("package has empty name", nil).WithCode(ErrCodeValidation)
		}
		if _, exists := arena[rec.Name]; exists {
			return nil, NewStructuralError(fmt.Sprintf("duplicate package name: %s", rec.Name), nil).
				WithCode(ErrCodeValidation).WithResource(rec.Name)
		}
		arena[rec.Name] = &rec
	}

	g := &DependencyGraph{
		environment:  env,
		records:      make(map[string]*PackageRecord),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
		incompatible: make(map[string]bool),
	}

	members := make([]string, 0, len(arena))
	for name, rec := range arena {
		if rec.SupportsEnvironment(env) {
			members = append(members, name)
		}
	}
	sort.Strings(members)

	for _, name := range members {
		g.records[name] = arena[name]
		g.dependencies[name] = make([]string, 0)
	}

	for _, name := range members {
		cfg, _ := arena[name].Environment(env)
		for _, dep := range cfg.Dependencies {
			target, exists := arena[dep]
			if !exists {
				return nil, NewUnresolvedDependencyError(name, dep, sortedKeys(arena))
			}
			if !target.SupportsEnvironment(env) && !g.incompatible[dep] {
				g.incompatible[dep] = true
				g.records[dep] = target
				g.dependencies[dep] = make([]string, 0)
			}
			g.dependencies[name] = append(g.dependencies[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	g.names = make([]string, 0, len(g.records))
	for name := range g.records {
		g.names = append(g.names, name)
		sort.Strings(g.dependents[name])
	}
	sort.Strings(g.names)

	return g, nil
}

// Environment returns the environment the graph was built for.
func (g *DependencyGraph) Environment() string {
	return g.environment
}

// Len returns the number of nodes.
func (g *DependencyGraph) Len() int {
	return len(g.names)
}

// Names returns every node name in ascending order.
func (g *DependencyGraph) Names() []string {
	return append([]string(nil), g.names...)
}

// Has reports whether name is a node of the graph.
func (g *DependencyGraph) Has(name string) bool {
	_, ok := g.records[name]
	return ok
}

// Record returns the definition of a node.
func (g *DependencyGraph) Record(name string) (*PackageRecord, bool) {
	rec, ok := g.records[name]
	return rec, ok
}

// Config returns the environment configuration of a node. It reports false
// for unknown and incompatible nodes.
func (g *DependencyGraph) Config(name string) (EnvironmentConfig, bool) {
	rec, ok := g.records[name]
	if !ok {
		return EnvironmentConfig{}, false
	}
	return rec.Environment(g.environment)
}

// Dependencies returns the direct dependencies of name in declaration order.
func (g *DependencyGraph) Dependencies(name string) []string {
	return append([]string(nil), g.dependencies[name]...)
}

// Dependents returns the packages that depend directly on name.
func (g *DependencyGraph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// IsIncompatible reports whether name is referenced as a dependency but
// defines no configuration for the graph's environment.
func (g *DependencyGraph) IsIncompatible(name string) bool {
	return g.incompatible[name]
}

// Incompatible returns every incompatible node in ascending order.
func (g *DependencyGraph) Incompatible() []string {
	names := make([]string, 0, len(g.incompatible))
	for name := range g.incompatible {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TransitiveDependents returns every package that depends on name directly
// or indirectly, in ascending order.
func (g *DependencyGraph) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[name]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}

	result := make([]string, 0, len(seen))
	for n := range seen {
		result = append(result, n)
	}
	sort.Strings(result)
	return result
}

// DetectCycles returns every dependency cycle reachable by depth-first
// traversal, each as the ordered names along the cycle. Traversal starts
// from each unvisited node in ascending name order, so disjoint cycles are
// all reported. The result is empty for an acyclic graph.
func (g *DependencyGraph) DetectCycles() [][]string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	seen := make(map[string]bool)
	cycles := make([][]string, 0)

	var visit func(name string, path []string)
	visit = func(name string, path []string) {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, dep := range g.dependencies[name] {
			if !visited[dep] {
				visit(dep, path)
				continue
			}
			if !onStack[dep] {
				continue
			}
			for i, n := range path {
				if n != dep {
					continue
				}
				cycle := append([]string(nil), path[i:]...)
				key := cycleKey(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				break
			}
		}

		onStack[name] = false
	}

	for _, name := range g.names {
		if !visited[name] {
			visit(name, nil)
		}
	}

	return cycles
}

// cycleKey identifies a cycle independently of the node it starts from.
func cycleKey(cycle []string) string {
	start := 0
	for i, n := range cycle {
		if n < cycle[start] {
			start = i
		}
	}
	rotated := append(append([]string(nil), cycle[start:]...), cycle[:start]...)
	return strings.Join(rotated, "\x00")
}

// Order returns a topological installation order in which no package
// precedes any of its dependencies. When several packages are ready at once
// the lowest name comes first, so the order is deterministic.
func (g *DependencyGraph) Order() ([]string, error) {
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return nil, NewCycleError(cycles)
	}

	remaining := make(map[string]int, len(g.names))
	ready := make([]string, 0)
	for _, name := range g.names {
		remaining[name] = len(g.dependencies[name])
		if remaining[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range g.dependents[next] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	if len(order) != len(g.names) {
		return nil, NewInternalError("failed to order all packages", nil).WithCode(ErrCodeInternal)
	}

	return order, nil
}

// Levels groups the packages into batches that could run concurrently:
// every package in a level depends only on packages in earlier levels.
func (g *DependencyGraph) Levels() ([][]string, error) {
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return nil, NewCycleError(cycles)
	}

	remaining := make(map[string]int, len(g.names))
	current := make([]string, 0)
	for _, name := range g.names {
		remaining[name] = len(g.dependencies[name])
		if remaining[name] == 0 {
			current = append(current, name)
		}
	}

	levels := make([][]string, 0)
	for len(current) > 0 {
		levels = append(levels, current)
		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range g.dependents[name] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	return levels, nil
}

// Subgraph returns the graph restricted to roots and everything they depend
// on, directly or indirectly.
func (g *DependencyGraph) Subgraph(roots []string) (*DependencyGraph, error) {
	keep := make(map[string]bool)
	var walk func(name string)
	walk = func(name string) {
		if keep[name] {
			return
		}
		keep[name] = true
		for _, dep := range g.dependencies[name] {
			walk(dep)
		}
	}

	for _, root := range roots {
		if !g.Has(root) {
			return nil, NewPackageNotFoundError(root, g.environment, g.names)
		}
		walk(root)
	}

	sub := &DependencyGraph{
		environment:  g.environment,
		records:      make(map[string]*PackageRecord, len(keep)),
		dependencies: make(map[string][]string, len(keep)),
		dependents:   make(map[string][]string, len(keep)),
		incompatible: make(map[string]bool),
	}
	for _, name := range g.names {
		if !keep[name] {
			continue
		}
		sub.names = append(sub.names, name)
		sub.records[name] = g.records[name]
		sub.dependencies[name] = g.Dependencies(name)
		if g.incompatible[name] {
			sub.incompatible[name] = true
		}
		for _, dependent := range g.dependents[name] {
			if keep[dependent] {
				sub.dependents[name] = append(sub.dependents[name], dependent)
			}
		}
	}

	return sub, nil
}

// ToDOT generates a DOT format representation of the graph for visualization.
// Edges point from a package to each of its dependencies.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Packages {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	levels, err := g.Levels()
	if err != nil {
		levels = [][]string{g.names}
	}

	for level, names := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			rec := g.records[name]
			label := name
			if rec.Version != "" {
				label = fmt.Sprintf("%s\\n%s", name, rec.Version)
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, label, g.nodeColor(name)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range g.names {
		for _, dep := range g.dependencies[name] {
			style := "style=solid, color=black"
			if g.incompatible[dep] {
				style = "style=dashed, color=red"
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", name, dep, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// nodeColor returns a fill color for visualizing a node.
func (g *DependencyGraph) nodeColor(name string) string {
	if g.incompatible[name] {
		return "lightcoral"
	}
	cfg, _ := g.Config(name)
	if cfg.Check == "" {
		return "lightyellow"
	}
	return "lightgreen"
}

func insertSorted(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name
	return names
}

func sortedKeys(records map[string]*PackageRecord) []string {
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
