package registry

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/bluelines/internal/model"
)

// Cycle is a set of fields that reference each other's output.
type Cycle struct {
	Path    []string `json:"path"` // ["a", "b", "a"]
	Message string   `json:"message"`
}

// referenceGraph maps field id → field ids it reads through field.<id> sources.
type referenceGraph map[string][]string

// AnalyzeCycles finds field-reference cycles among definitions of one variant.
//
// Mutual references have no defined evaluation order, so every strongly
// connected component with more than one node, and every self-reference, is
// reported. An acyclic set returns nil.
func AnalyzeCycles(defs []model.FieldLogicDefinition) []Cycle {
	graph := make(referenceGraph, len(defs))
	for _, def := range defs {
		if _, ok := graph[def.FieldID]; !ok {
			graph[def.FieldID] = nil
		}
		if ref, ok := def.FieldRef(); ok {
			graph[def.FieldID] = append(graph[def.FieldID], ref)
		}
	}

	var cycles []Cycle
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			cycles = append(cycles, sccToCycle(scc, graph))
		}
	}
	return cycles
}

func hasSelfLoop(node string, graph referenceGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC returns the strongly connected components of graph. Nodes are
// visited in sorted order so the output is deterministic.
func tarjanSCC(graph referenceGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, known := graph[w]; !known {
				continue // dangling reference, reported elsewhere
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

func sccToCycle(scc []string, graph referenceGraph) Cycle {
	if len(scc) == 1 {
		id := scc[0]
		return Cycle{
			Path:    []string{id, id},
			Message: fmt.Sprintf("field references itself: %s → %s", id, id),
		}
	}
	path := cyclePath(scc, graph)
	return Cycle{
		Path:    path,
		Message: fmt.Sprintf("field reference cycle: %s", strings.Join(path, " → ")),
	}
}

// cyclePath walks edges inside the component from its smallest member until
// it returns to the start.
func cyclePath(scc []string, graph referenceGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := slices.Min(scc)
	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if members[w] && (w == start || !visited[w]) {
				next = w
				break
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}
