package decompiler

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Sentinel nodes of the control flow graph.
const (
	ErrorNode = -1
	ExitNode  = -2
)

// IsSentinel reports whether node is ERROR or EXIT rather than an offset.
func IsSentinel(node int) bool { return node < 0 }

// graph is a directed multigraph over branch points. Successor lists keep
// insertion order and hold every node at most once.
type graph struct {
	edges map[int][]int
}

func newGraph() *graph { return &graph{edges: make(map[int][]int)} }

func (g *graph) add(src, dst int) bool {
	if slices.Contains(g.edges[src], dst) {
		return false
	}
	g.edges[src] = append(g.edges[src], dst)
	return true
}

func (g *graph) remove(src, dst int) {
	list := g.edges[src]
	if i := slices.Index(list, dst); i >= 0 {
		list = slices.Delete(list, i, i+1)
		if len(list) == 0 {
			delete(g.edges, src)
		} else {
			g.edges[src] = list
		}
	}
}

func (g *graph) removeAll(src int) { delete(g.edges, src) }

func (g *graph) get(src int) []int { return g.edges[src] }

func (g *graph) has(src, dst int) bool { return slices.Contains(g.edges[src], dst) }

func (g *graph) hasNode(src int) bool { return len(g.edges[src]) > 0 }

// nodes returns all sources in ascending order.
func (g *graph) nodes() []int {
	keys := maps.Keys(g.edges)
	slices.Sort(keys)
	return keys
}

func (g *graph) transpose() *graph {
	r := newGraph()
	for _, src := range g.nodes() {
		for _, dst := range g.edges[src] {
			r.add(dst, src)
		}
	}
	return r
}

// reachable returns every node reachable from source, source excluded
// unless it lies on a cycle.
func (g *graph) reachable(source int) map[int]bool {
	reached := make(map[int]bool)
	queue := []int{source}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range g.edges[n] {
			if !reached[m] {
				reached[m] = true
				queue = append(queue, m)
			}
		}
	}
	return reached
}
