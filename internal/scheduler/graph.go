package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// CycleError is returned when the dependency graph is not a DAG. Nodes lists
// every task id that never reached zero in-degree during elimination, i.e.
// the cycle members plus everything downstream of them.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected involving tasks: %s", strings.Join(e.Nodes, ", "))
}

// Graph is the per-order dependency DAG, built from a store snapshot.
// It is a read-only view: status changes happen in the store, and callers
// rebuild the graph each cycle.
type Graph struct {
	nodes map[string]*Task
	preds map[string][]string // taskID -> ids it depends on
	succs map[string][]string // taskID -> ids that depend on it
}

// BuildGraph constructs bidirectional adjacency from tasks and edges.
// Edges referencing unknown task ids are tolerated: the missing endpoint is
// added as a node with StatusUnknown so traversals stay total. No other
// validation happens here; cycles surface from TopologicalSort.
func BuildGraph(tasks []*Task, edges []DependencyEdge) *Graph {
	g := &Graph{
		nodes: make(map[string]*Task, len(tasks)),
		preds: make(map[string][]string),
		succs: make(map[string][]string),
	}

	for _, t := range tasks {
		g.nodes[t.ID] = cloneTask(t)
	}

	for _, e := range edges {
		g.ensureNode(e.TaskID, e.ProjectID)
		g.ensureNode(e.DependsOnID, e.ProjectID)
		g.preds[e.TaskID] = append(g.preds[e.TaskID], e.DependsOnID)
		g.succs[e.DependsOnID] = append(g.succs[e.DependsOnID], e.TaskID)
	}

	return g
}

func (g *Graph) ensureNode(id, projectID string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &Task{ID: id, ProjectID: projectID, Status: StatusUnknown}
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the task for an id, or nil if unknown.
func (g *Graph) Node(id string) *Task {
	t, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return cloneTask(t)
}

// TopologicalSort returns all task ids in dependency order. On a cycle it
// returns a *CycleError naming the offending nodes.
func (g *Graph) TopologicalSort() ([]string, error) {
	// Deterministic edge construction: iterate ids in sorted order.
	ids := g.sortedIDs()

	var tedges []toposort.Edge
	for _, id := range ids {
		deps := g.preds[id]
		if len(deps) == 0 {
			// Edge from nil keeps isolated nodes in the result.
			tedges = append(tedges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range deps {
			tedges = append(tedges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(tedges)
	if err != nil {
		// The library reports only that a cycle exists; run an explicit
		// Kahn elimination to name the nodes that never reached zero
		// in-degree.
		return nil, &CycleError{Nodes: g.kahnRemainder()}
	}

	order := make([]string, 0, len(sorted))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(string))
		}
	}
	return order, nil
}

// kahnRemainder runs an iterative in-degree elimination and returns, sorted,
// every node left with nonzero in-degree.
func (g *Graph) kahnRemainder() []string {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.preds[id])
	}

	queue := make([]string, 0, len(g.nodes))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	eliminated := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		eliminated++
		for _, succ := range g.succs[id] {
			indeg[succ]--
			if indeg[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	remainder := make([]string, 0, len(g.nodes)-eliminated)
	for id, d := range indeg {
		if d > 0 {
			remainder = append(remainder, id)
		}
	}
	sort.Strings(remainder)
	return remainder
}

// CriticalPath returns the longest dependency chain in the graph, as task
// ids from root to leaf. Ties keep the first-discovered chain. Propagates
// *CycleError from the underlying sort.
func (g *Graph) CriticalPath() ([]string, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	dist := make(map[string]int, len(order))
	prev := make(map[string]string, len(order))

	// Longest-chain DP over the topological order. Strict > keeps the
	// first-discovered predecessor on ties.
	for _, id := range order {
		for _, succ := range g.succs[id] {
			if dist[id]+1 > dist[succ] {
				dist[succ] = dist[id] + 1
				prev[succ] = id
			}
		}
	}

	tail := order[0]
	for _, id := range order {
		if dist[id] > dist[tail] {
			tail = id
		}
	}

	path := []string{tail}
	for {
		p, ok := prev[path[len(path)-1]]
		if !ok {
			break
		}
		path = append(path, p)
	}

	// Reverse into root-to-leaf order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// ReadyTasks returns ids eligible for dispatch: every predecessor is in
// `completed` and the node itself is QUEUED or BLOCKED. Nodes already in
// `completed` or in any other status are excluded. The result is sorted for
// deterministic downstream ordering.
func (g *Graph) ReadyTasks(completed map[string]bool) []string {
	var ready []string
	for _, id := range g.sortedIDs() {
		if completed[id] {
			continue
		}
		node := g.nodes[id]
		if node.Status != StatusQueued && node.Status != StatusBlocked {
			continue
		}

		ok := true
		for _, dep := range g.preds[id] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Successors returns the ids directly depending on the given task, sorted.
func (g *Graph) Successors(id string) []string {
	out := append([]string(nil), g.succs[id]...)
	sort.Strings(out)
	return out
}

// Predecessors returns the ids the given task directly depends on, sorted.
func (g *Graph) Predecessors(id string) []string {
	out := append([]string(nil), g.preds[id]...)
	sort.Strings(out)
	return out
}

// Descendants returns the transitive closure of successors via BFS,
// excluding the task itself, sorted.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.succs[id]...)

	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.succs[next]...)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.TargetFiles != nil {
		cp.TargetFiles = append([]string(nil), t.TargetFiles...)
	}
	return &cp
}
