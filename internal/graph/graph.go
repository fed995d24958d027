// Package graph provides the subtask dependency graph for a single task.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ErrInvalidGraph indicates a submitted graph was malformed: empty,
// containing duplicate ids, unresolvable dependencies, or a cycle.
// Malformed graphs are rejected at submission, never silently repaired.
var ErrInvalidGraph = errors.New("invalid graph")

// TaskGraph is the dependency graph of subtask nodes for one task.
// Nodes live in an arena addressed by stable ids, with adjacency lists
// maintained in both directions.
type TaskGraph struct {
	mu sync.RWMutex
	// taskID is the owning task.
	taskID string
	// nodes maps node ID to the node itself.
	nodes map[string]*models.Node
	// deps maps node ID to the IDs of nodes it depends on.
	deps map[string][]string
	// dependents maps node ID to the IDs of nodes that depend on it.
	dependents map[string][]string
}

// Build constructs and validates a TaskGraph from a slice of nodes.
// Returns ErrInvalidGraph (wrapped with detail) if the graph is empty,
// contains duplicate node ids, references unknown dependencies, or
// contains a cycle.
func Build(taskID string, nodes []*models.Node) (*TaskGraph, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: graph has no nodes", ErrInvalidGraph)
	}

	g := &TaskGraph{
		taskID:     taskID,
		nodes:      make(map[string]*models.Node, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node with empty id", ErrInvalidGraph)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %s", ErrInvalidGraph, n.ID)
		}
		n.TaskID = taskID
		g.nodes[n.ID] = n
	}

	for _, n := range nodes {
		for _, depID := range n.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return nil, fmt.Errorf("%w: node %s depends on unknown node %s", ErrInvalidGraph, n.ID, depID)
			}
			g.deps[n.ID] = append(g.deps[n.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], n.ID)
		}
	}

	if _, err := g.topoOrderLocked(); err != nil {
		return nil, err
	}

	// Seed initial statuses: nodes with no dependencies start ready.
	for _, n := range g.nodes {
		if len(g.deps[n.ID]) == 0 {
			n.Status = models.NodeStatusReady
		} else {
			n.Status = models.NodeStatusPending
		}
	}

	return g, nil
}

// Restore rebuilds a TaskGraph from persisted nodes, keeping their
// recorded statuses. Nodes that were assigned or running when the
// process stopped return to ready: their workers are gone and will
// re-register. Validation matches Build.
func Restore(taskID string, nodes []*models.Node) (*TaskGraph, error) {
	statuses := make(map[string]models.NodeStatus, len(nodes))
	for _, n := range nodes {
		statuses[n.ID] = n.Status
	}

	g, err := Build(taskID, nodes)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, n := range g.nodes {
		switch statuses[id] {
		case models.NodeStatusAssigned, models.NodeStatusRunning:
			n.Status = models.NodeStatusReady
			n.AssignedTo = ""
			if n.PriorAttempt == "" {
				n.PriorAttempt = "previous attempt interrupted by coordinator restart"
			}
		case "":
			// Keep the seed status Build chose.
		default:
			n.Status = statuses[id]
		}
	}

	// A promotion lost right before shutdown can leave a node pending
	// even though every dependency already succeeded. Recompute
	// readiness so the restored task does not stall.
	for _, n := range g.nodes {
		if n.Status == models.NodeStatusPending && g.allDepsSucceededLocked(n.ID) {
			n.Status = models.NodeStatusReady
		}
	}
	return g, nil
}

// topoOrderLocked runs a topological sort over the current edges.
// Caller must hold at least a read lock (or exclusive access during Build).
func (g *TaskGraph) topoOrderLocked() ([]string, error) {
	var edges []toposort.Edge
	for id := range g.nodes {
		if len(g.deps[id]) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range g.deps[id] {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: dependency cycle: %v", ErrInvalidGraph, err)
	}

	order := make([]string, 0, len(sorted))
	for _, v := range sorted {
		if id, ok := v.(string); ok {
			order = append(order, id)
		}
	}
	return order, nil
}

// TaskID returns the owning task's id.
func (g *TaskGraph) TaskID() string {
	return g.taskID
}

// Node returns the node for a given id, or nil if not found.
func (g *TaskGraph) Node(id string) *models.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Nodes returns all nodes sorted by id for deterministic iteration.
func (g *TaskGraph) Nodes() []*models.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*models.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the number of nodes in the graph.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of nodes the given node depends on.
func (g *TaskGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the IDs of nodes that depend on the given node.
func (g *TaskGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// Ready returns nodes currently in the ready state whose backoff window
// has passed, sorted by id for deterministic scheduling.
func (g *TaskGraph) Ready(now time.Time) []*models.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.Node
	for _, n := range g.nodes {
		if n.Status != models.NodeStatusReady {
			continue
		}
		if !n.NotBefore.IsZero() && now.Before(n.NotBefore) {
			continue
		}
		ready = append(ready, n)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// PromoteReady recomputes readiness for the direct dependents of the
// given node: a dependent becomes ready if and only if every one of its
// dependencies has succeeded. Returns the IDs of newly ready nodes.
func (g *TaskGraph) PromoteReady(succeededID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var promoted []string
	for _, depID := range g.dependents[succeededID] {
		n := g.nodes[depID]
		if n.Status != models.NodeStatusPending {
			continue
		}
		if g.allDepsSucceededLocked(depID) {
			n.Status = models.NodeStatusReady
			promoted = append(promoted, depID)
		}
	}
	sort.Strings(promoted)
	return promoted
}

// allDepsSucceededLocked reports whether every dependency of the node
// has succeeded. Caller must hold the lock.
func (g *TaskGraph) allDepsSucceededLocked(id string) bool {
	for _, depID := range g.deps[id] {
		if g.nodes[depID].Status != models.NodeStatusSucceeded {
			return false
		}
	}
	return true
}

// InsertFixNode adds a fix node that depends on its origin node and
// rewires the origin's prior dependents to also depend on the fix, so
// the revised output flows downstream before dependents run. The fix
// node starts ready because its only dependency already succeeded.
// Returns the rewired dependents: each carries the fix in its
// DependsOn list and must be re-persisted by the caller so the new
// edges survive a restart.
func (g *TaskGraph) InsertFixNode(fix *models.Node) ([]*models.Node, error) {
	if fix.FixOf == "" {
		return nil, fmt.Errorf("fix node %s has no origin", fix.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	origin, ok := g.nodes[fix.FixOf]
	if !ok {
		return nil, fmt.Errorf("fix origin %s not found", fix.FixOf)
	}
	if _, dup := g.nodes[fix.ID]; dup {
		return nil, fmt.Errorf("duplicate node id %s", fix.ID)
	}

	fix.TaskID = g.taskID
	fix.Type = models.NodeTypeFix
	fix.DependsOn = []string{origin.ID}
	fix.Status = models.NodeStatusReady

	g.nodes[fix.ID] = fix
	g.deps[fix.ID] = []string{origin.ID}

	// Downstream nodes that have not run yet must wait for the revision.
	var rewired []*models.Node
	for _, depID := range g.dependents[origin.ID] {
		dep := g.nodes[depID]
		if dep.Status != models.NodeStatusPending && dep.Status != models.NodeStatusReady {
			continue
		}
		dep.DependsOn = append(dep.DependsOn, fix.ID)
		g.deps[depID] = append(g.deps[depID], fix.ID)
		g.dependents[fix.ID] = append(g.dependents[fix.ID], depID)
		if dep.Status == models.NodeStatusReady {
			dep.Status = models.NodeStatusPending
		}
		rewired = append(rewired, dep)
	}
	g.dependents[origin.ID] = append(g.dependents[origin.ID], fix.ID)

	sort.Slice(rewired, func(i, j int) bool { return rewired[i].ID < rewired[j].ID })
	return rewired, nil
}

// Sinks returns the IDs of nodes with no dependents. For a well-formed
// task graph this is the terminal work of the task.
func (g *TaskGraph) Sinks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var sinks []string
	for id := range g.nodes {
		if len(g.dependents[id]) == 0 {
			sinks = append(sinks, id)
		}
	}
	sort.Strings(sinks)
	return sinks
}

// AllSucceeded reports whether every node in the graph has succeeded.
func (g *TaskGraph) AllSucceeded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, n := range g.nodes {
		if n.Status != models.NodeStatusSucceeded {
			return false
		}
	}
	return true
}

// HasBlocked reports whether any node is blocked. A blocked node has no
// alternate route, so the owning task cannot complete.
func (g *TaskGraph) HasBlocked() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, n := range g.nodes {
		if n.Status == models.NodeStatusBlocked {
			return true
		}
	}
	return false
}

// NonTerminal returns all nodes not yet in a terminal state, sorted by
// id. Used by cancellation to sweep remaining work.
func (g *TaskGraph) NonTerminal() []*models.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*models.Node
	for _, n := range g.nodes {
		if !n.Status.Terminal() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnlySinksRemain reports whether every node outside the sink set has
// succeeded while at least one sink has not. This is the trigger point
// for low-frequency checkpoints: the moment immediately before the
// task's terminal work.
func (g *TaskGraph) OnlySinksRemain() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sinkPending := false
	for id, n := range g.nodes {
		if len(g.dependents[id]) == 0 {
			if n.Status != models.NodeStatusSucceeded {
				sinkPending = true
			}
			continue
		}
		if n.Status != models.NodeStatusSucceeded {
			return false
		}
	}
	return sinkPending
}
