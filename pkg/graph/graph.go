// Package graph implements the workflow dependency DAG: tasks and groups
// wired by must-complete-before edges, executed in topological batches
// under synchronization barriers, with conditional routing between batches.
package graph

import (
	"fmt"
	"strings"

	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

// CyclicDependencyError reports a dependency cycle. It is raised by Build,
// never discovered by stalling at run time.
type CyclicDependencyError struct {
	Nodes []string // nodes trapped in (or downstream of) the cycle
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("workflow graph has a dependency cycle involving: %s", strings.Join(e.Nodes, ", "))
}

// BranchSelector maps an upstream result to a branch key.
type BranchSelector func(models.ProcessResult) string

// ConditionalBranch routes the successors of one node by the key the
// selector derives from its result. Successors listed under the selected
// key are activated; routed successors not selected are skipped. A key
// with no route activates nothing, which is a documented outcome, not an
// error.
type ConditionalBranch struct {
	Selector BranchSelector
	Routes   map[string][]string // branch key -> successor node ids
}

func (cb *ConditionalBranch) routed(id string) bool {
	for _, ids := range cb.Routes {
		for _, r := range ids {
			if r == id {
				return true
			}
		}
	}
	return false
}

// Builder accumulates nodes, edges, barriers and branches, then validates
// the whole structure in Build. Structural errors (cycles, bad rank
// mappings, dangling references) abort construction; nothing is discovered
// at run time.
type Builder struct {
	name     string
	nodes    map[string]protocol.Node
	order    []string // insertion order, the deterministic batch order
	edges    map[string][]string
	syncs    []models.SynchronizationPoint
	branches map[string]*ConditionalBranch
}

func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		nodes:    map[string]protocol.Node{},
		edges:    map[string][]string{},
		branches: map[string]*ConditionalBranch{},
	}
}

// AddNode registers a task, chain or group under its unique id.
func (b *Builder) AddNode(n protocol.Node) error {
	if _, ok := b.nodes[n.ID()]; ok {
		return fmt.Errorf("graph %s: duplicate node id %q", b.name, n.ID())
	}
	b.nodes[n.ID()] = n
	b.order = append(b.order, n.ID())
	return nil
}

// AddEdge declares that from must complete before to starts.
func (b *Builder) AddEdge(from, to string) error {
	if _, ok := b.nodes[from]; !ok {
		return fmt.Errorf("graph %s: edge source %q not registered", b.name, from)
	}
	if _, ok := b.nodes[to]; !ok {
		return fmt.Errorf("graph %s: edge target %q not registered", b.name, to)
	}
	for _, t := range b.edges[from] {
		if t == to {
			return nil
		}
	}
	b.edges[from] = append(b.edges[from], to)
	return nil
}

// AddSyncPoint attaches a barrier to a node set. The barrier applies to a
// ready batch when all its members are in that batch.
func (b *Builder) AddSyncPoint(sp models.SynchronizationPoint) error {
	if err := sp.Validate(); err != nil {
		return fmt.Errorf("graph %s: %w", b.name, err)
	}
	for _, m := range sp.Members {
		if _, ok := b.nodes[m]; !ok {
			return fmt.Errorf("graph %s: sync point %s references unknown node %q", b.name, sp.ID, m)
		}
	}
	b.syncs = append(b.syncs, sp)
	return nil
}

// AddBranch attaches conditional routing to a node's outgoing edges.
func (b *Builder) AddBranch(nodeID string, branch *ConditionalBranch) error {
	if _, ok := b.nodes[nodeID]; !ok {
		return fmt.Errorf("graph %s: branch references unknown node %q", b.name, nodeID)
	}
	if branch.Selector == nil {
		return fmt.Errorf("graph %s: branch on %q has no selector", b.name, nodeID)
	}
	for key, targets := range branch.Routes {
		for _, t := range targets {
			if !b.contains(b.edges[nodeID], t) {
				return fmt.Errorf("graph %s: branch %q routes %q which is not a successor of %q", b.name, key, t, nodeID)
			}
		}
	}
	b.branches[nodeID] = branch
	return nil
}

func (b *Builder) contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// rankValidator lets Build reject invalid group rank mappings before the
// graph exists.
type rankValidator interface {
	ValidateRanks() error
}

// Build validates the structure and freezes it into an executable Graph.
// A cycle yields CyclicDependencyError; an invalid group rank mapping
// yields PriorityAssignmentError.
func (b *Builder) Build() (*Graph, error) {
	for _, id := range b.order {
		if rv, ok := b.nodes[id].(rankValidator); ok {
			if err := rv.ValidateRanks(); err != nil {
				return nil, err
			}
		}
	}

	indeg := map[string]int{}
	for _, id := range b.order {
		indeg[id] = 0
	}
	for _, targets := range b.edges {
		for _, t := range targets {
			indeg[t]++
		}
	}

	// Kahn's algorithm purely for cycle detection; execution re-runs it
	// batch by batch with live results.
	remaining := len(b.order)
	queue := []string{}
	work := map[string]int{}
	for _, id := range b.order {
		work[id] = indeg[id]
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		remaining--
		for _, t := range b.edges[id] {
			work[t]--
			if work[t] == 0 {
				queue = append(queue, t)
			}
		}
	}
	if remaining > 0 {
		trapped := make([]string, 0, remaining)
		for _, id := range b.order {
			if work[id] > 0 {
				trapped = append(trapped, id)
			}
		}
		return nil, &CyclicDependencyError{Nodes: trapped}
	}

	return &Graph{
		name:     b.name,
		nodes:    b.nodes,
		order:    b.order,
		edges:    b.edges,
		indeg:    indeg,
		syncs:    b.syncs,
		branches: b.branches,
	}, nil
}

// Graph is an immutable, validated workflow DAG. Built once per scenario,
// executed once via Start.
type Graph struct {
	name     string
	nodes    map[string]protocol.Node
	order    []string
	edges    map[string][]string
	indeg    map[string]int
	syncs    []models.SynchronizationPoint
	branches map[string]*ConditionalBranch
}

func (g *Graph) ID() string   { return g.name }
func (g *Graph) Name() string { return g.name }

// Len returns the node count.
func (g *Graph) Len() int { return len(g.order) }

// StartNodes returns the nodes with no predecessors, in insertion order.
func (g *Graph) StartNodes() []string {
	var out []string
	for _, id := range g.order {
		if g.indeg[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}

// EndNodes returns the nodes with no successors, in insertion order.
func (g *Graph) EndNodes() []string {
	var out []string
	for _, id := range g.order {
		if len(g.edges[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// IsolatedNodes returns nodes with neither predecessors nor successors.
func (g *Graph) IsolatedNodes() []string {
	var out []string
	for _, id := range g.order {
		if g.indeg[id] == 0 && len(g.edges[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// CriticalPath returns the longest path through the graph weighted by the
// nodes' estimated durations, together with its total duration.
func (g *Graph) CriticalPath() ([]string, sim.Time) {
	topo := g.topoOrder()
	dist := map[string]sim.Time{}
	prev := map[string]string{}

	duration := func(id string) sim.Time {
		if d, ok := g.nodes[id].(interface{ EstimatedDuration() sim.Time }); ok {
			return d.EstimatedDuration()
		}
		return 0
	}

	for _, id := range topo {
		if _, ok := dist[id]; !ok {
			dist[id] = duration(id)
		}
		for _, t := range g.edges[id] {
			if cand := dist[id] + duration(t); cand > dist[t] {
				dist[t] = cand
				prev[t] = id
			}
		}
	}

	var endID string
	var best sim.Time = -1
	for _, id := range topo {
		if dist[id] > best {
			best = dist[id]
			endID = id
		}
	}
	if endID == "" {
		return nil, 0
	}

	var path []string
	for id := endID; ; {
		path = append(path, id)
		p, ok := prev[id]
		if !ok {
			break
		}
		id = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, best
}

func (g *Graph) hasEdge(from, to string) bool {
	for _, t := range g.edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (g *Graph) topoOrder() []string {
	work := map[string]int{}
	for id, d := range g.indeg {
		work[id] = d
	}
	var queue, out []string
	for _, id := range g.order {
		if work[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, t := range g.edges[id] {
			work[t]--
			if work[t] == 0 {
				queue = append(queue, t)
			}
		}
	}
	return out
}
