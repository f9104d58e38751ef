package graph

import (
	"context"
	"log/slog"

	"github.com/fabsim/fabsim/pkg/events"
	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

// run holds the mutable state of one graph execution. A Graph is stateless
// and can, in principle, be started more than once; each Start gets its
// own run.
type run struct {
	g      *Graph
	ctx    context.Context
	ectx   *protocol.ExecutionContext
	input  any
	done   protocol.DoneFunc
	logger *slog.Logger

	indeg     map[string]int
	results   map[string]models.ProcessResult
	skipped   map[string]bool
	started   map[string]bool
	startedAt sim.Time
	settled   bool
}

// Start executes the graph. Ready nodes launch in batches: every node
// whose dependencies are satisfied starts at the same virtual timestamp.
// A batch whose members are all covered by a synchronization point is
// gated by that point's policy before successors unlock. The final result
// carries every node's result (including skipped markers) as its payload;
// Success is true only when every executed node succeeded.
func (g *Graph) Start(ctx context.Context, ectx *protocol.ExecutionContext, input any, done protocol.DoneFunc) {
	r := &run{
		g:         g,
		ctx:       ctx,
		ectx:      ectx,
		input:     input,
		done:      done,
		logger:    ectx.Logger.With("graph", g.name),
		indeg:     map[string]int{},
		results:   map[string]models.ProcessResult{},
		skipped:   map[string]bool{},
		started:   map[string]bool{},
		startedAt: ectx.Engine.Now(),
	}
	for id, d := range g.indeg {
		r.indeg[id] = d
	}
	r.launchReady()
}

// launchReady collects every unstarted node whose in-degree reached zero
// and launches them as one batch.
func (r *run) launchReady() {
	if r.settled {
		return
	}
	var batch []string
	for _, id := range r.g.order {
		if r.started[id] || r.skipped[id] {
			continue
		}
		if r.indeg[id] == 0 {
			batch = append(batch, id)
		}
	}
	if len(batch) == 0 {
		if r.pendingCount() == 0 && r.inFlightCount() == 0 {
			r.settle()
		}
		return
	}
	r.launchBatch(batch)
}

func (r *run) pendingCount() int {
	n := 0
	for _, id := range r.g.order {
		if !r.started[id] && !r.skipped[id] {
			n++
		}
	}
	return n
}

func (r *run) inFlightCount() int {
	n := 0
	for _, id := range r.g.order {
		if r.started[id] {
			if _, ok := r.results[id]; !ok {
				n++
			}
		}
	}
	return n
}

// batchSync returns the synchronization point covering the batch, if any.
// A point applies when all of its members are in the batch.
func (r *run) batchSync(batch []string) *models.SynchronizationPoint {
	inBatch := map[string]bool{}
	for _, id := range batch {
		inBatch[id] = true
	}
	for i := range r.g.syncs {
		sp := &r.g.syncs[i]
		all := len(sp.Members) > 0
		for _, m := range sp.Members {
			if !inBatch[m] {
				all = false
				break
			}
		}
		if all {
			return sp
		}
	}
	return nil
}

// launchBatch starts every node of a ready batch at the current virtual
// time. When a synchronization point covers part of the batch, only its
// members gate on the point's policy; the rest of the batch forms its own
// default (all-complete) barrier so a non-member completion can never
// release successors of still-running members.
func (r *run) launchBatch(batch []string) {
	sp := r.batchSync(batch)

	byNode := map[string]*barrier{}
	if sp == nil {
		b := &barrier{run: r, members: batch, required: len(batch)}
		for _, id := range batch {
			byNode[id] = b
		}
	} else {
		member := map[string]bool{}
		for _, m := range sp.Members {
			member[m] = true
		}
		var gated, rest []string
		for _, id := range batch {
			if member[id] {
				gated = append(gated, id)
			} else {
				rest = append(rest, id)
			}
		}

		gb := &barrier{run: r, members: gated, point: sp, required: sp.Required()}
		if sp.Timeout > 0 {
			r.ectx.Engine.ScheduleAfter(sp.Timeout, 0, gb.expire)
		}
		for _, id := range gated {
			byNode[id] = gb
		}
		if len(rest) > 0 {
			rb := &barrier{run: r, members: rest, required: len(rest)}
			for _, id := range rest {
				byNode[id] = rb
			}
		}
	}

	r.logger.Debug("launching batch", "nodes", batch, "time", r.ectx.Engine.Now())
	for _, id := range batch {
		r.started[id] = true
		r.launchNode(id, byNode[id])
	}
}

func (r *run) launchNode(id string, b *barrier) {
	node := r.g.nodes[id]
	node.Start(r.ctx, r.ectx, r.inputFor(id), func(res models.ProcessResult) {
		if _, dup := r.results[id]; dup {
			return
		}
		r.results[id] = res
		b.finished()
	})
}

// inputFor assembles a node's input: source nodes receive the graph input,
// dependent nodes receive their predecessors' results keyed by node id.
// Failed results flow downstream the same way successful ones do.
func (r *run) inputFor(id string) any {
	if r.g.indeg[id] == 0 {
		return r.input
	}
	upstream := map[string]models.ProcessResult{}
	for _, pred := range r.g.order {
		if !r.g.hasEdge(pred, id) {
			continue
		}
		if res, ok := r.results[pred]; ok {
			upstream[pred] = res
		}
	}
	return upstream
}

// barrier gates the release of one batch's successors under its sync
// policy. Without a sync point the policy is effectively ALL_COMPLETE and
// the barrier only counts completions.
type barrier struct {
	run      *run
	members  []string
	point    *models.SynchronizationPoint
	required int
	count    int
	released bool
}

// finished counts one member completion. Late finishers after an
// ANY/THRESHOLD release only record their result; successors are already
// unlocked.
func (b *barrier) finished() {
	b.count++
	if !b.released && b.count >= b.required {
		b.release()
		return
	}
	if b.released {
		// A detached member may be the last work in flight.
		b.run.launchReady()
	}
}

func (b *barrier) expire() {
	if b.released {
		return
	}
	b.run.logger.Warn("synchronization point timed out",
		"sync", b.point.ID, "arrived", b.count, "required", b.required)
	b.run.publishTimeout(b)
	b.release()
}

func (b *barrier) release() {
	b.released = true
	for _, id := range b.members {
		b.run.completeNode(id)
	}
	b.run.launchReady()
}

// completeNode unlocks a member's successors, applying conditional routing
// when the member carries a branch. Members that have not finished yet
// (timeout releases) still unlock their successors; their result arrives
// later and is only recorded.
func (r *run) completeNode(id string) {
	branch := r.g.branches[id]
	res, finished := r.results[id]

	var activated map[string]bool
	if branch != nil && finished {
		key := branch.Selector(res)
		targets, ok := branch.Routes[key]
		if !ok {
			r.logger.Warn("branch key matched no route", "node", id, "key", key)
		}
		activated = map[string]bool{}
		for _, t := range targets {
			activated[t] = true
		}
	}

	for _, succ := range r.g.edges[id] {
		if branch != nil && finished && branch.routed(succ) && !activated[succ] {
			r.skip(succ)
			continue
		}
		r.indeg[succ]--
	}
}

// skip marks a node deselected by a branch and cascades to successors
// whose only path ran through it. A successor with another predecessor
// that can still deliver a result stays live; the skipped edge merely
// stops counting against its in-degree.
func (r *run) skip(id string) {
	if r.skipped[id] || r.started[id] {
		return
	}
	r.skipped[id] = true
	r.logger.Debug("node skipped by conditional branch", "node", id)
	for _, succ := range r.g.edges[id] {
		if r.skipped[succ] || r.started[succ] {
			continue
		}
		if r.hasLivePredecessor(succ) {
			r.indeg[succ]--
		} else {
			r.skip(succ)
		}
	}
}

// hasLivePredecessor reports whether any predecessor of id has not been
// skipped, i.e. has delivered or can still deliver a result.
func (r *run) hasLivePredecessor(id string) bool {
	for _, pred := range r.g.order {
		if r.g.hasEdge(pred, id) && !r.skipped[pred] {
			return true
		}
	}
	return false
}

func (r *run) publishTimeout(b *barrier) {
	var id string
	if r.ectx.Events != nil {
		if bus, ok := r.ectx.Events.(interface{ GenerateID() string }); ok {
			id = bus.GenerateID()
		}
	}
	r.ectx.Publish(r.ctx, b.point.ID, events.SyncTimeout{
		BaseEvent: events.BaseEvent{
			ID:          id,
			Type:        events.SyncTimeoutEvent,
			RunID:       r.ectx.RunID,
			VirtualTime: r.ectx.Engine.Now(),
		},
		SyncID:    b.point.ID,
		Completed: b.count,
		Expected:  b.required,
		Timeout:   b.point.Timeout,
	})
}

func (r *run) settle() {
	if r.settled {
		return
	}
	r.settled = true

	now := r.ectx.Engine.Now()
	out := models.ProcessResult{
		TaskID:    r.g.name,
		Name:      r.g.name,
		Success:   true,
		StartedAt: r.startedAt,
		EndedAt:   now,
		Duration:  now - r.startedAt,
	}
	payload := map[string]models.ProcessResult{}
	for _, id := range r.g.order {
		res, ok := r.results[id]
		if !ok {
			continue
		}
		payload[id] = res
		if !res.Success && out.Success {
			out.Success = false
			out.Error = "node " + id + " failed: " + res.Error
		}
	}
	out.Payload = payload
	r.logger.Info("graph finished",
		"success", out.Success, "executed", len(r.results), "skipped", len(r.skipped),
		"duration", out.Duration)
	r.done(out)
}
