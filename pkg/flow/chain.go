// Package flow implements the process algebra: sequential chains and
// priority-ordered or parallel groups, nestable into each other and into
// workflow graphs.
package flow

import (
	"context"

	"github.com/google/uuid"

	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

// durationEstimator is implemented by nodes that can predict their nominal
// run time, which powers critical path analysis.
type durationEstimator interface {
	EstimatedDuration() sim.Time
}

// prioritized is implemented by nodes with an intrinsic scheduling
// priority. Nodes without one interleave at the default rank.
type prioritized interface {
	SchedulingPriority() int
}

const defaultPriority = 5

func priorityOf(n protocol.Node) int {
	if p, ok := n.(prioritized); ok {
		return p.SchedulingPriority()
	}
	return defaultPriority
}

// Chain runs its nodes strictly one after another, feeding each node's
// output payload into the next. A chain is itself a node, so chains nest
// into groups and graphs.
type Chain struct {
	ChainID string
	nodes   []protocol.Node
}

// NewChain composes nodes sequentially. Nested chains are spliced flat, so
// Then is associative: (a.Then(b)).Then(c) and a.Then(b.Then(c)) execute
// identically and report the same length.
func NewChain(nodes ...protocol.Node) *Chain {
	c := &Chain{ChainID: "chain-" + uuid.New().String()[:8]}
	for _, n := range nodes {
		c.Then(n)
	}
	return c
}

// Then appends a node to the chain and returns the chain.
func (c *Chain) Then(n protocol.Node) *Chain {
	if sub, ok := n.(*Chain); ok {
		c.nodes = append(c.nodes, sub.nodes...)
		return c
	}
	c.nodes = append(c.nodes, n)
	return c
}

func (c *Chain) ID() string   { return c.ChainID }
func (c *Chain) Name() string { return c.ChainID }

// Len returns the number of nodes in the chain.
func (c *Chain) Len() int { return len(c.nodes) }

// Nodes returns the chain's members in execution order.
func (c *Chain) Nodes() []protocol.Node { return c.nodes }

// EstimatedDuration is the sum of the member estimates.
func (c *Chain) EstimatedDuration() sim.Time {
	var total sim.Time
	for _, n := range c.nodes {
		if d, ok := n.(durationEstimator); ok {
			total += d.EstimatedDuration()
		}
	}
	return total
}

// Start executes the chain. The result of the chain is the result of its
// last node, so chaining is transparent: chain(x) == Tn(...T1(x)...).
func (c *Chain) Start(ctx context.Context, ectx *protocol.ExecutionContext, input any, done protocol.DoneFunc) {
	if len(c.nodes) == 0 {
		now := ectx.Engine.Now()
		done(models.ProcessResult{
			TaskID: c.ChainID, Name: c.ChainID, Success: true,
			Payload: input, StartedAt: now, EndedAt: now,
		})
		return
	}
	c.startAt(ctx, ectx, 0, input, done)
}

func (c *Chain) startAt(ctx context.Context, ectx *protocol.ExecutionContext, i int, input any, done protocol.DoneFunc) {
	node := c.nodes[i]
	node.Start(ctx, ectx, input, func(res models.ProcessResult) {
		if i+1 == len(c.nodes) {
			done(res)
			return
		}
		// A failed link still feeds its successor; failure is data here.
		c.startAt(ctx, ectx, i+1, res.Payload, done)
	})
}
