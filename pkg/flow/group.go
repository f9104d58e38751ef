package flow

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

// PriorityAssignmentError reports a rank mapping that is not a bijection
// onto {1..N}. It is raised at composition time and is fatal to graph
// construction.
type PriorityAssignmentError struct {
	GroupID string
	Reason  string
}

func (e *PriorityAssignmentError) Error() string {
	return fmt.Sprintf("group %s: invalid priority assignment: %s", e.GroupID, e.Reason)
}

// Group composes member nodes for joint execution. With an empty rank
// mapping the members start at the same virtual instant and interleave
// deterministically by task priority then submission order; with a complete
// rank mapping the members run sequentially in ascending rank.
type Group struct {
	GroupID string
	members []protocol.Node
	ranks   map[string]int // member id -> rank
}

func NewGroup(members ...protocol.Node) *Group {
	g := &Group{
		GroupID: "group-" + uuid.New().String()[:8],
		ranks:   map[string]int{},
	}
	for _, m := range members {
		g.With(m)
	}
	return g
}

// With adds a member and returns the group.
func (g *Group) With(n protocol.Node) *Group {
	g.members = append(g.members, n)
	return g
}

// Len returns the number of members.
func (g *Group) Len() int { return len(g.members) }

// Members returns the members in registration order.
func (g *Group) Members() []protocol.Node { return g.members }

// SetRank assigns a rank to one member. Duplicate ranks and unknown members
// are rejected immediately; completeness of the mapping is enforced by
// ValidateRanks once composition is finished.
func (g *Group) SetRank(memberID string, rank int) error {
	if !g.hasMember(memberID) {
		return &PriorityAssignmentError{GroupID: g.GroupID, Reason: fmt.Sprintf("unknown member %q", memberID)}
	}
	for id, r := range g.ranks {
		if r == rank && id != memberID {
			return &PriorityAssignmentError{GroupID: g.GroupID, Reason: fmt.Sprintf("rank %d assigned to both %q and %q", rank, id, memberID)}
		}
	}
	g.ranks[memberID] = rank
	return nil
}

// SetRanks replaces the whole mapping and validates it as a bijection.
func (g *Group) SetRanks(ranks map[string]int) error {
	g.ranks = map[string]int{}
	for id, r := range ranks {
		if err := g.SetRank(id, r); err != nil {
			return err
		}
	}
	return g.ValidateRanks()
}

func (g *Group) hasMember(id string) bool {
	for _, m := range g.members {
		if m.ID() == id {
			return true
		}
	}
	return false
}

// Ranked reports whether the group executes in rank order.
func (g *Group) Ranked() bool { return len(g.ranks) > 0 }

// ValidateRanks enforces the core invariant: the mapping is either empty or
// a bijection onto {1..N} for the N members.
func (g *Group) ValidateRanks() error {
	if len(g.ranks) == 0 {
		return nil
	}
	n := len(g.members)
	if len(g.ranks) != n {
		return &PriorityAssignmentError{
			GroupID: g.GroupID,
			Reason:  fmt.Sprintf("partial assignment: %d of %d members ranked", len(g.ranks), n),
		}
	}
	seen := make(map[int]string, n)
	for _, m := range g.members {
		r, ok := g.ranks[m.ID()]
		if !ok {
			return &PriorityAssignmentError{GroupID: g.GroupID, Reason: fmt.Sprintf("member %q has no rank", m.ID())}
		}
		if r < 1 || r > n {
			return &PriorityAssignmentError{GroupID: g.GroupID, Reason: fmt.Sprintf("rank %d for %q outside 1..%d", r, m.ID(), n)}
		}
		if prev, dup := seen[r]; dup {
			return &PriorityAssignmentError{GroupID: g.GroupID, Reason: fmt.Sprintf("rank %d assigned to both %q and %q", r, prev, m.ID())}
		}
		seen[r] = m.ID()
	}
	return nil
}

// SortByRank returns the members in ascending rank order. For an unranked
// group it returns registration order.
func (g *Group) SortByRank() []protocol.Node {
	out := make([]protocol.Node, len(g.members))
	copy(out, g.members)
	if !g.Ranked() {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		return g.ranks[out[i].ID()] < g.ranks[out[j].ID()]
	})
	return out
}

func (g *Group) ID() string   { return g.GroupID }
func (g *Group) Name() string { return g.GroupID }

// EstimatedDuration is the member sum when ranked (sequential) and the
// member maximum when unranked.
func (g *Group) EstimatedDuration() sim.Time {
	var total, longest sim.Time
	for _, m := range g.members {
		d, ok := m.(durationEstimator)
		if !ok {
			continue
		}
		total += d.EstimatedDuration()
		longest = max(longest, d.EstimatedDuration())
	}
	if g.Ranked() {
		return total
	}
	return longest
}

// Start executes the group. The group result carries the member results in
// registration order as its payload and succeeds only when every member
// succeeded.
func (g *Group) Start(ctx context.Context, ectx *protocol.ExecutionContext, input any, done protocol.DoneFunc) {
	startedAt := ectx.Engine.Now()

	if err := g.ValidateRanks(); err != nil {
		done(models.Failure(g.GroupID, g.GroupID, startedAt, err))
		return
	}
	if len(g.members) == 0 {
		done(models.ProcessResult{
			TaskID: g.GroupID, Name: g.GroupID, Success: true,
			Payload: []models.ProcessResult{}, StartedAt: startedAt, EndedAt: startedAt,
		})
		return
	}

	results := make([]models.ProcessResult, len(g.members))
	indexOf := make(map[string]int, len(g.members))
	for i, m := range g.members {
		indexOf[m.ID()] = i
	}

	finish := func() {
		res := models.ProcessResult{
			TaskID:    g.GroupID,
			Name:      g.GroupID,
			Success:   true,
			Payload:   results,
			StartedAt: startedAt,
			EndedAt:   ectx.Engine.Now(),
		}
		res.Duration = res.EndedAt - res.StartedAt
		for _, r := range results {
			if !r.Success {
				res.Success = false
				res.Error = fmt.Sprintf("member %s failed: %s", r.TaskID, r.Error)
				break
			}
		}
		done(res)
	}

	if g.Ranked() {
		ordered := g.SortByRank()
		var runNext func(i int)
		runNext = func(i int) {
			ordered[i].Start(ctx, ectx, input, func(res models.ProcessResult) {
				results[indexOf[ordered[i].ID()]] = res
				if i+1 < len(ordered) {
					runNext(i + 1)
					return
				}
				finish()
			})
		}
		runNext(0)
		return
	}

	// Unranked: every member starts at the same virtual timestamp; the
	// engine's priority-then-submission tie-break decides interleaving.
	pending := len(g.members)
	for i, m := range g.members {
		i, m := i, m
		ectx.Engine.Schedule(startedAt, priorityOf(m), func() {
			m.Start(ctx, ectx, input, func(res models.ProcessResult) {
				results[i] = res
				pending--
				if pending == 0 {
					finish()
				}
			})
		})
	}
}
