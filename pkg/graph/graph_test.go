package graph

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabsim/fabsim/pkg/flow"
	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/pool"
	"github.com/fabsim/fabsim/pkg/process"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

func newTestContext(t *testing.T) (*protocol.ExecutionContext, *sim.Engine) {
	t.Helper()
	engine := sim.NewEngine(nil)
	return &protocol.ExecutionContext{
		RunID:  "run-test",
		Engine: engine,
		Pools:  pool.NewSet(engine, nil),
		Logger: slog.Default(),
	}, engine
}

func mustBuild(t *testing.T, b *Builder) *Graph {
	t.Helper()
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestBuilder_RejectsDuplicateNodeIDs(t *testing.T) {
	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("a", "A", 1)))
	assert.Error(t, b.AddNode(process.New("a", "A again", 1)))
}

func TestBuilder_RejectsDanglingEdges(t *testing.T) {
	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("a", "A", 1)))
	assert.Error(t, b.AddEdge("a", "ghost"))
	assert.Error(t, b.AddEdge("ghost", "a"))
}

func TestBuilder_RejectsCyclesAtBuildTime(t *testing.T) {
	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("x", "X", 1)))
	require.NoError(t, b.AddNode(process.New("y", "Y", 1)))
	require.NoError(t, b.AddEdge("x", "y"))
	require.NoError(t, b.AddEdge("y", "x"))

	_, err := b.Build()
	var cde *CyclicDependencyError
	require.ErrorAs(t, err, &cde)
	assert.ElementsMatch(t, []string{"x", "y"}, cde.Nodes)
}

func TestBuilder_RejectsInvalidGroupRanks(t *testing.T) {
	g := flow.NewGroup(process.New("a", "A", 1), process.New("b", "B", 1))
	require.NoError(t, g.SetRank("a", 1)) // partial mapping

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(g))

	_, err := b.Build()
	var pae *flow.PriorityAssignmentError
	require.ErrorAs(t, err, &pae)
}

func TestGraph_TopologicalOrderRespected(t *testing.T) {
	ectx, engine := newTestContext(t)

	var order []string
	traced := func(id string, d sim.Time) *process.Task {
		return process.New(id, id, d).When(func(any) bool {
			order = append(order, id)
			return true
		})
	}

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(traced("a", 1)))
	require.NoError(t, b.AddNode(traced("b", 1)))
	require.NoError(t, b.AddNode(traced("c", 1)))
	require.NoError(t, b.AddEdge("a", "b"))
	require.NoError(t, b.AddEdge("b", "c"))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, sim.Time(3), result.EndedAt)
}

// Three independent tasks joined by ALL_COMPLETE feeding a final task:
// D starts at max(2,3,1) and the whole graph ends at 4.
func TestGraph_AllCompleteBarrierThenDependent(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("a", "A", 2)))
	require.NoError(t, b.AddNode(process.New("b", "B", 3)))
	require.NoError(t, b.AddNode(process.New("c", "C", 1)))
	require.NoError(t, b.AddNode(process.New("d", "D", 1)))
	require.NoError(t, b.AddEdge("a", "d"))
	require.NoError(t, b.AddEdge("b", "d"))
	require.NoError(t, b.AddEdge("c", "d"))
	require.NoError(t, b.AddSyncPoint(models.SynchronizationPoint{
		ID: "join", Members: []string{"a", "b", "c"}, Policy: models.SyncAllComplete,
	}))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	assert.Equal(t, sim.Time(4), result.EndedAt)

	results := result.Payload.(map[string]models.ProcessResult)
	assert.Equal(t, sim.Time(3), results["d"].StartedAt, "D waits for the slowest member")
}

// The ready batch holds a node outside the sync point's member set: its
// completion must not count toward the barrier, and the members' dependent
// must wait for the slowest member, not the fastest outsider.
func TestGraph_SyncPointIgnoresNonMembersInBatch(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("a", "A", 5)))
	require.NoError(t, b.AddNode(process.New("b", "B", 6)))
	require.NoError(t, b.AddNode(process.New("c", "C", 1)))
	require.NoError(t, b.AddNode(process.New("d", "D", 1)))
	require.NoError(t, b.AddEdge("a", "d"))
	require.NoError(t, b.AddEdge("b", "d"))
	require.NoError(t, b.AddSyncPoint(models.SynchronizationPoint{
		ID: "join", Members: []string{"a", "b"}, Policy: models.SyncAllComplete,
	}))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	results := result.Payload.(map[string]models.ProcessResult)
	assert.Equal(t, sim.Time(1), results["c"].EndedAt)
	assert.Equal(t, sim.Time(6), results["d"].StartedAt, "D waits for both members, not for C")
	assert.Equal(t, sim.Time(7), result.EndedAt)
}

func TestGraph_ThresholdReleasesAtSecondFastest(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("a", "A", 2)))
	require.NoError(t, b.AddNode(process.New("b", "B", 3)))
	require.NoError(t, b.AddNode(process.New("c", "C", 1)))
	require.NoError(t, b.AddNode(process.New("d", "D", 1)))
	require.NoError(t, b.AddEdge("a", "d"))
	require.NoError(t, b.AddEdge("b", "d"))
	require.NoError(t, b.AddEdge("c", "d"))
	require.NoError(t, b.AddSyncPoint(models.SynchronizationPoint{
		ID: "join", Members: []string{"a", "b", "c"}, Policy: models.SyncThreshold, Threshold: 2,
	}))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	results := result.Payload.(map[string]models.ProcessResult)
	assert.Equal(t, sim.Time(2), results["d"].StartedAt, "threshold(2) releases at the second-fastest member")
	assert.Equal(t, sim.Time(3), results["b"].EndedAt, "the detached member still runs to completion")
}

func TestGraph_AnyCompleteReleasesAtFastest(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("a", "A", 2)))
	require.NoError(t, b.AddNode(process.New("b", "B", 3)))
	require.NoError(t, b.AddNode(process.New("d", "D", 1)))
	require.NoError(t, b.AddEdge("a", "d"))
	require.NoError(t, b.AddEdge("b", "d"))
	require.NoError(t, b.AddSyncPoint(models.SynchronizationPoint{
		ID: "join", Members: []string{"a", "b"}, Policy: models.SyncAnyComplete,
	}))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	results := result.Payload.(map[string]models.ProcessResult)
	assert.Equal(t, sim.Time(2), results["d"].StartedAt)
}

func TestGraph_SyncTimeoutProceedsWithPartialResults(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("fast", "Fast", 1)))
	require.NoError(t, b.AddNode(process.New("slow", "Slow", 50)))
	require.NoError(t, b.AddNode(process.New("d", "D", 1)))
	require.NoError(t, b.AddEdge("fast", "d"))
	require.NoError(t, b.AddEdge("slow", "d"))
	require.NoError(t, b.AddSyncPoint(models.SynchronizationPoint{
		ID: "join", Members: []string{"fast", "slow"}, Policy: models.SyncAllComplete, Timeout: 5,
	}))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	results := result.Payload.(map[string]models.ProcessResult)
	assert.Equal(t, sim.Time(5), results["d"].StartedAt, "timeout releases the barrier at the deadline")
	assert.Equal(t, sim.Time(50), results["slow"].EndedAt)
}

func TestGraph_FailedNodeFeedsDependents(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("bad", "Bad", 1).When(func(any) bool { return false })))
	require.NoError(t, b.AddNode(process.New("after", "After", 1)))
	require.NoError(t, b.AddEdge("bad", "after"))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	results := result.Payload.(map[string]models.ProcessResult)
	assert.True(t, results["after"].Success, "dependents are not skipped on upstream failure")
	assert.False(t, result.Success, "but the graph reports the failure")
	assert.Contains(t, result.Error, "bad")

	upstream := results["after"].Payload.(map[string]models.ProcessResult)
	assert.False(t, upstream["bad"].Success, "the failed result arrived as input")
}

func TestGraph_ConditionalBranchSkipsUnselectedRoute(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("inspect", "Inspect", 1)))
	require.NoError(t, b.AddNode(process.New("pass", "Pass", 1)))
	require.NoError(t, b.AddNode(process.New("rework", "Rework", 1)))
	require.NoError(t, b.AddEdge("inspect", "pass"))
	require.NoError(t, b.AddEdge("inspect", "rework"))
	require.NoError(t, b.AddBranch("inspect", &ConditionalBranch{
		Selector: func(r models.ProcessResult) string {
			if r.Success {
				return "ok"
			}
			return "defect"
		},
		Routes: map[string][]string{
			"ok":     {"pass"},
			"defect": {"rework"},
		},
	}))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	results := result.Payload.(map[string]models.ProcessResult)
	assert.Contains(t, results, "pass")
	assert.NotContains(t, results, "rework", "the unselected route is skipped")
}

// A node downstream of a deselected route must be skipped too, not
// launched with an empty upstream map.
func TestGraph_BranchSkipCascadesPastUnselectedRoute(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("inspect", "Inspect", 1)))
	require.NoError(t, b.AddNode(process.New("pass", "Pass", 1)))
	require.NoError(t, b.AddNode(process.New("rework", "Rework", 1)))
	require.NoError(t, b.AddNode(process.New("retest", "Retest", 1)))
	require.NoError(t, b.AddEdge("inspect", "pass"))
	require.NoError(t, b.AddEdge("inspect", "rework"))
	require.NoError(t, b.AddEdge("rework", "retest"))
	require.NoError(t, b.AddBranch("inspect", &ConditionalBranch{
		Selector: func(models.ProcessResult) string { return "ok" },
		Routes: map[string][]string{
			"ok":     {"pass"},
			"defect": {"rework"},
		},
	}))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	results := result.Payload.(map[string]models.ProcessResult)
	assert.Contains(t, results, "pass")
	assert.NotContains(t, results, "rework")
	assert.NotContains(t, results, "retest", "the skip cascades through the deselected route")
	assert.Equal(t, sim.Time(2), result.EndedAt)
}

// A merge point with a live predecessor outside the deselected route still
// runs, fed only by the results that actually arrived.
func TestGraph_BranchSkipKeepsMergePointWithLivePath(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("inspect", "Inspect", 1)))
	require.NoError(t, b.AddNode(process.New("pass", "Pass", 1)))
	require.NoError(t, b.AddNode(process.New("rework", "Rework", 1)))
	require.NoError(t, b.AddNode(process.New("retest", "Retest", 1)))
	require.NoError(t, b.AddEdge("inspect", "pass"))
	require.NoError(t, b.AddEdge("inspect", "rework"))
	require.NoError(t, b.AddEdge("pass", "retest"))
	require.NoError(t, b.AddEdge("rework", "retest"))
	require.NoError(t, b.AddBranch("inspect", &ConditionalBranch{
		Selector: func(models.ProcessResult) string { return "ok" },
		Routes: map[string][]string{
			"ok":     {"pass"},
			"defect": {"rework"},
		},
	}))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	results := result.Payload.(map[string]models.ProcessResult)
	require.Contains(t, results, "retest")
	assert.Equal(t, sim.Time(2), results["retest"].StartedAt, "retest follows pass, not the skipped rework")

	upstream := results["retest"].Payload.(map[string]models.ProcessResult)
	assert.Contains(t, upstream, "pass")
	assert.NotContains(t, upstream, "rework")
}

func TestGraph_BranchKeyWithoutRouteActivatesNothing(t *testing.T) {
	ectx, engine := newTestContext(t)

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("src", "Src", 1)))
	require.NoError(t, b.AddNode(process.New("next", "Next", 1)))
	require.NoError(t, b.AddEdge("src", "next"))
	require.NoError(t, b.AddBranch("src", &ConditionalBranch{
		Selector: func(models.ProcessResult) string { return "unmapped" },
		Routes:   map[string][]string{"known": {"next"}},
	}))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	results := result.Payload.(map[string]models.ProcessResult)
	assert.NotContains(t, results, "next")
}

func TestBuilder_BranchMustRouteToSuccessors(t *testing.T) {
	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("src", "Src", 1)))
	require.NoError(t, b.AddNode(process.New("other", "Other", 1)))
	require.NoError(t, b.AddEdge("src", "other"))

	err := b.AddBranch("src", &ConditionalBranch{
		Selector: func(models.ProcessResult) string { return "x" },
		Routes:   map[string][]string{"x": {"src"}}, // not a successor
	})
	assert.Error(t, err)
}

func TestGraph_NestedCompositionsAsNodes(t *testing.T) {
	ectx, engine := newTestContext(t)

	prep := flow.NewChain(process.New("c1", "C1", 1), process.New("c2", "C2", 2))
	pair := flow.NewGroup(process.New("g1", "G1", 2), process.New("g2", "G2", 3))

	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(prep))
	require.NoError(t, b.AddNode(pair))
	require.NoError(t, b.AddNode(process.New("final", "Final", 1)))
	require.NoError(t, b.AddEdge(prep.ID(), pair.ID()))
	require.NoError(t, b.AddEdge(pair.ID(), "final"))
	g := mustBuild(t, b)

	var result models.ProcessResult
	g.Start(context.Background(), ectx, nil, func(r models.ProcessResult) { result = r })
	engine.Drain()

	require.True(t, result.Success)
	// chain 3, then unranked group max(2,3)=3, then 1.
	assert.Equal(t, sim.Time(7), result.EndedAt)
}

func TestGraph_StartEndAndIsolatedNodes(t *testing.T) {
	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("a", "A", 1)))
	require.NoError(t, b.AddNode(process.New("b", "B", 1)))
	require.NoError(t, b.AddNode(process.New("lone", "Lone", 1)))
	require.NoError(t, b.AddEdge("a", "b"))
	g := mustBuild(t, b)

	assert.Equal(t, []string{"a", "lone"}, g.StartNodes())
	assert.Equal(t, []string{"b", "lone"}, g.EndNodes())
	assert.Equal(t, []string{"lone"}, g.IsolatedNodes())
}

func TestGraph_CriticalPath(t *testing.T) {
	b := NewBuilder("wf")
	require.NoError(t, b.AddNode(process.New("a", "A", 2)))
	require.NoError(t, b.AddNode(process.New("b", "B", 3)))
	require.NoError(t, b.AddNode(process.New("c", "C", 1)))
	require.NoError(t, b.AddNode(process.New("d", "D", 1)))
	require.NoError(t, b.AddEdge("a", "d"))
	require.NoError(t, b.AddEdge("b", "d"))
	require.NoError(t, b.AddEdge("c", "d"))
	g := mustBuild(t, b)

	path, total := g.CriticalPath()
	assert.Equal(t, []string{"b", "d"}, path)
	assert.Equal(t, sim.Time(4), total)
}
