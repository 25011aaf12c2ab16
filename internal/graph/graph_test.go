package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCreateNodeAndEdge_RoundTrip(t *testing.T) {
	g := New(0)

	a, err := g.CreateNode("Function", map[string]any{"name": "main"})
	require.NoError(t, err)
	b, err := g.CreateNode("Function", map[string]any{"name": "helper"})
	require.NoError(t, err)

	edgeID, err := g.CreateEdge(a, b, "Calls", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, edgeID)

	node, ok := g.GetNode(a)
	require.True(t, ok)
	assert.Equal(t, "main", node.Props["name"])
}

func TestCreateEdge_MissingNodeIsNotFound(t *testing.T) {
	g := New(0)
	a, _ := g.CreateNode("Function", nil)

	_, err := g.CreateEdge(a, "missing", "Calls", nil)
	require.Error(t, err)
}

func TestFindRelated_BFSRespectsMaxDepth(t *testing.T) {
	g := New(0)
	a, _ := g.CreateNode("Function", nil)
	b, _ := g.CreateNode("Function", nil)
	c, _ := g.CreateNode("Function", nil)

	_, err := g.CreateEdge(a, b, "Calls", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(b, c, "Calls", nil)
	require.NoError(t, err)

	depth1, err := g.FindRelated(a, 1)
	require.NoError(t, err)
	assert.Contains(t, depth1, b)
	assert.NotContains(t, depth1, c)

	depth2, err := g.FindRelated(a, 2)
	require.NoError(t, err)
	assert.Contains(t, depth2, c)
	assert.Equal(t, 2, depth2[c])
}

func TestShortestPath_FindsMinimalHopPath(t *testing.T) {
	g := New(0)
	a, _ := g.CreateNode("Function", nil)
	b, _ := g.CreateNode("Function", nil)
	c, _ := g.CreateNode("Function", nil)
	d, _ := g.CreateNode("Function", nil)

	_, _ = g.CreateEdge(a, b, "Calls", nil)
	_, _ = g.CreateEdge(b, c, "Calls", nil)
	_, _ = g.CreateEdge(a, d, "Calls", nil)
	_, _ = g.CreateEdge(d, c, "Calls", nil)

	path, err := g.ShortestPath(a, c, 0)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, a, path[0])
	assert.Equal(t, c, path[2])
}

func TestShortestPath_NoPathReturnsNil(t *testing.T) {
	g := New(0)
	a, _ := g.CreateNode("Function", nil)
	b, _ := g.CreateNode("Function", nil)

	path, err := g.ShortestPath(a, b, 0)
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestTemporalInsertAndRange(t *testing.T) {
	g := New(0)
	base := time.Unix(1700000000, 0)

	id1, err := g.TemporalInsert("Event", map[string]any{"name": "first"}, base)
	require.NoError(t, err)
	id2, err := g.TemporalInsert("Event", map[string]any{"name": "second"}, base.Add(time.Hour))
	require.NoError(t, err)

	related, err := g.FindRelated(id1, 1)
	require.NoError(t, err)
	assert.Contains(t, related, id2)

	window := g.TemporalRange("Event", base.Add(-time.Minute), base.Add(2*time.Hour))
	require.Len(t, window, 2)
	assert.Equal(t, id1, window[0].ID)
	assert.Equal(t, id2, window[1].ID)
}

func TestDecaySweep_ClampsAndDecaysOldNodes(t *testing.T) {
	g := New(0)
	old, err := g.TemporalInsert("Event", nil, time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	recent, err := g.TemporalInsert("Event", nil, time.Now())
	require.NoError(t, err)

	decayed := g.DecaySweep(24*time.Hour, 0.5)
	assert.Equal(t, 1, decayed)

	oldNode, _ := g.GetNode(old)
	recentNode, _ := g.GetNode(recent)
	assert.InDelta(t, 0.5, oldNode.Importance, 0.001)
	assert.Equal(t, 1.0, recentNode.Importance)
}

func TestCommit_RollsBackOnPartialFailure(t *testing.T) {
	g := New(0)
	a, _ := g.CreateNode("Function", nil)

	_, err := g.Commit([]Mutation{
		{CreateNode: &struct {
			Kind  string
			Props map[string]any
		}{Kind: "Function", Props: nil}},
		{CreateEdge: &struct {
			Source, Target, Kind string
			Props                map[string]any
		}{Source: a, Target: "does-not-exist", Kind: "Calls"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, g.NodeCount(), "the node created in the failed batch must be rolled back")
}

func TestCommit_AppliesAllMutationsAtomically(t *testing.T) {
	g := New(0)

	result, err := g.Commit([]Mutation{
		{CreateNode: &struct {
			Kind  string
			Props map[string]any
		}{Kind: "Function", Props: map[string]any{"name": "a"}}},
		{CreateNode: &struct {
			Kind  string
			Props map[string]any
		}{Kind: "Function", Props: map[string]any{"name": "b"}}},
	})
	require.NoError(t, err)
	require.Len(t, result.NodeIDs, 2)

	_, err = g.Commit([]Mutation{
		{CreateEdge: &struct {
			Source, Target, Kind string
			Props                map[string]any
		}{Source: result.NodeIDs[0], Target: result.NodeIDs[1], Kind: "Calls"}},
	})
	require.NoError(t, err)
}

func TestDeleteNode_RemovesIncidentEdges(t *testing.T) {
	g := New(0)
	a, _ := g.CreateNode("Function", nil)
	b, _ := g.CreateNode("Function", nil)
	edgeID, err := g.CreateEdge(a, b, "Calls", nil)
	require.NoError(t, err)

	require.NoError(t, g.DeleteNode(a))

	_, ok := g.GetNode(a)
	assert.False(t, ok)

	related, err := g.FindRelated(b, 1)
	require.NoError(t, err)
	assert.NotContains(t, related, a)
	_ = edgeID
}

func TestEviction_DropsLeastRecentlyUsedNode(t *testing.T) {
	g := New(2)
	a, err := g.CreateNode("Function", map[string]any{"name": "a"})
	require.NoError(t, err)
	_, err = g.CreateNode("Function", map[string]any{"name": "b"})
	require.NoError(t, err)

	_, _ = g.GetNode(a) // touch a so b becomes least-recently-used

	_, err = g.CreateNode("Function", map[string]any{"name": "c"})
	require.NoError(t, err)

	assert.Equal(t, 2, g.NodeCount())
	_, ok := g.GetNode(a)
	assert.True(t, ok, "recently-touched node a must survive eviction")
}
