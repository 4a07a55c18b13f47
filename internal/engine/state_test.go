package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/synth/internal/domain"
)

func readyIDs(s *FlowState) []string {
	var ids []string
	for _, n := range s.ReadyNodes() {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestFlowState_InitialStatusesArePending(t *testing.T) {
	s, err := NewFlowState(testFlow(
		testNode("a"),
		testNode("b", domain.After{After: []string{"a"}}),
	))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, s.Status("a"))
	assert.Equal(t, domain.StatusPending, s.Status("b"))
}

func TestFlowState_ReadyNodesGateOnAncestors(t *testing.T) {
	s, err := NewFlowState(testFlow(
		testNode("a"),
		testNode("b", domain.After{After: []string{"a"}}),
		testNode("c", domain.After{After: []string{"b"}}),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, readyIDs(s))

	s.MarkSuccess(s.Flow().Nodes["a"])
	assert.Equal(t, []string{"b"}, readyIDs(s))

	// c requires both a and b: marking only b is not enough.
	s.MarkPending(s.Flow().Nodes["a"])
	s.MarkSuccess(s.Flow().Nodes["b"])
	assert.Equal(t, []string{"a"}, readyIDs(s))
}

func TestFlowState_WaitingAncestorIsGoodEnough(t *testing.T) {
	s, err := NewFlowState(testFlow(
		testNode("server", domain.Restart{Delay: time.Second}),
		testNode("smoke", domain.After{After: []string{"server"}}),
	))
	require.NoError(t, err)

	s.MarkWaiting(s.Flow().Nodes["server"])
	assert.Equal(t, []string{"smoke"}, readyIDs(s))
}

func TestFlowState_BulkMark(t *testing.T) {
	s, err := NewFlowState(testFlow(testNode("a"), testNode("b")))
	require.NoError(t, err)

	s.Mark(domain.StatusRunning, s.Flow().Nodes["a"], s.Flow().Nodes["b"])
	assert.Equal(t, domain.StatusRunning, s.Status("a"))
	assert.Equal(t, domain.StatusRunning, s.Status("b"))
}

func TestFlowState_ChildrenAndDescendants(t *testing.T) {
	s, err := NewFlowState(testFlow(
		testNode("a"),
		testNode("b", domain.After{After: []string{"a"}}),
		testNode("c", domain.After{After: []string{"b"}}),
	))
	require.NoError(t, err)

	children := s.Children(s.Flow().Nodes["a"])
	require.Len(t, children, 1)
	assert.Equal(t, "b", children[0].ID)

	descendants := s.Descendants(s.Flow().Nodes["a"])
	require.Len(t, descendants, 2)
}

func TestFlowState_AllSucceeded(t *testing.T) {
	s, err := NewFlowState(testFlow(testNode("a"), testNode("b")))
	require.NoError(t, err)

	assert.False(t, s.AllSucceeded())
	s.MarkSuccess(s.Flow().Nodes["a"], s.Flow().Nodes["b"])
	assert.True(t, s.AllSucceeded())
}

func TestFlowState_NoMoreWorkPossible(t *testing.T) {
	t.Run("repeating trigger keeps the flow alive", func(t *testing.T) {
		s, err := NewFlowState(testFlow(testNode("r", domain.Restart{Delay: time.Second})))
		require.NoError(t, err)

		s.MarkWaiting(s.Flow().Nodes["r"])
		assert.False(t, s.NoMoreWorkPossible())
	})

	t.Run("live node keeps the flow alive", func(t *testing.T) {
		s, err := NewFlowState(testFlow(testNode("a"), testNode("b")))
		require.NoError(t, err)

		s.MarkRunning(s.Flow().Nodes["a"])
		s.MarkSuccess(s.Flow().Nodes["b"])
		assert.False(t, s.NoMoreWorkPossible())
	})

	t.Run("failed root strands its descendants", func(t *testing.T) {
		s, err := NewFlowState(testFlow(
			testNode("a"),
			testNode("b", domain.After{After: []string{"a"}}),
		))
		require.NoError(t, err)

		s.MarkFailure(s.Flow().Nodes["a"])
		// b stays pending forever: not ready, nothing running.
		assert.True(t, s.NoMoreWorkPossible())
		assert.False(t, s.AllSucceeded())
	})

	t.Run("all succeeded terminates", func(t *testing.T) {
		s, err := NewFlowState(testFlow(testNode("a")))
		require.NoError(t, err)

		s.MarkSuccess(s.Flow().Nodes["a"])
		assert.True(t, s.NoMoreWorkPossible())
		assert.True(t, s.AllSucceeded())
	})
}

func TestFlowState_NodesByStatus(t *testing.T) {
	s, err := NewFlowState(testFlow(testNode("a"), testNode("b")))
	require.NoError(t, err)

	s.MarkSuccess(s.Flow().Nodes["a"])
	byStatus := s.NodesByStatus()
	require.Len(t, byStatus[domain.StatusSucceeded], 1)
	require.Len(t, byStatus[domain.StatusPending], 1)
	assert.Equal(t, "a", byStatus[domain.StatusSucceeded][0].ID)
}

func TestFlowState_CyclicFlowFailsConstruction(t *testing.T) {
	_, err := NewFlowState(testFlow(
		testNode("a", domain.After{After: []string{"b"}}),
		testNode("b", domain.After{After: []string{"a"}}),
	))
	var cyclic *CyclicFlowError
	require.ErrorAs(t, err, &cyclic)
}
