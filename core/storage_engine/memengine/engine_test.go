package memengine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/memory"
	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/txstate"
)

func newState(t *testing.T, tracker memory.Tracker) *txstate.TxState {
	t.Helper()
	return txstate.New(tracker, txstate.EnrichmentOff)
}

func commit(t *testing.T, e *Engine, txID uint64, state *txstate.TxState) []storageengine.Command {
	t.Helper()
	ctx := e.NewCommandCreationContext()
	cmds, err := e.CreateCommands(state, e.NewReader(), ctx, nil, storageengine.NewCursorContext("test"), nil)
	require.NoError(t, err)
	require.NoError(t, e.Apply(txID, cmds))
	return cmds
}

func TestRegisteredInFactoryRegistry(t *testing.T) {
	f, err := storageengine.Lookup(Name)
	require.NoError(t, err)
	inst, err := f.Create(zap.NewNop())
	require.NoError(t, err)
	require.NotEqual(t, inst.DatabaseID().String(), New(nil).DatabaseID().String())
	require.NoError(t, inst.Close())
}

func TestCreateAndApplyGraph(t *testing.T) {
	e := New(nil)
	cc := e.NewCommandCreationContext()
	a, b := cc.ReserveNode(), cc.ReserveNode()
	rel := cc.ReserveRelationship()

	s := newState(t, nil)
	require.NoError(t, s.NodeDoCreate(a))
	require.NoError(t, s.NodeDoCreate(b))
	require.NoError(t, s.NodeDoAddLabel(a, "Person"))
	require.NoError(t, s.NodeDoSetProperty(a, "name", "ada"))
	require.NoError(t, s.NodeDoSetProperty(a, "age", 36))
	require.NoError(t, s.RelationshipDoCreate(rel, "KNOWS", a, b))
	require.NoError(t, s.RelationshipDoSetProperty(rel, "since", 1843.5))
	cmds := commit(t, e, 1, s)
	require.Equal(t, storageengine.CmdNodeCreate, cmds[0].Type)

	r := e.NewReader()
	cur := storageengine.NewCursorContext("read")
	require.True(t, r.NodeExists(cur, a))
	require.Equal(t, []string{"Person"}, r.NodeLabels(cur, a))
	v, ok := r.NodeProperty(cur, a, "age")
	require.True(t, ok)
	require.Equal(t, int64(36), v)
	require.Equal(t, []uint64{rel}, r.NodeRelationships(cur, b))
	require.True(t, r.RelationshipExists(cur, rel))
	require.Equal(t, []uint64{a}, r.FindNodes(cur, "Person", "name", "ada"))
	require.Equal(t, uint64(1), e.LastCommittedTransactionID())

	require.False(t, r.NodeExists(cur, 999))
	require.Positive(t, cur.Tracer().Hits())
	require.Equal(t, int64(1), cur.Tracer().Faults())
}

func TestDeleteAndRemove(t *testing.T) {
	e := New(nil)
	cc := e.NewCommandCreationContext()
	a, b := cc.ReserveNode(), cc.ReserveNode()
	rel := cc.ReserveRelationship()
	s := newState(t, nil)
	require.NoError(t, s.NodeDoCreate(a))
	require.NoError(t, s.NodeDoCreate(b))
	require.NoError(t, s.NodeDoSetProperty(a, "k", "v"))
	require.NoError(t, s.RelationshipDoCreate(rel, "R", a, b))
	commit(t, e, 1, s)

	s2 := newState(t, nil)
	require.NoError(t, s2.NodeDoRemoveProperty(a, "k"))
	require.NoError(t, s2.RelationshipDoDelete(rel))
	require.NoError(t, s2.NodeDoDelete(b))
	commit(t, e, 2, s2)

	r := e.NewReader()
	_, ok := r.NodeProperty(nil, a, "k")
	require.False(t, ok)
	require.Empty(t, r.NodeRelationships(nil, a))
	require.False(t, r.NodeExists(nil, b))
	nodes, rels := e.Counts()
	require.Equal(t, 1, nodes)
	require.Zero(t, rels)
}

func TestIndexes(t *testing.T) {
	e := New(nil)
	s := newState(t, nil)
	idx := txstate.IndexDescriptor{Name: "person_email", Label: "Person", PropertyKey: "email"}
	require.NoError(t, s.ConstraintIndexDoAdd(idx))
	commit(t, e, 1, s)

	r := e.NewReader()
	got, ok := r.IndexByName("person_email")
	require.True(t, ok)
	require.True(t, got.Unique)
	require.Len(t, r.IndexesForLabel("Person"), 1)

	s2 := newState(t, nil)
	require.NoError(t, s2.IndexDoDrop(got))
	commit(t, e, 2, s2)
	_, ok = r.IndexByName("person_email")
	require.False(t, ok)
}

func TestCommandsChargeTracker(t *testing.T) {
	e := New(nil)
	pool := memory.NewTransactionPool(nil)
	pool.SetLimit(200)
	s := newState(t, nil)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, s.NodeDoCreate(i))
	}
	_, err := e.CreateCommands(s, e.NewReader(), e.NewCommandCreationContext(), nil, nil, pool)
	require.ErrorIs(t, err, memory.ErrLimitExceeded)
	require.Zero(t, pool.UsedHeap(), "abandoned commands must return their memory")
}

func TestReplayKeepsReservedIDsAhead(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.Apply(5, []storageengine.Command{{Type: storageengine.CmdNodeCreate, EntityID: 41}}))
	require.Equal(t, uint64(42), e.NewCommandCreationContext().ReserveNode())
	require.Equal(t, uint64(5), e.LastCommittedTransactionID())

	require.NoError(t, e.Apply(3, nil))
	require.Equal(t, uint64(5), e.LastCommittedTransactionID())
}

func TestApplyUnknownCommandAndClosed(t *testing.T) {
	e := New(nil)
	require.ErrorIs(t, e.Apply(1, []storageengine.Command{{Type: 200}}), storageengine.ErrUnknownCommand)
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Apply(2, nil), storageengine.ErrEngineClosed)
}

func TestApplyIsAllOrNothing(t *testing.T) {
	e := New(nil)
	err := e.Apply(1, []storageengine.Command{
		{Type: storageengine.CmdNodeCreate, EntityID: 1},
		{Type: storageengine.CmdNodeAddLabel, EntityID: 1, Key: "Person"},
		{Type: storageengine.CmdNodeSetProperty, EntityID: 1, Key: "age", Value: json.RawMessage(`{"t":"int","v":"ten"}`)},
	})
	require.Error(t, err)

	nodes, _ := e.Counts()
	require.Zero(t, nodes)
	require.Zero(t, e.LastCommittedTransactionID())

	require.Error(t, e.Apply(2, []storageengine.Command{
		{Type: storageengine.CmdNodeCreate, EntityID: 2},
		{Type: storageengine.CmdIndexCreate},
	}))
	nodes, _ = e.Counts()
	require.Zero(t, nodes)
}
