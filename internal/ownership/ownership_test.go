package ownership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTable_StartsFree(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	s, ok := tbl.Get("board-1")
	require.True(t, ok)
	assert.Equal(t, Free, s.Status)
}

func TestGet_UnknownResource(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	_, ok := tbl.Get("board-99")
	assert.False(t, ok)
}

func TestHold_OnlyFromFree(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	assert.True(t, tbl.Hold("board-1", "lava"))
	s, _ := tbl.Get("board-1")
	assert.Equal(t, Held, s.Status)
	assert.Equal(t, "lava", s.Holder)

	assert.False(t, tbl.Hold("board-1", "labgrid"))
}

func TestIsAvailable(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	assert.True(t, tbl.IsAvailable("board-1", "lava"))

	tbl.Hold("board-1", "lava")
	assert.False(t, tbl.IsAvailable("board-1", "lava"), "a framework that already holds a resource has no reason to ask for it again")
	assert.False(t, tbl.IsAvailable("board-1", "labgrid"))
	assert.True(t, tbl.IsNonAvailable("board-1", "labgrid"))
}

func TestIsAvailable_SeizedOntoSelf(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	tbl.Hold("board-1", "lava")
	tbl.BeginSeize("board-1", SeizeRecord{JobID: "job-1", Framework: "labgrid", RequestedAt: time.Now()})
	tbl.CompleteSeize("board-1")

	assert.True(t, tbl.IsAvailable("board-1", "labgrid"), "the new holder can observe its own grant before accepting it")
	assert.False(t, tbl.IsAvailable("board-1", "lava"))
}

func TestSeizeLifecycle(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	require.True(t, tbl.Hold("board-1", "lava"))

	rec := SeizeRecord{JobID: "job-1", Framework: "labgrid", Priority: 100, RequestedAt: time.Now()}
	require.True(t, tbl.BeginSeize("board-1", rec))

	s, _ := tbl.Get("board-1")
	assert.Equal(t, Seizing, s.Status)
	assert.Equal(t, "lava", s.SeizeFrom)
	require.NotNil(t, s.Seize)
	assert.Equal(t, "job-1", s.Seize.JobID)

	require.True(t, tbl.CompleteSeize("board-1"))
	s, _ = tbl.Get("board-1")
	assert.Equal(t, Seized, s.Status)
	assert.Equal(t, "labgrid", s.Holder)
	assert.True(t, tbl.IsSeized("board-1", "labgrid"))

	require.True(t, tbl.Accept("board-1", "labgrid"))
	s, _ = tbl.Get("board-1")
	assert.Equal(t, Held, s.Status)
	assert.Equal(t, "labgrid", s.Holder)
	assert.Nil(t, s.Seize)
}

func TestAccept_DirectlyGrantsFreeResource(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	assert.True(t, tbl.Accept("board-1", "lava"))
	s, _ := tbl.Get("board-1")
	assert.Equal(t, Held, s.Status)
	assert.Equal(t, "lava", s.Holder)
}

func TestAccept_RejectsResourceHeldByAnotherFramework(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	tbl.Hold("board-1", "lava")
	assert.False(t, tbl.Accept("board-1", "labgrid"), "a framework cannot accept a resource already held by someone else")
}

func TestReturn_DeclinedSeizeFallsBackToPriorHolder(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	tbl.Hold("board-1", "lava")
	tbl.BeginSeize("board-1", SeizeRecord{JobID: "job-1", Framework: "labgrid", RequestedAt: time.Now()})
	tbl.CompleteSeize("board-1")

	require.True(t, tbl.Return("board-1", "labgrid"))
	s, _ := tbl.Get("board-1")
	assert.Equal(t, Held, s.Status)
	assert.Equal(t, "lava", s.Holder)
}

func TestReturn_FromHeldGoesFree(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	tbl.Hold("board-1", "lava")
	require.True(t, tbl.Return("board-1", "lava"))
	s, _ := tbl.Get("board-1")
	assert.Equal(t, Free, s.Status)
}

func TestRetireAndReset(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	tbl.Hold("board-1", "lava")

	require.True(t, tbl.Retire("board-1"))
	s, _ := tbl.Get("board-1")
	assert.Equal(t, Retired, s.Status)
	assert.True(t, tbl.IsRetired("board-1"))

	require.True(t, tbl.Reset("board-1"))
	s, _ = tbl.Get("board-1")
	assert.Equal(t, Free, s.Status)
	assert.False(t, tbl.IsRetired("board-1"))
}

func TestClearExpiredSeizes(t *testing.T) {
	tbl := NewTable([]string{"board-1", "board-2"})
	tbl.Hold("board-1", "lava")
	tbl.Hold("board-2", "lava")

	old := time.Now().Add(-2 * time.Hour)
	tbl.BeginSeize("board-1", SeizeRecord{JobID: "job-1", Framework: "labgrid", RequestedAt: old})
	tbl.BeginSeize("board-2", SeizeRecord{JobID: "job-2", Framework: "labgrid", RequestedAt: time.Now()})

	expired := tbl.ClearExpiredSeizes(time.Now(), 90*time.Second)
	assert.ElementsMatch(t, []string{"board-1"}, expired)

	s1, _ := tbl.Get("board-1")
	assert.Equal(t, Free, s1.Status, "an expired seize reverts to Free, not back to the prior holder")
	assert.Empty(t, s1.Holder)
	assert.Nil(t, s1.Seize)

	s2, _ := tbl.Get("board-2")
	assert.Equal(t, Seizing, s2.Status)
}

func TestClearExpiredSeizes_AlsoRevertsSeized(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	tbl.Hold("board-1", "lava")
	tbl.BeginSeize("board-1", SeizeRecord{JobID: "job-1", Framework: "labgrid", RequestedAt: time.Now().Add(-2 * time.Hour)})
	require.True(t, tbl.CompleteSeize("board-1"))

	expired := tbl.ClearExpiredSeizes(time.Now(), 90*time.Second)
	assert.ElementsMatch(t, []string{"board-1"}, expired)

	s, _ := tbl.Get("board-1")
	assert.Equal(t, Free, s.Status)
	assert.Empty(t, s.Holder)
}

func TestAll_ReturnsIndependentSnapshots(t *testing.T) {
	tbl := NewTable([]string{"board-1"})
	tbl.Hold("board-1", "lava")

	snap := tbl.All()
	snap["board-1"] = State{Status: Retired}

	s, _ := tbl.Get("board-1")
	assert.Equal(t, Held, s.Status, "mutating a snapshot must not affect the table")
}
