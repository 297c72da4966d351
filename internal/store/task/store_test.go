package task

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/paths"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(paths.NewLayout(t.TempDir()))
}

func TestCreateGetDelete(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Create(&Task{ID: "t1", Title: "build the thing"}))

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "build the thing", got.Title)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, PriorityMedium, got.Priority)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, s.Delete("t1"))
	_, err = s.Get("t1")
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get("nope")
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestUpdateRecordsTimeline(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Create(&Task{ID: "t1", Title: "x"}))

	_, err := s.Update("t1", func(tk *Task) { tk.Status = StatusPlanning })
	require.NoError(t, err)

	timeline, err := s.Timeline("t1")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, StatusPending, timeline[0].From)
	assert.Equal(t, StatusPlanning, timeline[0].To)
}

func TestListByStatus(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Create(&Task{ID: "a", Status: StatusPending}))
	require.NoError(t, s.Create(&Task{ID: "b", Status: StatusDeveloping}))
	require.NoError(t, s.Create(&Task{ID: "c", Status: StatusDeveloping}))

	developing, err := s.ListByStatus(StatusDeveloping)
	require.NoError(t, err)
	assert.Len(t, developing, 2)

	all, err := s.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestIndexRebuiltAfterCorruption(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Create(&Task{ID: "t1", Title: "one"}))
	require.NoError(t, s.Create(&Task{ID: "t2", Title: "two"}))

	// Clobber the index with garbage that even a repair pass cannot save.
	require.NoError(t, os.WriteFile(s.layout.IndexFile(), []byte{0x00, 0x01}, 0600))

	idx, err := s.Index()
	require.NoError(t, err)
	assert.Len(t, idx, 2)
	assert.Equal(t, "one", idx["t1"].Title)
}

func TestProcessInfoRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Create(&Task{ID: "t1"}))

	require.NoError(t, s.WriteProcessInfo("t1", ProcessInfo{PID: 123, Status: ProcessRunning}))
	info, err := s.ProcessInfo("t1")
	require.NoError(t, err)
	assert.Equal(t, 123, info.PID)

	require.NoError(t, s.ClearProcessInfo("t1"))
	_, err = s.ProcessInfo("t1")
	assert.True(t, faults.Is(err, faults.NotFound))

	// Clearing twice is a no-op.
	require.NoError(t, s.ClearProcessInfo("t1"))
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-5))
	// A pid from far beyond the default pid_max range.
	assert.False(t, IsProcessRunning(1<<30))
}

func TestStatusMachine(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusPlanning))
	assert.True(t, StatusPlanning.CanTransitionTo(StatusDeveloping))
	assert.True(t, StatusDeveloping.CanTransitionTo(StatusPaused))
	assert.True(t, StatusPaused.CanTransitionTo(StatusDeveloping))
	assert.True(t, StatusDeveloping.CanTransitionTo(StatusReviewing))
	assert.True(t, StatusReviewing.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusReviewing.CanTransitionTo(StatusPending)) // reject
	assert.True(t, StatusDeveloping.CanTransitionTo(StatusCancelled))

	assert.False(t, StatusPending.CanTransitionTo(StatusDeveloping))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusPending))
	assert.False(t, StatusCancelled.CanTransitionTo(StatusDeveloping))
}

func TestPriorityWeight(t *testing.T) {
	assert.Greater(t, PriorityHigh.Weight(), PriorityMedium.Weight())
	assert.Greater(t, PriorityMedium.Weight(), PriorityLow.Weight())
}
