package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/paths"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureTaskDirs("t1"))
	return NewStore(layout)
}

func TestAppendAndPending(t *testing.T) {
	s := newStore(t)

	m1, err := s.Append("t1", "first")
	require.NoError(t, err)
	assert.NotEmpty(t, m1.ID)

	_, err = s.Append("t1", "second")
	require.NoError(t, err)

	pending, err := s.Pending("t1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Body)
	assert.Equal(t, "second", pending[1].Body)
}

func TestDrainMarksDelivered(t *testing.T) {
	s := newStore(t)

	_, err := s.Append("t1", "hello")
	require.NoError(t, err)

	drained, err := s.Drain("t1")
	require.NoError(t, err)
	require.Len(t, drained, 1)

	// Second drain has nothing to deliver.
	drained, err = s.Drain("t1")
	require.NoError(t, err)
	assert.Empty(t, drained)

	// Delivered messages remain as history.
	history, err := s.History("t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Delivered)
}

func TestEmptyStream(t *testing.T) {
	s := newStore(t)

	pending, err := s.Pending("t1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	drained, err := s.Drain("t1")
	require.NoError(t, err)
	assert.Empty(t, drained)
}
