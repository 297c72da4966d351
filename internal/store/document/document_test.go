package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/orchestration/faults"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")

	require.NoError(t, Write(path, payload{Name: "a", Count: 3}))

	var got payload
	require.NoError(t, Read(path, &got))
	assert.Equal(t, payload{Name: "a", Count: 3}, got)
}

func TestReadAbsent(t *testing.T) {
	var got payload
	err := Read(filepath.Join(t.TempDir(), "missing.json"), &got)
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestReadRepairsTruncatedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	// Simulates a crash mid-write: trailing brace lost.
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"a","count":3`), 0600))

	var got payload
	require.NoError(t, Read(path, &got))
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, 3, got.Count)
}

func TestReadCorruptBeyondRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0xff, 0x01}, 0600))

	var got payload
	err := Read(path, &got)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Corrupt))
}

func TestWriteLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, Write(path, payload{Name: "x"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestAppendLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.jsonl")
	require.NoError(t, AppendLine(path, payload{Name: "s1"}))
	require.NoError(t, AppendLine(path, payload{Name: "s2"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"name\":\"s1\",\"count\":0}\n{\"name\":\"s2\",\"count\":0}\n", string(data))
}

func TestWriteOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, Write(path, payload{Count: 1}))
	require.NoError(t, Write(path, payload{Count: 2}))

	var got payload
	require.NoError(t, Read(path, &got))
	assert.Equal(t, 2, got.Count)
}
