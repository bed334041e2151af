package episodic

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTaskAndAppendWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	taskID, err := store.NewTask("sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	require.NoError(t, store.Append(taskID, "tool_call", map[string]string{"name": "wait"}))
	require.NoError(t, store.Append(taskID, "tool_result", map[string]string{"content": "done"}))

	data, err := os.ReadFile(filepath.Join(dir, taskID+".ndjson"))
	require.NoError(t, err)
	require.Contains(t, string(data), "tool_call")
	require.Contains(t, string(data), "tool_result")
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	taskID, err := store.NewTask("sess-1")
	require.NoError(t, err)

	require.NoError(t, store.Append(taskID, "a", nil))
	require.NoError(t, store.Append(taskID, "b", nil))

	tf, err := store.taskFileFor(taskID)
	require.NoError(t, err)
	require.Equal(t, 2, tf.seq)
}

func TestAppendToUnknownTaskOpensLazily(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Append("never-created", "note", "hello"))

	data, err := os.ReadFile(filepath.Join(dir, "never-created.ndjson"))
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}
