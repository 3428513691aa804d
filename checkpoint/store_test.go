package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloom/loom/config"
	"github.com/taskloom/loom/execution"
	"github.com/taskloom/loom/llm"
	"github.com/taskloom/loom/workflow"
)

func sampleSnapshot(taskID string) *execution.Snapshot {
	return &execution.Snapshot{
		TaskID:       taskID,
		Variables:    map[string]any{"page": "loaded"},
		Conversation: []llm.Message{{Role: llm.RoleUser, Content: "go"}},
		AgentStatus:  map[string]workflow.AgentStatus{"agent_0": workflow.AgentStatusDone},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

// exerciseStore runs the shared contract against any backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.LoadLatest(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, sampleSnapshot("task-1")))

	snap, err := store.LoadLatest(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", snap.TaskID)
	assert.Equal(t, "loaded", snap.Variables["page"])
	require.Len(t, snap.Conversation, 1)
	assert.Equal(t, workflow.AgentStatusDone, snap.AgentStatus["agent_0"])

	// Saving again replaces the stored snapshot.
	updated := sampleSnapshot("task-1")
	updated.Variables["page"] = "extracted"
	require.NoError(t, store.Save(ctx, updated))
	snap, err = store.LoadLatest(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "extracted", snap.Variables["page"])

	require.NoError(t, store.Delete(ctx, "task-1"))
	_, err = store.LoadLatest(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing task is not an error.
	require.NoError(t, store.Delete(ctx, "task-missing"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(config.RedisConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "loom-test:",
		TTL:       time.Hour,
	})
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestRedisStore_TTLApplied(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(config.RedisConfig{Addr: mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(context.Background(), sampleSnapshot("task-1")))

	mr.FastForward(2 * time.Minute)
	_, err = store.LoadLatest(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	_, err := NewRedisStore(config.RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)

	exerciseStore(t, store)
}

func TestStoreHook_SavesSnapshot(t *testing.T) {
	store := NewMemoryStore()
	hook := StoreHook(store)

	require.NoError(t, hook(context.Background(), sampleSnapshot("task-1")))

	snap, err := store.LoadLatest(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", snap.TaskID)
}
