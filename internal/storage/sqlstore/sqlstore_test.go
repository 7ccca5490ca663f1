package sqlstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/storage"
	"github.com/cuongbtq/jobplatform/internal/storage/storagetest"
	"github.com/cuongbtq/jobplatform/shared/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   ":memory:",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Migrate(context.Background(), Migrations()))

	return New(client.GetDB(), logger)
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	err := database.Migrate(context.Background(), store.db.DB, "sqlite3", Migrations(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	var count int
	require.NoError(t, store.db.Get(&count, `SELECT COUNT(*) FROM jobs`))
	assert.Equal(t, 0, count)
}

func TestStore_NullColumns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	job, err := store.Create(ctx, domain.JobTypeImage, json.RawMessage(`{"image_url":"https://example.com/a.png"}`))
	require.NoError(t, err)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.HeartbeatAt)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
}

func TestStore_FailedKeepsErrorOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	job, err := store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
	require.NoError(t, err)
	_, err = store.Transition(ctx, job.ID, domain.StatePending, domain.StateRunning, domain.Change{IncrementAttempt: true})
	require.NoError(t, err)

	failed, err := store.Transition(ctx, job.ID, domain.StateRunning, domain.StateFailed, domain.Change{
		Result: json.RawMessage(`"partial"`),
		Error:  "unknown job type: x",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, failed.State)
	assert.Nil(t, failed.Result)
	assert.Equal(t, "unknown job type: x", failed.Error)
}
