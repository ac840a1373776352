package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serverbox/serverbox"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "serverbox.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id string) serverbox.Record {
	now := time.Now().UTC().Truncate(time.Second)
	return serverbox.Record{
		ID:           id,
		SandboxID:    "sandbox-" + id,
		State:        serverbox.StateRunning,
		URL:          "https://example.preview/" + id,
		PreviewToken: "tok-" + id,
		Username:     "serverbox",
		Password:     "pw",
		Providers:    []string{"opencode", "anthropic"},
		Labels:       map[string]string{"env": "test"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("inst-1")

	require.NoError(t, s.Set(ctx, rec))

	got, ok, err := s.Get(ctx, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.SandboxID, got.SandboxID)
	require.Equal(t, rec.State, got.State)
	require.Equal(t, rec.URL, got.URL)
	require.Equal(t, rec.PreviewToken, got.PreviewToken)
	require.Equal(t, rec.Providers, got.Providers)
	require.Equal(t, rec.Labels, got.Labels)
	require.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestGetMissingReturnsNotFoundFalse(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetUpsertsOnConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("inst-2")
	require.NoError(t, s.Set(ctx, rec))

	rec.State = serverbox.StateStopped
	rec.URL = ""
	rec.PreviewToken = ""
	require.NoError(t, s.Set(ctx, rec))

	got, ok, err := s.Get(ctx, "inst-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, serverbox.StateStopped, got.State)
	require.Empty(t, got.URL)
}

func TestListOrdersByCreatedAtDescending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := sampleRecord("older")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	newer := sampleRecord("newer")
	newer.CreatedAt = time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.Set(ctx, older))
	require.NoError(t, s.Set(ctx, newer))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "newer", list[0].ID)
	require.Equal(t, "older", list[1].ID)
}

func TestDeleteUnknownIDIsNoop(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Delete(context.Background(), "ghost"))
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, sampleRecord("inst-3")))
	require.NoError(t, s.Delete(ctx, "inst-3"))

	_, ok, err := s.Get(ctx, "inst-3")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnknownPersistedStateDegradesToError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO instances (id, sandbox_id, state, username, password, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"weird", "sandbox-weird", "some_future_state", "u", "p",
		time.Now().UTC().Format(timeLayout), time.Now().UTC().Format(timeLayout))
	require.NoError(t, err)

	got, ok, err := s.Get(ctx, "weird")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, serverbox.StateError, got.State)
}
