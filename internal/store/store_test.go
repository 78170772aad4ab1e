package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeday/calendar-gql/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sub(dest string, kind model.DestinationKind) model.Subscription {
	return model.Subscription{SourceID: "main", OccurrenceID: "evt.1700000000", Destination: dest, Kind: kind}
}

func TestCreateIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, sub("a@example.com", model.KindEmail))
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.MarkNotified(ctx, sub("a@example.com", model.KindEmail).Key(), model.StageUpcoming))

	created, err = s.Create(ctx, sub("a@example.com", model.KindEmail))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.Get(ctx, sub("a@example.com", model.KindEmail).Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.NotifiedUpcoming, "re-subscribing must keep existing flags")
	assert.False(t, got.NotifiedImminent)

	// Same destination, different kind is a different key.
	created, err = s.Create(ctx, sub("a@example.com", model.KindPhone))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestListPendingAndMarkNotified(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, d := range []string{"a@example.com", "b@example.com"} {
		_, err := s.Create(ctx, sub(d, model.KindEmail))
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, model.Subscription{SourceID: "main", OccurrenceID: "other", Destination: "+15551234567", Kind: model.KindPhone})
	require.NoError(t, err)

	pending, err := s.ListPending(ctx, "main", "evt.1700000000", model.StageUpcoming)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a@example.com", pending[0].Destination)
	assert.Equal(t, model.KindEmail, pending[0].Kind)

	require.NoError(t, s.MarkNotified(ctx, pending[0].Key(), model.StageUpcoming))

	pending, err = s.ListPending(ctx, "main", "evt.1700000000", model.StageUpcoming)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b@example.com", pending[0].Destination)

	imminent, err := s.ListPending(ctx, "main", "evt.1700000000", model.StageImminent)
	require.NoError(t, err)
	assert.Len(t, imminent, 2, "stages are independent")
}

func TestCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	n, err := s.Count(ctx, "main", "evt.1700000000")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Create(ctx, sub("a@example.com", model.KindEmail))
	require.NoError(t, err)
	_, err = s.Create(ctx, sub("+15551234567", model.KindPhone))
	require.NoError(t, err)

	n, err = s.Count(ctx, "main", "evt.1700000000")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUnknownStage(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.ListPending(context.Background(), "main", "x", model.Stage("later"))
	assert.ErrorIs(t, err, ErrUnknownStage)
	assert.ErrorIs(t, s.MarkNotified(context.Background(), model.SubscriptionKey{}, "later"), ErrUnknownStage)
}

func TestCreatedAtPersisted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	in := sub("a@example.com", model.KindEmail)
	in.CreatedAt = at
	_, err := s.Create(ctx, in)
	require.NoError(t, err)

	got, err := s.Get(ctx, in.Key())
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(at))

	missing, err := s.Get(ctx, sub("nobody@example.com", model.KindEmail).Key())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOpenFileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "subs.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Create(ctx, sub("a@example.com", model.KindEmail))
	require.NoError(t, err)
	require.NoError(t, s.MarkNotified(ctx, sub("a@example.com", model.KindEmail).Key(), model.StageImminent))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, sub("a@example.com", model.KindEmail).Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.NotifiedImminent)
}
