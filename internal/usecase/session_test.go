package usecase

import (
	"context"
	"testing"
	"time"

	"groupsync/docstore"
	"groupsync/docstore/memstore"
	"groupsync/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func joinClients(t *testing.T, s docstore.Store, session string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := s.Save(context.Background(), docstore.Document{
			"_id": id, "type": docstore.TypeClient, "session": session,
		})
		require.NoError(t, err)
	}
}

func TestCreateAndList(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	uc := NewSessionUseCase(s, zap.NewNop())

	clock := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	uc.now = func() time.Time { return clock }
	first, err := uc.Create(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, model.StatusOpen, first.Status)

	clock = clock.Add(500 * time.Millisecond)
	second, err := uc.Create(ctx, "lab-2")
	require.NoError(t, err)

	sessions, err := uc.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)

	require.NoError(t, uc.Close(ctx, first.ID))
	sessions, err = uc.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "lab-2", sessions[0].ID)
}

func TestStartAssignsGroupingsAndRoles(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	uc := NewSessionUseCase(s, zap.NewNop())

	_, err := uc.Create(ctx, "s1")
	require.NoError(t, err)

	_, err = uc.Start(ctx, "s1", 2, 1, nil)
	assert.ErrorIs(t, err, ErrNoClients)

	joinClients(t, s, "s1", "a", "b", "c", "d")
	session, err := uc.Start(ctx, "s1", 2, 2, []string{"proposer", "responder"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, session.Status)
	require.Len(t, session.Groupings, 2)

	assert.Equal(t, map[string][]string{
		"a": {"b"}, "b": {"a"}, "c": {"d"}, "d": {"c"},
	}, session.Groupings[0])
	assert.Equal(t, map[string][]string{
		"b": {"c"}, "c": {"b"}, "d": {"a"}, "a": {"d"},
	}, session.Groupings[1])
	assert.Equal(t, map[string]string{
		"a": "proposer", "b": "responder", "c": "proposer", "d": "responder",
	}, session.Roles[0])
	assert.Equal(t, "proposer", session.Roles[1]["b"])

	stored, err := uc.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.Groupings, stored.Groupings)
	assert.Equal(t, session.Rev, stored.Rev)
}

func TestStartShortLastGroup(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	uc := NewSessionUseCase(s, nil)

	_, err := uc.Create(ctx, "s1")
	require.NoError(t, err)
	joinClients(t, s, "s1", "a", "b", "c")

	session, err := uc.Start(ctx, "s1", 2, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{}, session.Groupings[0]["c"])
	assert.Nil(t, session.Roles[0])

	_, err = uc.Start(ctx, "s1", 0, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidDesign)
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	uc := NewSessionUseCase(s, zap.NewNop())

	_, err := uc.Create(ctx, "s1")
	require.NoError(t, err)
	_, err = uc.Replace(ctx, "s1", "a", "b")
	require.NoError(t, err)
	session, err := uc.Replace(ctx, "s1", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "b", "b": "c"}, session.Replace)

	_, err = uc.Replace(ctx, "missing", "a", "b")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
