package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"groupsync/docstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// setupTestStore connects to the replica set named by GROUPSYNC_MONGO_URI and
// returns a store on a fresh collection.
func setupTestStore(t *testing.T) (*Store, func()) {
	uri := os.Getenv("GROUPSYNC_MONGO_URI")
	if uri == "" {
		t.Skip("Skipping MongoDB test: GROUPSYNC_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("Skipping MongoDB test: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("Skipping MongoDB test: %v", err)
	}

	collection := "test_" + uuid.NewString()
	store := New(client, "groupsync_test", WithCollection(collection))

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Collection().Drop(ctx); err != nil {
			t.Logf("Failed to drop collection: %v", err)
		}
		_ = store.Close()
		if err := client.Disconnect(ctx); err != nil {
			t.Logf("Failed to disconnect from MongoDB: %v", err)
		}
	}
	return store, cleanup
}

func TestSaveFetchConflict(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	saved, err := store.Save(ctx, docstore.Document{
		"type": "client", "session": "s1", "data": map[string]any{"round": 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID())
	assert.Equal(t, 1, docstore.Generation(saved.Rev()))

	fetched, err := store.Fetch(ctx, saved.ID())
	require.NoError(t, err)
	assert.Equal(t, saved.Rev(), fetched.Rev())
	round, ok := fetched.Float("data", "round")
	require.True(t, ok)
	assert.Equal(t, 1.0, round)

	fetched["data"] = map[string]any{"round": 2}
	updated, err := store.Save(ctx, fetched)
	require.NoError(t, err)
	assert.Equal(t, 2, docstore.Generation(updated.Rev()))

	_, err = store.Save(ctx, fetched)
	assert.ErrorIs(t, err, docstore.ErrConflict)

	dup := docstore.Document{"_id": saved.ID(), "type": "client"}
	_, err = store.Save(ctx, dup)
	assert.ErrorIs(t, err, docstore.ErrConflict)

	_, err = store.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestQueryViews(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for _, doc := range []docstore.Document{
		{"_id": "old", "type": "session", "status": "open", "created": "2026-10-18T08:00:00Z"},
		{"_id": "new", "type": "session", "status": "running", "created": "2026-10-19T08:00:00Z"},
		{"_id": "done", "type": "session", "status": "closed", "created": "2026-10-20T08:00:00Z"},
		{"_id": "c2", "type": "client", "session": "new"},
		{"_id": "c1", "type": "client", "session": "new"},
		{"_id": "c3", "type": "client", "session": "old"},
	} {
		_, err := store.Save(ctx, doc)
		require.NoError(t, err)
	}

	rows, err := store.Query(ctx, docstore.ViewOpenSessions, docstore.QueryParams{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].ID)

	rows, err = store.Query(ctx, docstore.ViewSessionClients, docstore.QueryParams{Key: "new"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c1", rows[0].ID)
	assert.Equal(t, "c2", rows[1].ID)

	_, err = store.Query(ctx, "nope", docstore.QueryParams{})
	assert.ErrorIs(t, err, docstore.ErrUnknownView)
}

func TestChangeStreamFeed(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	since, err := store.UpdateSeq(ctx)
	require.NoError(t, err)

	_, err = store.Save(ctx, docstore.Document{"_id": "other", "type": "client", "session": "s2"})
	require.NoError(t, err)
	_, err = store.Save(ctx, docstore.Document{"_id": "mine", "type": "client", "session": "s1"})
	require.NoError(t, err)

	feed, err := store.Subscribe(ctx, docstore.FeedRequest{
		Session:   "s1",
		Type:      docstore.TypeClient,
		Since:     since,
		Heartbeat: 100 * time.Millisecond,
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	defer feed.Close()

	nextCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		ev, err := feed.Next(nextCtx)
		require.NoError(t, err)
		if ev.IsMarker() {
			assert.NotEmpty(t, ev.Seq)
			continue
		}
		assert.Equal(t, "mine", ev.ID)
		assert.Equal(t, "s1", ev.Doc.Session())
		break
	}
}

func TestFeedPipeline(t *testing.T) {
	clients := feedPipeline(docstore.FeedRequest{Session: "s1", Type: docstore.TypeClient})
	require.Len(t, clients, 1)
	match, ok := clients[0][0].Value.(bson.D)
	require.True(t, ok)
	assert.Contains(t, match, bson.E{Key: "fullDocument.session", Value: "s1"})
	assert.Contains(t, match, bson.E{Key: "fullDocument.type", Value: "client"})

	session := feedPipeline(docstore.FeedRequest{Session: "s1", Type: docstore.TypeSession})
	match, ok = session[0][0].Value.(bson.D)
	require.True(t, ok)
	assert.Contains(t, match, bson.E{Key: "documentKey._id", Value: "s1"})
	assert.NotContains(t, match, bson.E{Key: "fullDocument.type", Value: "session"})
}

func TestResumeTokenEncoding(t *testing.T) {
	assert.Empty(t, encodeToken(nil))

	_, err := decodeToken("not base64!")
	assert.Error(t, err)
}
