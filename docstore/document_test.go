package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentLookup(t *testing.T) {
	doc, err := Normalize(map[string]any{
		"_id":  "c1",
		"type": "client",
		"data": map[string]any{"round": 3, "choices": []string{"r", "p"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "c1", doc.ID())
	assert.Equal(t, "client", doc.Type())

	round, ok := doc.Float("data", "round")
	assert.True(t, ok)
	assert.Equal(t, 3.0, round)

	assert.Len(t, doc.Slice("data", "choices"), 2)

	_, ok = doc.Lookup("data", "missing")
	assert.False(t, ok)
	_, ok = doc.Lookup("type", "nested")
	assert.False(t, ok)
}

func TestDocumentClone(t *testing.T) {
	doc := Document{"data": map[string]any{"n": 1}}
	cp := doc.Clone()
	cp["data"].(map[string]any)["n"] = 2.0

	n, _ := doc.Float("data", "n")
	assert.Equal(t, 1.0, n)
}

func TestDocumentCloneUnencodable(t *testing.T) {
	notify := make(chan struct{})
	doc := Document{"_id": "a", "notify": notify}

	cp := doc.Clone()
	require.Len(t, cp, 2)
	assert.Equal(t, "a", cp.ID())
	assert.Equal(t, notify, cp["notify"])

	cp["_id"] = "b"
	assert.Equal(t, "a", doc.ID())
}

func TestFeedRequestMatches(t *testing.T) {
	client := Document{"type": TypeClient, "session": "s1"}

	tests := []struct {
		name string
		req  FeedRequest
		id   string
		doc  Document
		want bool
	}{
		{"client in session", FeedRequest{Session: "s1", Type: TypeClient}, "c1", client, true},
		{"client other session", FeedRequest{Session: "s2", Type: TypeClient}, "c1", client, false},
		{"wrong type", FeedRequest{Session: "s1", Type: "other"}, "c1", client, false},
		{"session by id", FeedRequest{Session: "s1", Type: TypeSession}, "s1", Document{"type": TypeSession}, true},
		{"session other id", FeedRequest{Session: "s1", Type: TypeSession}, "c1", client, false},
		{"deleted document", FeedRequest{Session: "s1", Type: TypeClient}, "c1", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Matches(tt.id, tt.doc))
		})
	}
}

func TestRevisions(t *testing.T) {
	r1 := NextRevision("")
	assert.Equal(t, 1, Generation(r1))
	r2 := NextRevision(r1)
	assert.Equal(t, 2, Generation(r2))
	assert.NotEqual(t, r1, r2)
	assert.Equal(t, 0, Generation("garbage"))
}

func TestRevisionError(t *testing.T) {
	err := NewRevisionError("c1", "1-a", "2-b")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "c1")
}

func TestSortRows(t *testing.T) {
	rows := []Row{
		{ID: "a", Doc: Document{"created": "2024-01-01"}},
		{ID: "b", Doc: Document{"created": "2024-03-01"}},
		{ID: "c", Doc: Document{"created": "2024-02-01"}},
	}
	SortRows(rows, "created", true)
	assert.Equal(t, []string{"b", "c", "a"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})
	assert.Len(t, LimitRows(rows, 1), 1)
	assert.Len(t, LimitRows(rows, 0), 3)
}

func TestIsOpenSession(t *testing.T) {
	assert.True(t, IsOpenSession(Document{"type": TypeSession, "status": "running"}))
	assert.False(t, IsOpenSession(Document{"type": TypeSession, "status": "closed"}))
	assert.False(t, IsOpenSession(Document{"type": TypeClient, "status": "open"}))
}
