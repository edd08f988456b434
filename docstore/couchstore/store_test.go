package couchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"groupsync/docstore"
	"groupsync/docstore/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// fakeCouch serves the subset of the CouchDB API the store uses, backed by a
// memstore.
type fakeCouch struct {
	db       *memstore.Store
	failures atomic.Int32
}

func newFakeCouch(t *testing.T) (*fakeCouch, *httptest.Server) {
	f := &fakeCouch{db: memstore.New()}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /db", f.info)
	mux.HandleFunc("GET /db/{id}", f.get)
	mux.HandleFunc("PUT /db/{id}", f.put)
	mux.HandleFunc("POST /db", f.put)
	mux.HandleFunc("PUT /db/_design/psynteract/_update/add_timestamp/{id}", f.update)
	mux.HandleFunc("POST /db/_design/psynteract/_update/add_timestamp", f.update)
	mux.HandleFunc("GET /db/_design/psynteract/_view/{view}", f.view)
	mux.HandleFunc("GET /db/_changes", f.changes)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = f.db.Close()
	})
	return f, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, docstore.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (f *fakeCouch) info(w http.ResponseWriter, r *http.Request) {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}
	seq, _ := f.db.UpdateSeq(r.Context())
	w.Header().Set("Content-Type", "application/json")
	// numeric like CouchDB 1.x
	fmt.Fprintf(w, `{"db_name":"db","update_seq":%s}`, seq)
}

func (f *fakeCouch) get(w http.ResponseWriter, r *http.Request) {
	doc, err := f.db.Fetch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (f *fakeCouch) decodeBody(r *http.Request) (docstore.Document, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	doc, err := docstore.Decode(data)
	if err != nil {
		return nil, err
	}
	if id := r.PathValue("id"); id != "" {
		doc[docstore.KeyID] = id
	}
	return doc, nil
}

func (f *fakeCouch) put(w http.ResponseWriter, r *http.Request) {
	doc, err := f.decodeBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	saved, err := f.db.Save(r.Context(), doc)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": saved.ID(), "rev": saved.Rev()})
}

func (f *fakeCouch) update(w http.ResponseWriter, r *http.Request) {
	doc, err := f.decodeBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	saved, err := f.db.Save(r.Context(), doc)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("X-Couch-Id", saved.ID())
	w.Header().Set("X-Couch-Update-NewRev", saved.Rev())
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, "Timestamp added")
}

func (f *fakeCouch) view(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := docstore.QueryParams{Descending: q.Get("descending") == "true"}
	if key := q.Get("key"); key != "" {
		if err := json.Unmarshal([]byte(key), &params.Key); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
			return
		}
	}
	if limit := q.Get("limit"); limit != "" {
		params.Limit, _ = strconv.Atoi(limit)
	}

	rows, err := f.db.Query(r.Context(), r.PathValue("view"), params)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"id": row.ID, "key": row.ID, "value": nil, "doc": row.Doc})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_rows": len(out), "offset": 0, "rows": out})
}

func (f *fakeCouch) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("feed") != "continuous" || q.Get("filter") != "psynteract/clients" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	req := docstore.FeedRequest{
		Filter:  docstore.FilterClients,
		Session: q.Get("session"),
		Type:    q.Get("type"),
	}
	if since := q.Get("since"); since != "now" {
		req.Since = since
	}
	if ms, err := strconv.Atoi(q.Get("heartbeat")); err == nil {
		req.Heartbeat = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.Atoi(q.Get("timeout")); err == nil {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}

	feed, err := f.db.Subscribe(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer feed.Close()

	flusher := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastSeq := "0"
	for {
		ev, err := feed.Next(r.Context())
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintf(w, "{\"last_seq\":%q,\"pending\":0}\n", lastSeq)
				flusher.Flush()
			}
			return
		}
		if ev.Seq != "" {
			lastSeq = ev.Seq
		}
		if ev.IsMarker() {
			_, _ = io.WriteString(w, "\n")
		} else {
			line := map[string]any{"seq": ev.Seq, "id": ev.ID, "changes": []map[string]string{{"rev": ev.Doc.Rev()}}}
			if ev.Deleted {
				line["deleted"] = true
			} else {
				line["doc"] = ev.Doc
			}
			data, _ := json.Marshal(line)
			_, _ = w.Write(append(data, '\n'))
		}
		flusher.Flush()
	}
}

func openTestStore(t *testing.T, srvURL string, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithRetries(2, time.Millisecond, 5*time.Millisecond)}, opts...)
	s, err := Open(context.Background(), srvURL, "db", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveFetchConflict(t *testing.T) {
	_, srv := newFakeCouch(t)
	s := openTestStore(t, srv.URL)
	ctx := context.Background()

	saved, err := s.Save(ctx, docstore.Document{
		"type": "client", "session": "s1", "data": map[string]any{"round": 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID())
	assert.Equal(t, 1, docstore.Generation(saved.Rev()))

	fetched, err := s.Fetch(ctx, saved.ID())
	require.NoError(t, err)
	assert.Equal(t, saved.Rev(), fetched.Rev())
	round, ok := fetched.Float("data", "round")
	require.True(t, ok)
	assert.Equal(t, 1.0, round)

	fetched["data"] = map[string]any{"round": 2}
	updated, err := s.Save(ctx, fetched)
	require.NoError(t, err)
	assert.Equal(t, 2, docstore.Generation(updated.Rev()))

	_, err = s.Save(ctx, fetched)
	require.ErrorIs(t, err, docstore.ErrConflict)
	var revErr *docstore.RevisionError
	require.ErrorAs(t, err, &revErr)
	assert.Equal(t, updated.Rev(), revErr.Stored)

	_, err = s.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestSaveWithoutUpdateHandler(t *testing.T) {
	_, srv := newFakeCouch(t)
	s := openTestStore(t, srv.URL, WithoutUpdateHandler())
	ctx := context.Background()

	saved, err := s.Save(ctx, docstore.Document{"_id": "c1", "type": "client"})
	require.NoError(t, err)
	assert.Equal(t, "c1", saved.ID())
	_, ok := saved.Float(docstore.KeyTimestamp)
	assert.True(t, ok)

	created, err := s.Save(ctx, docstore.Document{"type": "client"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID())

	_, err = s.Save(ctx, docstore.Document{"_id": "c1", "type": "client"})
	assert.ErrorIs(t, err, docstore.ErrConflict)
}

func TestQueryViews(t *testing.T) {
	_, srv := newFakeCouch(t)
	s := openTestStore(t, srv.URL)
	ctx := context.Background()

	for _, doc := range []docstore.Document{
		{"_id": "old", "type": "session", "status": "open", "created": "2026-10-18T08:00:00Z"},
		{"_id": "new", "type": "session", "status": "running", "created": "2026-10-19T08:00:00Z"},
		{"_id": "c2", "type": "client", "session": "new"},
		{"_id": "c1", "type": "client", "session": "new"},
		{"_id": "c3", "type": "client", "session": "old"},
	} {
		_, err := s.Save(ctx, doc)
		require.NoError(t, err)
	}

	rows, err := s.Query(ctx, docstore.ViewOpenSessions, docstore.QueryParams{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].ID)
	assert.Equal(t, "running", rows[0].Doc.String("status"))

	rows, err = s.Query(ctx, docstore.ViewSessionClients, docstore.QueryParams{Key: "new"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.ElementsMatch(t, []string{"c1", "c2"}, []string{rows[0].ID, rows[1].ID})

	_, err = s.Query(ctx, "nope", docstore.QueryParams{})
	assert.ErrorIs(t, err, docstore.ErrUnknownView)
}

func TestChangesFeed(t *testing.T) {
	_, srv := newFakeCouch(t)
	s := openTestStore(t, srv.URL)
	ctx := context.Background()

	since, err := s.UpdateSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", since)

	_, err = s.Save(ctx, docstore.Document{"_id": "other", "type": "client", "session": "s2"})
	require.NoError(t, err)
	_, err = s.Save(ctx, docstore.Document{"_id": "mine", "type": "client", "session": "s1"})
	require.NoError(t, err)

	feed, err := s.Subscribe(ctx, docstore.FeedRequest{
		Filter:    docstore.FilterClients,
		Session:   "s1",
		Type:      docstore.TypeClient,
		Since:     since,
		Heartbeat: 20 * time.Millisecond,
		Timeout:   150 * time.Millisecond,
	})
	require.NoError(t, err)
	defer feed.Close()

	nextCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ev, err := feed.Next(nextCtx)
	require.NoError(t, err)
	assert.Equal(t, "mine", ev.ID)
	assert.Equal(t, "2", ev.Seq)
	assert.Equal(t, "s1", ev.Doc.Session())

	var last docstore.ChangeEvent
	for {
		ev, err := feed.Next(nextCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.True(t, ev.IsMarker())
		last = ev
	}
	assert.Equal(t, "2", last.Seq)
}

func TestFeedHonoursContext(t *testing.T) {
	_, srv := newFakeCouch(t)
	s := openTestStore(t, srv.URL)

	feed, err := s.Subscribe(context.Background(), docstore.FeedRequest{Session: "s1", Type: docstore.TypeClient})
	require.NoError(t, err)
	defer feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = feed.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, feed.Close())
}

func TestOpenRetriesUnavailableServer(t *testing.T) {
	f, srv := newFakeCouch(t)
	f.failures.Store(2)

	s := openTestStore(t, srv.URL)
	assert.Equal(t, int32(0), f.failures.Load())

	f.failures.Store(5)
	_, err := s.UpdateSeq(context.Background())
	assert.Error(t, err)
}

func TestFeedParse(t *testing.T) {
	f := &feed{logger: zap.NewNop()}

	ev, err := f.parse([]byte(`{"seq":12,"id":"c1","doc":{"_id":"c1","type":"client","n":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "12", ev.Seq)
	assert.Equal(t, "c1", ev.ID)
	assert.Equal(t, 1.0, ev.Doc["n"])

	ev, err = f.parse([]byte("  "))
	require.NoError(t, err)
	assert.True(t, ev.IsMarker())
	assert.Equal(t, "12", ev.Seq)

	ev, err = f.parse([]byte(`{"seq":"13-g1AAAA","id":"c2","deleted":true}`))
	require.NoError(t, err)
	assert.True(t, ev.Deleted)
	assert.Nil(t, ev.Doc)
	assert.Equal(t, "13-g1AAAA", ev.Seq)

	ev, err = f.parse([]byte(`{"last_seq":"13-g1AAAA","pending":0}`))
	require.NoError(t, err)
	assert.True(t, ev.IsMarker())
	assert.Equal(t, "13-g1AAAA", ev.Seq)
	assert.True(t, f.ended)

	_, err = f.parse([]byte(`{not json`))
	assert.Error(t, err)
}

func TestSeqString(t *testing.T) {
	assert.Equal(t, "42", seqString(json.RawMessage(`42`)))
	assert.Equal(t, "42-abc", seqString(json.RawMessage(`"42-abc"`)))
}
