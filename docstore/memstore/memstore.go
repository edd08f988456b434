// Package memstore is a process-local docstore.Store. It keeps a full change
// log so feeds can resume from any cursor, and it honours heartbeat and
// timeout requests the way a CouchDB continuous feed does.
package memstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"groupsync/docstore"

	"go.uber.org/zap"
)

type change struct {
	seq     int64
	id      string
	doc     docstore.Document
	deleted bool
}

// Store implements docstore.Store in memory.
type Store struct {
	mu       sync.Mutex
	docs     map[string]docstore.Document
	seq      int64
	log      []change
	feeds    map[int64]*feed
	nextFeed int64
	opened   int
	closed   bool
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:   make(map[string]docstore.Document),
		feeds:  make(map[int64]*feed),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ docstore.Store = (*Store)(nil)

// Fetch retrieves a document by id.
func (s *Store) Fetch(ctx context.Context, id string) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, docstore.ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}
	return doc.Clone(), nil
}

// Save creates or updates a document with revision checking.
func (s *Store) Save(ctx context.Context, doc docstore.Document) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, docstore.ErrInvalidDocument
	}

	stored, err := docstore.Normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", docstore.ErrInvalidDocument, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, docstore.ErrClosed
	}

	id := stored.ID()
	if id == "" {
		id = docstore.NewID()
	}

	current, exists := s.docs[id]
	switch {
	case exists && current.Rev() != stored.Rev():
		return nil, docstore.NewRevisionError(id, stored.Rev(), current.Rev())
	case !exists && stored.Rev() != "":
		return nil, docstore.NewRevisionError(id, stored.Rev(), "")
	}

	stored[docstore.KeyID] = id
	stored[docstore.KeyRev] = docstore.NextRevision(stored.Rev())
	stored[docstore.KeyTimestamp] = float64(s.now().UnixMilli())
	s.docs[id] = stored
	s.appendLocked(change{id: id, doc: stored})

	s.logger.Debug("Document saved",
		zap.String("document_id", id),
		zap.String("rev", stored.Rev()),
		zap.Int64("seq", s.seq))

	return stored.Clone(), nil
}

// Delete removes a document. Deletions appear on feeds as deleted events.
func (s *Store) Delete(ctx context.Context, id, rev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}
	if current.Rev() != rev {
		return docstore.NewRevisionError(id, rev, current.Rev())
	}
	delete(s.docs, id)
	s.appendLocked(change{id: id, doc: current, deleted: true})
	return nil
}

// Query runs one of the protocol views.
func (s *Store) Query(ctx context.Context, view string, params docstore.QueryParams) ([]docstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, docstore.ErrClosed
	}

	var rows []docstore.Row
	switch view {
	case docstore.ViewOpenSessions:
		for id, doc := range s.docs {
			if docstore.IsOpenSession(doc) {
				rows = append(rows, docstore.Row{ID: id, Doc: doc.Clone()})
			}
		}
		docstore.SortRows(rows, "created", params.Descending)
	case docstore.ViewSessionClients:
		for id, doc := range s.docs {
			if doc.Type() == docstore.TypeClient && doc.Session() == params.Key {
				rows = append(rows, docstore.Row{ID: id, Doc: doc.Clone()})
			}
		}
		docstore.SortRows(rows, docstore.KeyID, params.Descending)
	default:
		return nil, fmt.Errorf("%w: %s", docstore.ErrUnknownView, view)
	}

	return docstore.LimitRows(rows, params.Limit), nil
}

// UpdateSeq returns the sequence number of the latest change.
func (s *Store) UpdateSeq(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strconv.FormatInt(s.currentSeq(), 10), nil
}

// Subscribe opens a feed. Changes after req.Since that match the filter are
// replayed first, then live changes follow.
func (s *Store) Subscribe(ctx context.Context, req docstore.FeedRequest) (docstore.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	since := int64(-1)
	if req.Since != "" {
		n, err := strconv.ParseInt(req.Since, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid since cursor %q: %w", req.Since, err)
		}
		since = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, docstore.ErrClosed
	}
	if since < 0 {
		since = s.seq
	}

	f := &feed{
		store:    s,
		id:       s.nextFeed,
		req:      req,
		notify:   make(chan struct{}, 1),
		lastSeen: time.Now(),
	}
	s.nextFeed++
	s.opened++

	for _, c := range s.log {
		if c.seq > since {
			f.offer(c)
		}
	}
	s.feeds[f.id] = f

	s.logger.Debug("Feed opened",
		zap.Int64("feed_id", f.id),
		zap.String("session_id", req.Session),
		zap.String("type", req.Type),
		zap.Int64("since", since))

	return f, nil
}

// Subscriptions returns how many feeds have been opened over the store's lifetime.
func (s *Store) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// ActiveFeeds returns the number of feeds currently open.
func (s *Store) ActiveFeeds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

// Interrupt fails every open feed with err, simulating a dropped connection.
func (s *Store) Interrupt(err error) {
	s.mu.Lock()
	feeds := make([]*feed, 0, len(s.feeds))
	for id, f := range s.feeds {
		feeds = append(feeds, f)
		delete(s.feeds, id)
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.fail(err)
	}
}

// Close closes the store and every open feed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := s.feeds
	s.feeds = make(map[int64]*feed)
	s.mu.Unlock()

	for _, f := range feeds {
		f.fail(docstore.ErrClosed)
	}
	return nil
}

func (s *Store) appendLocked(c change) {
	s.seq++
	c.seq = s.seq
	s.log = append(s.log, c)
	for _, f := range s.feeds {
		f.offer(c)
	}
}

func (s *Store) currentSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Store) removeFeed(id int64) {
	s.mu.Lock()
	delete(s.feeds, id)
	s.mu.Unlock()
}
