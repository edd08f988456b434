// Package redisstore implements docstore.Store on Redis.
//
// Documents are JSON strings under {prefix}:doc:{id}. Writes are WATCH/MULTI
// transactions conditional on the stored _rev, and every write appends the
// document to the {prefix}:changes stream whose entry ids serve as cursors.
// Sets under {prefix}:sessions and {prefix}:clients:{session} index the views.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"groupsync/docstore"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stream entry fields.
const (
	fieldID  = "id"
	fieldDoc = "doc"
)

// Store implements docstore.Store on a Redis database.
type Store struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	options    *Options
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ docstore.Store = (*Store)(nil)

// Open connects to the redis:// or rediss:// uri and returns a store whose
// keys start with prefix.
func Open(ctx context.Context, uri, prefix string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.ContextTimeoutEnabled = true

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := New(client, prefix, opts...)
	s.ownsClient = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *redis.Client, prefix string, opts ...Option) *Store {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if prefix == "" {
		prefix = "groupsync"
	}
	return &Store{
		client:  client,
		prefix:  prefix,
		options: o,
		logger:  o.Logger,
	}
}

func (s *Store) docKey(id string) string {
	return s.prefix + ":doc:" + id
}

func (s *Store) sessionsKey() string {
	return s.prefix + ":sessions"
}

func (s *Store) clientsKey(session string) string {
	return s.prefix + ":clients:" + session
}

func (s *Store) changesKey() string {
	return s.prefix + ":changes"
}

// Fetch retrieves a document by id.
func (s *Store) Fetch(ctx context.Context, id string) (docstore.Document, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}
	data, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get document from Redis: %w", err)
	}
	return docstore.Decode(data)
}

// Save writes doc when its _rev matches the stored one, indexes it and
// appends it to the changes stream in the same transaction.
func (s *Store) Save(ctx context.Context, doc docstore.Document) (docstore.Document, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}
	if doc == nil {
		return nil, docstore.ErrInvalidDocument
	}
	stored, err := docstore.Normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", docstore.ErrInvalidDocument, err)
	}

	id := stored.ID()
	if id == "" {
		id = docstore.NewID()
	}
	rev := stored.Rev()
	stored[docstore.KeyID] = id
	stored[docstore.KeyRev] = docstore.NextRevision(rev)
	stored[docstore.KeyTimestamp] = float64(s.options.Now().UnixMilli())

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	key := s.docKey(id)
	var xadd *redis.StringCmd
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		var currentDoc docstore.Document
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if currentDoc, err = docstore.Decode(current); err != nil {
				return err
			}
		}

		if currentDoc.Rev() != rev {
			return docstore.NewRevisionError(id, rev, currentDoc.Rev())
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if old := currentDoc.Session(); old != "" && old != stored.Session() {
				pipe.SRem(ctx, s.clientsKey(old), id)
			}
			switch stored.Type() {
			case docstore.TypeSession:
				pipe.SAdd(ctx, s.sessionsKey(), id)
			case docstore.TypeClient:
				if session := stored.Session(); session != "" {
					pipe.SAdd(ctx, s.clientsKey(session), id)
				}
			}
			args := &redis.XAddArgs{
				Stream: s.changesKey(),
				Values: map[string]any{fieldID: id, fieldDoc: data},
			}
			if s.options.StreamMaxLen > 0 {
				args.MaxLen = s.options.StreamMaxLen
				args.Approx = true
			}
			xadd = pipe.XAdd(ctx, args)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, docstore.NewRevisionError(id, rev, s.storedRev(ctx, id))
		}
		var revErr *docstore.RevisionError
		if errors.As(err, &revErr) {
			return nil, revErr
		}
		return nil, fmt.Errorf("failed to save document to Redis: %w", err)
	}

	s.logger.Debug("Document saved",
		zap.String("document_id", id),
		zap.String("rev", stored.Rev()),
		zap.String("seq", xadd.Val()))

	return stored, nil
}

func (s *Store) storedRev(ctx context.Context, id string) string {
	doc, err := s.Fetch(ctx, id)
	if err != nil {
		return ""
	}
	return doc.Rev()
}

// Query runs one of the protocol views from the index sets.
func (s *Store) Query(ctx context.Context, view string, params docstore.QueryParams) ([]docstore.Row, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}

	var (
		indexKey string
		sortBy   string
	)
	switch view {
	case docstore.ViewOpenSessions:
		indexKey, sortBy = s.sessionsKey(), "created"
	case docstore.ViewSessionClients:
		indexKey, sortBy = s.clientsKey(params.Key), docstore.KeyID
	default:
		return nil, fmt.Errorf("%w: %s", docstore.ErrUnknownView, view)
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", view, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", view, err)
	}

	rows := make([]docstore.Row, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := docstore.Decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if view == docstore.ViewOpenSessions && !docstore.IsOpenSession(doc) {
			continue
		}
		if view == docstore.ViewSessionClients && (doc.Type() != docstore.TypeClient || doc.Session() != params.Key) {
			continue
		}
		rows = append(rows, docstore.Row{ID: doc.ID(), Doc: doc})
	}

	docstore.SortRows(rows, sortBy, params.Descending)
	return docstore.LimitRows(rows, params.Limit), nil
}

// UpdateSeq returns the id of the newest changes stream entry, or "0-0" for
// an empty stream.
func (s *Store) UpdateSeq(ctx context.Context) (string, error) {
	if s.isClosed() {
		return "", docstore.ErrClosed
	}
	msgs, err := s.client.XRevRangeN(ctx, s.changesKey(), "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read changes stream: %w", err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// Subscribe opens a feed reading the changes stream after req.Since and
// applying the clients filter on the client side.
func (s *Store) Subscribe(ctx context.Context, req docstore.FeedRequest) (docstore.Feed, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}
	since := req.Since
	if since == "" {
		seq, err := s.UpdateSeq(ctx)
		if err != nil {
			return nil, err
		}
		since = seq
	}

	s.logger.Debug("Changes stream feed opened",
		zap.String("session_id", req.Session),
		zap.String("type", req.Type),
		zap.String("since", since))

	return newFeed(s, req, since), nil
}

// Close closes the store and, when it opened the client, the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Options represents configuration options for the store.
type Options struct {
	// StreamMaxLen caps the changes stream with approximate trimming. Zero keeps every entry.
	StreamMaxLen int64

	// BlockInterval bounds a single XREAD when a feed has no heartbeat.
	BlockInterval time.Duration

	// ReadCount is the XREAD batch size.
	ReadCount int64

	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultOptions returns the default store options.
func DefaultOptions() *Options {
	return &Options{
		StreamMaxLen:  100000,
		BlockInterval: time.Second,
		ReadCount:     100,
		Logger:        zap.NewNop(),
		Now:           time.Now,
	}
}

// Option configures a Store.
type Option func(*Options)

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithStreamMaxLen caps the changes stream.
func WithStreamMaxLen(n int64) Option {
	return func(o *Options) {
		o.StreamMaxLen = n
	}
}

// WithBlockInterval bounds a single blocking read.
func WithBlockInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.BlockInterval = d
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}
