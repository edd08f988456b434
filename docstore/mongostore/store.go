// Package mongostore implements docstore.Store on MongoDB.
//
// Documents keep their string _id and _rev fields. Writes are conditional on
// the stored _rev, and change feeds are change streams whose resume tokens
// serve as cursors. Change streams need a replica set or sharded cluster.
package mongostore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"groupsync/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Store implements docstore.Store on a MongoDB collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	ownsClient bool
	options    *Options
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ docstore.Store = (*Store)(nil)

// Open connects to uri and returns a store on database. The store
// disconnects the client on Close.
func Open(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := New(client, database, opts...)
	s.ownsClient = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *mongo.Client, database string, opts ...Option) *Store {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Store{
		client:     client,
		collection: client.Database(database).Collection(o.Collection),
		options:    o,
		logger:     o.Logger,
	}
}

// Collection returns the underlying collection.
func (s *Store) Collection() *mongo.Collection {
	return s.collection
}

// Fetch retrieves a document by id.
func (s *Store) Fetch(ctx context.Context, id string) (docstore.Document, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.collection.FindOne(ctx, bson.M{docstore.KeyID: id}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return decodeRaw(raw)
}

// Save inserts a new document or replaces the stored one when the revision
// matches.
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

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	id := stored.ID()
	if id == "" {
		id = docstore.NewID()
	}
	rev := stored.Rev()
	stored[docstore.KeyID] = id
	stored[docstore.KeyRev] = docstore.NextRevision(rev)
	stored[docstore.KeyTimestamp] = float64(s.options.Now().UnixMilli())

	if rev == "" {
		if _, err := s.collection.InsertOne(ctx, bson.M(stored)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, docstore.NewRevisionError(id, "", s.storedRev(ctx, id))
			}
			return nil, fmt.Errorf("failed to insert document: %w", err)
		}
	} else {
		result, err := s.collection.ReplaceOne(ctx,
			bson.M{docstore.KeyID: id, docstore.KeyRev: rev},
			bson.M(stored))
		if err != nil {
			return nil, fmt.Errorf("failed to replace document: %w", err)
		}
		if result.MatchedCount == 0 {
			return nil, docstore.NewRevisionError(id, rev, s.storedRev(ctx, id))
		}
	}

	s.logger.Debug("Document saved",
		zap.String("document_id", id),
		zap.String("rev", stored.Rev()))

	return stored, nil
}

func (s *Store) storedRev(ctx context.Context, id string) string {
	doc, err := s.Fetch(ctx, id)
	if err != nil {
		return ""
	}
	return doc.Rev()
}

// Query runs one of the protocol views.
func (s *Store) Query(ctx context.Context, view string, params docstore.QueryParams) ([]docstore.Row, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}

	order := 1
	if params.Descending {
		order = -1
	}

	var (
		filter bson.M
		sort   bson.D
	)
	switch view {
	case docstore.ViewOpenSessions:
		filter = bson.M{
			docstore.KeyType: docstore.TypeSession,
			"status":         bson.M{"$in": docstore.OpenStatuses},
		}
		sort = bson.D{{Key: "created", Value: order}, {Key: docstore.KeyID, Value: order}}
	case docstore.ViewSessionClients:
		filter = bson.M{
			docstore.KeyType:    docstore.TypeClient,
			docstore.KeySession: params.Key,
		}
		sort = bson.D{{Key: docstore.KeyID, Value: order}}
	default:
		return nil, fmt.Errorf("%w: %s", docstore.ErrUnknownView, view)
	}

	findOpts := options.Find().SetSort(sort)
	if params.Limit > 0 {
		findOpts.SetLimit(int64(params.Limit))
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", view, err)
	}
	defer cursor.Close(context.Background())

	var rows []docstore.Row
	for cursor.Next(ctx) {
		doc, err := decodeRaw(cursor.Current)
		if err != nil {
			return nil, err
		}
		rows = append(rows, docstore.Row{ID: doc.ID(), Doc: doc})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", view, err)
	}
	return rows, nil
}

// UpdateSeq returns a resume token for the current position of the
// collection's change stream.
func (s *Store) UpdateSeq(ctx context.Context) (string, error) {
	if s.isClosed() {
		return "", docstore.ErrClosed
	}
	stream, err := s.collection.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return "", fmt.Errorf("failed to open change stream: %w", err)
	}
	defer stream.Close(context.Background())
	return encodeToken(stream.ResumeToken()), nil
}

// Subscribe opens a change stream filtered on the server by session and type.
func (s *Store) Subscribe(ctx context.Context, req docstore.FeedRequest) (docstore.Feed, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}

	watchOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	maxAwait := req.Heartbeat
	if maxAwait <= 0 {
		maxAwait = s.options.DefaultMaxAwaitTime
	}
	watchOpts.SetMaxAwaitTime(maxAwait)
	if s.options.WatchBatchSize > 0 {
		watchOpts.SetBatchSize(s.options.WatchBatchSize)
	}
	if req.Since != "" {
		token, err := decodeToken(req.Since)
		if err != nil {
			return nil, err
		}
		watchOpts.SetResumeAfter(token)
	}

	stream, err := s.collection.Watch(ctx, feedPipeline(req), watchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create change stream: %w", err)
	}

	s.logger.Debug("Change stream opened",
		zap.String("session_id", req.Session),
		zap.String("type", req.Type),
		zap.Duration("max_await", maxAwait))

	return newFeed(stream, req, s.logger), nil
}

// feedPipeline expresses the clients filter as a change stream $match.
// Session feeds match the session document by key; client feeds match the
// looked-up document's session and type, which leaves deletions out.
func feedPipeline(req docstore.FeedRequest) mongo.Pipeline {
	match := bson.D{{Key: "operationType", Value: bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}}}}
	if req.Type == docstore.TypeSession {
		match = append(match, bson.E{Key: "documentKey._id", Value: req.Session})
	} else {
		if req.Session != "" {
			match = append(match, bson.E{Key: "fullDocument.session", Value: req.Session})
		}
		if req.Type != "" {
			match = append(match, bson.E{Key: "fullDocument.type", Value: req.Type})
		}
	}
	return mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}
}

// Close closes the store and, when it opened the client, disconnects.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.ownsClient {
		return s.client.Disconnect(context.Background())
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.options.OperationTimeout > 0 {
		return context.WithTimeout(ctx, s.options.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// decodeRaw converts BSON into the JSON shape every store returns.
func decodeRaw(raw bson.Raw) (docstore.Document, error) {
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to convert document: %w", err)
	}
	return docstore.Decode(data)
}

func encodeToken(token bson.Raw) string {
	if len(token) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(token)
}

func decodeToken(cursor string) (bson.Raw, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid resume token %q: %w", cursor, err)
	}
	raw := bson.Raw(data)
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resume token %q: %w", cursor, err)
	}
	return raw, nil
}
