package mongostore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"groupsync/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// feed adapts a change stream to docstore.Feed. Empty getMore batches are
// reported as markers carrying the post-batch resume token, which plays the
// role of a heartbeat.
type feed struct {
	stream   *mongo.ChangeStream
	req      docstore.FeedRequest
	logger   *zap.Logger
	lastSeen time.Time
	ended    bool

	closeOnce sync.Once
}

func newFeed(stream *mongo.ChangeStream, req docstore.FeedRequest, logger *zap.Logger) *feed {
	return &feed{
		stream:   stream,
		req:      req,
		logger:   logger,
		lastSeen: time.Now(),
	}
}

type changeEvent struct {
	OperationType string   `bson:"operationType"`
	DocumentKey   bson.Raw `bson:"documentKey"`
	FullDocument  bson.Raw `bson:"fullDocument"`
}

// Next returns the next change. While idle it returns a marker after each
// empty batch when a heartbeat was requested, and after req.Timeout without
// changes it returns a terminal marker followed by io.EOF.
func (f *feed) Next(ctx context.Context) (docstore.ChangeEvent, error) {
	if f.ended {
		return docstore.ChangeEvent{}, io.EOF
	}

	for {
		if f.stream.TryNext(ctx) {
			f.lastSeen = time.Now()
			return f.decode()
		}
		if err := f.stream.Err(); err != nil {
			return docstore.ChangeEvent{}, fmt.Errorf("change stream failed: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return docstore.ChangeEvent{}, err
		}

		marker := docstore.ChangeEvent{Seq: encodeToken(f.stream.ResumeToken())}
		if f.req.Timeout > 0 && time.Since(f.lastSeen) >= f.req.Timeout {
			f.ended = true
			return marker, nil
		}
		if f.req.Heartbeat > 0 {
			return marker, nil
		}
	}
}

func (f *feed) decode() (docstore.ChangeEvent, error) {
	var raw changeEvent
	if err := f.stream.Decode(&raw); err != nil {
		return docstore.ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}

	ev := docstore.ChangeEvent{
		Seq:     encodeToken(f.stream.ResumeToken()),
		Deleted: raw.OperationType == "delete",
	}
	if id, ok := raw.DocumentKey.Lookup(docstore.KeyID).StringValueOK(); ok {
		ev.ID = id
	}
	if !ev.Deleted && len(raw.FullDocument) > 0 {
		doc, err := decodeRaw(raw.FullDocument)
		if err != nil {
			return docstore.ChangeEvent{}, err
		}
		ev.Doc = doc
	}

	f.logger.Debug("Change stream event",
		zap.String("document_id", ev.ID),
		zap.String("operation", raw.OperationType))
	return ev, nil
}

// Close closes the change stream.
func (f *feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.stream.Close(context.Background())
	})
	return err
}
