package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"groupsync/docstore"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// feed tails the changes stream with blocking XREAD calls.
type feed struct {
	store    *Store
	req      docstore.FeedRequest
	lastID   string
	pending  []docstore.ChangeEvent
	lastSeen time.Time
	lastBeat time.Time
	ended    bool

	mu     sync.Mutex
	closed bool
}

func newFeed(s *Store, req docstore.FeedRequest, since string) *feed {
	now := time.Now()
	return &feed{
		store:    s,
		req:      req,
		lastID:   since,
		lastSeen: now,
		lastBeat: now,
	}
}

// Next returns the next matching change. While idle it returns a marker each
// heartbeat interval, and after req.Timeout without changes it returns a
// terminal marker followed by io.EOF.
func (f *feed) Next(ctx context.Context) (docstore.ChangeEvent, error) {
	for {
		if f.isClosed() {
			return docstore.ChangeEvent{}, docstore.ErrClosed
		}
		if len(f.pending) > 0 {
			ev := f.pending[0]
			f.pending = f.pending[1:]
			return ev, nil
		}
		if f.ended {
			return docstore.ChangeEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return docstore.ChangeEvent{}, err
		}

		now := time.Now()
		if f.req.Timeout > 0 && now.Sub(f.lastSeen) >= f.req.Timeout {
			f.ended = true
			return docstore.ChangeEvent{Seq: f.lastID}, nil
		}
		if f.req.Heartbeat > 0 && now.Sub(f.lastBeat) >= f.req.Heartbeat {
			f.lastBeat = now
			return docstore.ChangeEvent{Seq: f.lastID}, nil
		}

		if err := f.read(ctx, f.blockFor(now)); err != nil {
			return docstore.ChangeEvent{}, err
		}
	}
}

// blockFor returns how long the next XREAD may block before a heartbeat or
// the timeout is due.
func (f *feed) blockFor(now time.Time) time.Duration {
	block := f.store.options.BlockInterval
	if f.req.Heartbeat > 0 {
		if d := f.req.Heartbeat - now.Sub(f.lastBeat); d < block {
			block = d
		}
	}
	if f.req.Timeout > 0 {
		if d := f.req.Timeout - now.Sub(f.lastSeen); d < block {
			block = d
		}
	}
	if block < time.Millisecond {
		block = time.Millisecond
	}
	return block
}

func (f *feed) read(ctx context.Context, block time.Duration) error {
	streams, err := f.store.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{f.store.changesKey(), f.lastID},
		Count:   f.store.options.ReadCount,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to read changes stream: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			f.lastID = msg.ID
			ev, ok, err := f.decode(msg)
			if err != nil {
				return err
			}
			if ok {
				f.pending = append(f.pending, ev)
			}
		}
	}
	if len(f.pending) > 0 {
		f.lastSeen = time.Now()
	}
	return nil
}

func (f *feed) decode(msg redis.XMessage) (docstore.ChangeEvent, bool, error) {
	id, _ := msg.Values[fieldID].(string)
	raw, _ := msg.Values[fieldDoc].(string)
	doc, err := docstore.Decode([]byte(raw))
	if err != nil {
		return docstore.ChangeEvent{}, false, fmt.Errorf("failed to decode change %s: %w", msg.ID, err)
	}
	if !f.req.Matches(id, doc) {
		return docstore.ChangeEvent{}, false, nil
	}

	f.store.logger.Debug("Change received",
		zap.String("document_id", id),
		zap.String("seq", msg.ID))
	return docstore.ChangeEvent{Seq: msg.ID, ID: id, Doc: doc}, true, nil
}

// Close ends the feed. It is safe to call more than once.
func (f *feed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
