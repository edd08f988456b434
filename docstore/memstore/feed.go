package memstore

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"groupsync/docstore"
)

type feed struct {
	store  *Store
	id     int64
	req    docstore.FeedRequest
	notify chan struct{}

	mu       sync.Mutex
	pending  []docstore.ChangeEvent
	err      error
	ended    bool
	closed   bool
	lastSeen time.Time
}

// offer queues a change when it passes the feed filter.
func (f *feed) offer(c change) {
	doc := c.doc
	if !f.req.Matches(c.id, doc) {
		return
	}

	ev := docstore.ChangeEvent{
		Seq:     strconv.FormatInt(c.seq, 10),
		ID:      c.id,
		Deleted: c.deleted,
	}
	if !c.deleted {
		ev.Doc = doc.Clone()
	}

	f.mu.Lock()
	if f.closed || f.err != nil {
		f.mu.Unlock()
		return
	}
	f.pending = append(f.pending, ev)
	f.mu.Unlock()

	f.wake()
}

func (f *feed) fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.wake()
}

func (f *feed) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Next returns queued changes in sequence order. While idle it emits a marker
// every heartbeat interval, and after req.Timeout without changes it emits a
// terminal marker and ends the feed.
func (f *feed) Next(ctx context.Context) (docstore.ChangeEvent, error) {
	var heartbeat <-chan time.Time
	if f.req.Heartbeat > 0 {
		ticker := time.NewTicker(f.req.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		seq := f.store.currentSeq()

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return docstore.ChangeEvent{}, docstore.ErrClosed
		}
		if len(f.pending) > 0 {
			ev := f.pending[0]
			f.pending = f.pending[1:]
			f.lastSeen = time.Now()
			f.mu.Unlock()
			return ev, nil
		}
		if f.err != nil {
			err := f.err
			f.mu.Unlock()
			return docstore.ChangeEvent{}, err
		}
		if f.ended {
			f.mu.Unlock()
			return docstore.ChangeEvent{}, io.EOF
		}

		var (
			timeout <-chan time.Time
			timer   *time.Timer
		)
		if f.req.Timeout > 0 {
			remaining := f.req.Timeout - time.Since(f.lastSeen)
			if remaining <= 0 {
				f.ended = true
				f.mu.Unlock()
				f.store.removeFeed(f.id)
				return docstore.ChangeEvent{Seq: strconv.FormatInt(seq, 10)}, nil
			}
			timer = time.NewTimer(remaining)
			timeout = timer.C
		}
		f.mu.Unlock()

		beat := false
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return docstore.ChangeEvent{}, ctx.Err()
		case <-f.notify:
		case <-timeout:
		case <-heartbeat:
			beat = true
		}
		stopTimer(timer)

		if beat {
			seq = f.store.currentSeq()
			f.mu.Lock()
			idle := len(f.pending) == 0 && f.err == nil && !f.closed
			f.mu.Unlock()
			if idle {
				return docstore.ChangeEvent{Seq: strconv.FormatInt(seq, 10)}, nil
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Close detaches the feed from the store.
func (f *feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.pending = nil
	f.mu.Unlock()

	f.store.removeFeed(f.id)
	f.wake()
	return nil
}
