package couchstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"groupsync/docstore"

	"go.uber.org/zap"
)

// changeLine is one line of a continuous _changes response. The final line of
// a feed that hit its timeout carries only last_seq.
type changeLine struct {
	Seq     json.RawMessage   `json:"seq"`
	ID      string            `json:"id"`
	Doc     docstore.Document `json:"doc"`
	Deleted bool              `json:"deleted"`
	LastSeq json.RawMessage   `json:"last_seq"`
}

type lineResult struct {
	line []byte
	err  error
}

// feed reads a continuous _changes response line by line. Blank lines are
// CouchDB heartbeats and become markers carrying the last seen seq.
type feed struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	lines  chan lineResult
	logger *zap.Logger

	lastSeq string
	ended   bool

	closeOnce sync.Once
}

func newFeed(body io.ReadCloser, cancel context.CancelFunc, logger *zap.Logger) *feed {
	f := &feed{
		body:   body,
		cancel: cancel,
		lines:  make(chan lineResult),
		logger: logger,
	}
	go f.read()
	return f
}

func (f *feed) read() {
	defer close(f.lines)

	scanner := bufio.NewScanner(f.body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		f.lines <- lineResult{line: line}
	}
	if err := scanner.Err(); err != nil {
		f.lines <- lineResult{err: err}
	}
}

// Next returns the next change or marker. The feed ends with io.EOF after the
// last_seq line or when the server closes the response.
func (f *feed) Next(ctx context.Context) (docstore.ChangeEvent, error) {
	if f.ended {
		return docstore.ChangeEvent{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return docstore.ChangeEvent{}, ctx.Err()
	case res, ok := <-f.lines:
		if !ok {
			f.ended = true
			return docstore.ChangeEvent{}, io.EOF
		}
		if res.err != nil {
			f.ended = true
			return docstore.ChangeEvent{}, fmt.Errorf("reading changes feed: %w", res.err)
		}
		return f.parse(res.line)
	}
}

func (f *feed) parse(line []byte) (docstore.ChangeEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return docstore.ChangeEvent{Seq: f.lastSeq}, nil
	}

	var c changeLine
	if err := json.Unmarshal(line, &c); err != nil {
		return docstore.ChangeEvent{}, fmt.Errorf("decoding change %q: %w", line, err)
	}

	if len(c.LastSeq) > 0 {
		f.ended = true
		f.lastSeq = seqString(c.LastSeq)
		return docstore.ChangeEvent{Seq: f.lastSeq}, nil
	}

	f.lastSeq = seqString(c.Seq)
	ev := docstore.ChangeEvent{
		Seq:     f.lastSeq,
		ID:      c.ID,
		Deleted: c.Deleted,
	}
	if !c.Deleted && c.Doc != nil {
		doc, err := docstore.Normalize(c.Doc)
		if err != nil {
			return docstore.ChangeEvent{}, err
		}
		ev.Doc = doc
	}

	f.logger.Debug("Change received",
		zap.String("document_id", ev.ID),
		zap.String("seq", ev.Seq),
		zap.Bool("deleted", ev.Deleted))
	return ev, nil
}

// Close aborts the request and releases the response body.
func (f *feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		err = f.body.Close()
		// unblock the reader if it is waiting to hand over a line
		go func() {
			for range f.lines {
			}
		}()
	})
	return err
}
