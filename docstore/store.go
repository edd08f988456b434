// Package docstore defines the document store contract consumed by the
// grouping protocol: fetch by id, save with revision, query a named view
// and subscribe to a filtered continuous change feed.
//
// Backends live in sub-packages:
//   - memstore: process-local store with a real change log
//   - mongostore: MongoDB, change streams as the feed
//   - couchstore: CouchDB, the _changes continuous feed
//   - redisstore: Redis, streams as the feed
package docstore

import (
	"context"
	"time"
)

// View names understood by every backend.
const (
	// ViewOpenSessions lists session documents that are open for clients.
	// Rows are ordered by creation time; QueryParams.Descending puts the newest first.
	ViewOpenSessions = "open_sessions"

	// ViewSessionClients lists client documents whose session equals QueryParams.Key.
	ViewSessionClients = "session_clients"
)

// FilterClients is the change feed filter selecting documents by session and type.
const FilterClients = "clients"

// Store is the document store client.
type Store interface {
	// Fetch retrieves a document by id. A missing document yields ErrNotFound.
	Fetch(ctx context.Context, id string) (Document, error)

	// Save creates or updates a document. The first save assigns _id and _rev;
	// later saves must carry the current _rev or fail with ErrConflict.
	// The returned document carries the new _id and _rev.
	Save(ctx context.Context, doc Document) (Document, error)

	// Query runs a named view.
	Query(ctx context.Context, view string, params QueryParams) ([]Row, error)

	// UpdateSeq returns the cursor of the most recent change, suitable as FeedRequest.Since.
	UpdateSeq(ctx context.Context) (string, error)

	// Subscribe opens a continuous change feed.
	Subscribe(ctx context.Context, req FeedRequest) (Feed, error)

	// Close releases the store's resources.
	Close() error
}

// Feed is an open continuous change feed.
type Feed interface {
	// Next blocks until the next change or marker. It returns io.EOF when the
	// feed ended cleanly and any other error when the transport failed.
	Next(ctx context.Context) (ChangeEvent, error)

	// Close closes the underlying connection. It is safe to call more than once.
	Close() error
}

// QueryParams parameterises a view query.
type QueryParams struct {
	Key        string
	Descending bool
	Limit      int
}

// Row is a single view result.
type Row struct {
	ID  string
	Doc Document
}

// FeedRequest describes a change feed subscription.
type FeedRequest struct {
	// Filter is the server-side filter name, normally FilterClients.
	Filter string
	// Session restricts the feed to documents of one session.
	Session string
	// Type restricts the feed to one document type (TypeClient or TypeSession).
	Type string
	// Since is the resume cursor; "" means from the current position.
	Since string
	// Heartbeat asks the store to emit a marker at this interval while idle.
	Heartbeat time.Duration
	// Timeout asks the store to end the feed after this long without changes.
	Timeout time.Duration
}

// ChangeEvent is one line of a change feed. A marker (heartbeat or terminal
// last_seq line) has no document id and only advances the cursor.
type ChangeEvent struct {
	Seq     string
	ID      string
	Doc     Document
	Deleted bool
}

// IsMarker reports whether the event carries no document.
func (e ChangeEvent) IsMarker() bool {
	return e.ID == ""
}

// Matches evaluates the FilterClients filter for a document.
// Session documents match by id; all other types match by session and type.
func (r FeedRequest) Matches(id string, doc Document) bool {
	if r.Type == TypeSession {
		return id == r.Session
	}
	if doc == nil {
		return false
	}
	if r.Session != "" && doc.Session() != r.Session {
		return false
	}
	return r.Type == "" || doc.Type() == r.Type
}

// OpenStatuses are the session status values that make a session joinable.
var OpenStatuses = []string{"open", "pending", "running"}

// IsOpenSession reports whether a document is a joinable session.
func IsOpenSession(doc Document) bool {
	if doc.Type() != TypeSession {
		return false
	}
	status := doc.String("status")
	for _, s := range OpenStatuses {
		if status == s {
			return true
		}
	}
	return false
}
