// Package sse streams a session's document changes to the control panel as
// server-sent events.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"groupsync/docstore"

	"go.uber.org/zap"
)

// Event represents an SSE event
type Event struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Seq     string            `json:"seq"`
	Deleted bool              `json:"deleted,omitempty"`
	Doc     docstore.Document `json:"doc,omitempty"`
}

// Router handles SSE connections and events
type Router struct {
	store     docstore.Store
	heartbeat time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[string]int
}

// NewRouter creates a new SSE router. Idle streams send a comment every
// heartbeat interval.
func NewRouter(store docstore.Store, heartbeat time.Duration, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:     store,
		heartbeat: heartbeat,
		logger:    logger,
		clients:   make(map[string]int),
	}
}

// Clients returns the number of open streams for a session.
func (r *Router) Clients(session string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[session]
}

// HandleEvents streams the session's client documents and the session
// document itself. The optional since query parameter resumes from a cursor.
func (r *Router) HandleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	session := req.PathValue("id")
	ctx := req.Context()

	clients, err := r.store.Subscribe(ctx, docstore.FeedRequest{
		Filter:    docstore.FilterClients,
		Session:   session,
		Type:      docstore.TypeClient,
		Since:     req.URL.Query().Get("since"),
		Heartbeat: r.heartbeat,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer clients.Close()

	sessionFeed, err := r.store.Subscribe(ctx, docstore.FeedRequest{
		Filter:    docstore.FilterClients,
		Session:   session,
		Type:      docstore.TypeSession,
		Since:     req.URL.Query().Get("since"),
		Heartbeat: r.heartbeat,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer sessionFeed.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	r.register(session, 1)
	defer r.register(session, -1)
	r.logger.Debug("Event stream opened", zap.String("session_id", session))

	events := make(chan docstore.ChangeEvent)
	errs := make(chan error, 2)
	for _, feed := range []docstore.Feed{clients, sessionFeed} {
		go func(feed docstore.Feed) {
			for {
				ev, err := feed.Next(ctx)
				if err != nil {
					errs <- err
					return
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}(feed)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				r.logger.Warn("Event stream feed failed", zap.String("session_id", session), zap.Error(err))
			}
			return
		case ev := <-events:
			if err := r.send(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (r *Router) register(session string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[session] += delta
	if r.clients[session] <= 0 {
		delete(r.clients, session)
	}
}

// send writes one change. Markers become SSE comments.
func (r *Router) send(w io.Writer, ev docstore.ChangeEvent) error {
	if ev.IsMarker() {
		_, err := fmt.Fprintf(w, ": heartbeat %s\n\n", ev.Seq)
		return err
	}

	event := Event{
		Type:    ev.Doc.Type(),
		ID:      ev.ID,
		Seq:     ev.Seq,
		Deleted: ev.Deleted,
		Doc:     ev.Doc,
	}
	if event.Type == "" {
		event.Type = "deleted"
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
