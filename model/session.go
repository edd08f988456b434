// Package model holds typed views of the documents the grouping protocol
// reads and writes.
package model

import (
	"fmt"

	"groupsync/docstore"
)

// Session status values.
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusRunning = "running"
	StatusClosed  = "closed"
)

// Session is the shared coordination record. It is written by the server
// side matcher; clients only read it.
type Session struct {
	ID        string                `json:"_id" bson:"_id"`
	Rev       string                `json:"_rev,omitempty" bson:"_rev,omitempty"`
	Type      string                `json:"type" bson:"type"`
	Status    string                `json:"status" bson:"status"`
	Created   string                `json:"created,omitempty" bson:"created,omitempty"`
	Groupings []map[string][]string `json:"groupings" bson:"groupings"`
	Roles     []map[string]string   `json:"roles" bson:"roles"`
	Replace   map[string]string     `json:"replace" bson:"replace"`
}

// SessionFromDocument decodes a stored session document.
func SessionFromDocument(doc docstore.Document) (*Session, error) {
	if doc == nil {
		return nil, docstore.ErrInvalidDocument
	}
	if t := doc.Type(); t != docstore.TypeSession {
		return nil, fmt.Errorf("%w: document %s has type %q", docstore.ErrInvalidDocument, doc.ID(), t)
	}
	var s Session
	if err := doc.Into(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Document converts the session into its stored form.
func (s *Session) Document() (docstore.Document, error) {
	doc, err := docstore.Normalize(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return doc, nil
}

// Open reports whether clients may still join the session.
func (s *Session) Open() bool {
	for _, status := range docstore.OpenStatuses {
		if s.Status == status {
			return true
		}
	}
	return false
}
