package model

import (
	"fmt"

	"groupsync/docstore"
)

// Design types understood by the server-side matcher.
const (
	DesignStranger = "stranger"
	DesignPartner  = "partner"
)

// DefaultGroup is the group label used when none is configured.
const DefaultGroup = "default"

// Design records the grouping parameters a client was created with.
type Design struct {
	Type            string   `json:"type" bson:"type"`
	GroupSize       int      `json:"group_size" bson:"group_size"`
	GroupingsNeeded int      `json:"groupings_needed" bson:"groupings_needed"`
	Roles           []string `json:"roles" bson:"roles"`
	Ghosts          bool     `json:"ghosts" bson:"ghosts"`
	Replacements    bool     `json:"replacements" bson:"replacements"`
}

// ClientDocument is the document one client publishes its state through.
type ClientDocument struct {
	ID        string         `json:"_id,omitempty" bson:"_id,omitempty"`
	Rev       string         `json:"_rev,omitempty" bson:"_rev,omitempty"`
	Type      string         `json:"type" bson:"type"`
	Session   string         `json:"session" bson:"session"`
	Group     string         `json:"group" bson:"group"`
	Name      string         `json:"name,omitempty" bson:"name,omitempty"`
	Data      map[string]any `json:"data" bson:"data"`
	Design    Design         `json:"design" bson:"design"`
	Timestamp float64        `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
}

// NewClientDocument creates an unsaved client document for session.
func NewClientDocument(session, group, name string, data map[string]any, design Design) *ClientDocument {
	if group == "" {
		group = DefaultGroup
	}
	if data == nil {
		data = make(map[string]any)
	}
	return &ClientDocument{
		Type:    docstore.TypeClient,
		Session: session,
		Group:   group,
		Name:    name,
		Data:    data,
		Design:  design,
	}
}

// Document converts the client into its stored form.
func (c *ClientDocument) Document() (docstore.Document, error) {
	doc, err := docstore.Normalize(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client %s: %w", c.ID, err)
	}
	return doc, nil
}

// ClientFromDocument decodes a stored client document.
func ClientFromDocument(doc docstore.Document) (*ClientDocument, error) {
	if doc == nil {
		return nil, docstore.ErrInvalidDocument
	}
	if t := doc.Type(); t != docstore.TypeClient {
		return nil, fmt.Errorf("%w: document %s has type %q", docstore.ErrInvalidDocument, doc.ID(), t)
	}
	var c ClientDocument
	if err := doc.Into(&c); err != nil {
		return nil, err
	}
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	return &c, nil
}
