package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a save carries a stale revision
	ErrConflict = errors.New("document revision conflict")

	// ErrUnknownView is returned for a query against a view the backend does not serve
	ErrUnknownView = errors.New("unknown view")

	// ErrClosed is returned when operating on a closed store or feed
	ErrClosed = errors.New("store is closed")

	// ErrInvalidDocument is returned when a document cannot be stored
	ErrInvalidDocument = errors.New("invalid document")
)

// RevisionError describes a rejected save.
type RevisionError struct {
	DocumentID string
	Sent       string
	Stored     string
}

// Error implements the error interface
func (e *RevisionError) Error() string {
	return fmt.Sprintf("revision conflict for document %s: sent=%q, stored=%q",
		e.DocumentID, e.Sent, e.Stored)
}

// Is reports ErrConflict equivalence.
func (e *RevisionError) Is(target error) bool {
	return target == ErrConflict
}

// Unwrap returns the underlying error
func (e *RevisionError) Unwrap() error {
	return ErrConflict
}

// NewRevisionError creates a new revision error
func NewRevisionError(docID, sent, stored string) *RevisionError {
	return &RevisionError{
		DocumentID: docID,
		Sent:       sent,
		Stored:     stored,
	}
}
