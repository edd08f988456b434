package groupsync

import (
	"errors"

	"groupsync/changefeed"
	"groupsync/docstore"
	"groupsync/grouping"
	"groupsync/replace"
)

var (
	// ErrNoOpenSession is returned by Connect when no joinable session exists
	ErrNoOpenSession = errors.New("there is no open session available")

	// ErrUnsupportedStore is returned for a server uri with an unknown scheme
	ErrUnsupportedStore = errors.New("unsupported store uri")

	// ErrConflict is returned by Push when the local revision is stale.
	// Refresh and retry.
	ErrConflict = docstore.ErrConflict

	// ErrNotFound is returned when a document does not exist
	ErrNotFound = docstore.ErrNotFound

	// ErrCycleExceeded is returned when the session's replacement mapping
	// does not resolve within the hop bound
	ErrCycleExceeded = replace.ErrCycleExceeded

	// ErrTransport is returned when a change feed fails mid-wait
	ErrTransport = changefeed.ErrTransport

	// ErrNotInGrouping is returned when a client has no entry in the current grouping
	ErrNotInGrouping = grouping.ErrNotInGrouping

	// ErrGroupingOutOfRange is returned after advancing past the last grouping
	// without rollover
	ErrGroupingOutOfRange = grouping.ErrGroupingOutOfRange
)

// ConflictError carries the revisions of a rejected push.
type ConflictError = docstore.RevisionError

// CycleError carries the start of a replacement chain that did not terminate.
type CycleError = replace.CycleError

// Reason tells why Wait returned.
type Reason = changefeed.Reason

// Wait outcomes.
const (
	Failed    = changefeed.Failed
	Satisfied = changefeed.Satisfied
	TimedOut  = changefeed.TimedOut
	Cancelled = changefeed.Cancelled
)
