package docstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NextRevision returns the revision following rev, in the "<generation>-<tag>"
// form CouchDB uses. An empty rev starts at generation 1.
func NextRevision(rev string) string {
	return fmt.Sprintf("%d-%s", Generation(rev)+1, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Generation extracts the numeric prefix of a revision, 0 when absent.
func Generation(rev string) int {
	prefix, _, _ := strings.Cut(rev, "-")
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0
	}
	return n
}

// NewID returns a fresh document id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SortRows orders rows by the given string field, ties broken by id.
func SortRows(rows []Row, field string, descending bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Doc.String(field), rows[j].Doc.String(field)
		if a == b {
			a, b = rows[i].ID, rows[j].ID
		}
		if descending {
			return a > b
		}
		return a < b
	})
}

// LimitRows truncates rows to limit when limit is positive.
func LimitRows(rows []Row, limit int) []Row {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
