package condition

import "groupsync/docstore"

// Predicate decides whether a single document satisfies the wait condition.
type Predicate func(doc docstore.Document) bool

// Aggregator combines per-document results into one satisfaction value.
type Aggregator func(values []bool) bool

// Always is the default predicate.
func Always(docstore.Document) bool {
	return true
}

// All is satisfied when every value is true, including when there are none.
func All(values []bool) bool {
	for _, v := range values {
		if !v {
			return false
		}
	}
	return true
}

// Any is satisfied when at least one value is true.
func Any(values []bool) bool {
	for _, v := range values {
		if v {
			return true
		}
	}
	return false
}

// AtLeast is satisfied when n or more values are true.
func AtLeast(n int) Aggregator {
	return func(values []bool) bool {
		count := 0
		for _, v := range values {
			if v {
				count++
			}
		}
		return count >= n
	}
}
