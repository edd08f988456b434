package groupsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"groupsync/docstore"
	"groupsync/docstore/couchstore"
	"groupsync/docstore/memstore"
	"groupsync/docstore/mongostore"
	"groupsync/docstore/redisstore"

	"go.uber.org/zap"
)

// OpenStore opens the backend named by the uri scheme. database is the
// database name for CouchDB and MongoDB and the key prefix for Redis.
//
// mem:// opens a new process-local store on every call. Clients that must
// see one another share the returned store through Connect.
func OpenStore(ctx context.Context, uri, database string, logger *zap.Logger) (docstore.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedStore, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mongodb", "mongodb+srv":
		return mongostore.Open(ctx, uri, database, mongostore.WithLogger(logger))
	case "redis", "rediss":
		return redisstore.Open(ctx, uri, database, redisstore.WithLogger(logger))
	case "http", "https":
		return couchstore.Open(ctx, uri, database, couchstore.WithLogger(logger))
	case "mem":
		return memstore.New(memstore.WithLogger(logger)), nil
	}
	return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedStore, u.Scheme)
}
