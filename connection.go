// Package groupsync coordinates experiment clients into synchronized groups
// through a shared document store.
//
// Each client owns one document. It mutates the document locally, pushes it,
// and waits until a condition holds for the session, all clients of the
// session, or its current partners. Waiting follows the store's change feed;
// there are no direct connections between clients.
//
// A Connection runs one Wait at a time and is not safe for concurrent use.
package groupsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"

	"groupsync/changefeed"
	"groupsync/docstore"
	"groupsync/grouping"
	"groupsync/internal/core"
	"groupsync/model"
	"groupsync/replace"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// OfflineID is the session and client id used in offline mode.
const OfflineID = "offline"

// Connection is one client's handle on a session.
type Connection struct {
	store     docstore.Store
	ownsStore bool
	cfg       Config
	session   string
	doc       *model.ClientDocument
	pushed    []byte
	groups    *grouping.Manager
	consumer  *changefeed.Consumer
	logger    *zap.Logger
}

type connectOptions struct {
	logger  *zap.Logger
	session string
}

// ConnectOption configures Connect and Dial.
type ConnectOption func(*connectOptions)

// WithLogger sets the connection logger. The default is the shared core logger.
func WithLogger(logger *zap.Logger) ConnectOption {
	return func(o *connectOptions) {
		o.logger = logger
	}
}

// WithSession joins the given session instead of the newest open one.
func WithSession(id string) ConnectOption {
	return func(o *connectOptions) {
		o.session = id
	}
}

// Dial opens the store named by cfg.ServerURI and connects to it. The
// connection closes the store on Close. Offline configurations open nothing.
func Dial(ctx context.Context, cfg Config, opts ...ConnectOption) (*Connection, error) {
	if cfg.Offline {
		return Connect(ctx, nil, cfg, opts...)
	}

	if cfg.ServerURI == "" {
		return nil, errors.New("server uri is required unless offline")
	}

	o := applyConnectOptions(opts)
	store, err := OpenStore(ctx, cfg.ServerURI, cfg.Database, o.logger)
	if err != nil {
		return nil, err
	}

	conn, err := Connect(ctx, store, cfg, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	conn.ownsStore = true
	return conn, nil
}

// Connect joins a session on store and pushes a fresh client document. Unless
// WithSession is given, the newest open session is joined; ErrNoOpenSession
// is returned when there is none. In offline mode store may be nil.
func Connect(ctx context.Context, store docstore.Store, cfg Config, opts ...ConnectOption) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Offline && store == nil {
		return nil, errors.New("store is required unless offline")
	}

	o := applyConnectOptions(opts)
	c := &Connection{
		store:  store,
		cfg:    cfg,
		logger: o.logger,
	}

	var groupOpts []grouping.Option
	groupOpts = append(groupOpts, grouping.WithLogger(c.logger))
	if cfg.Offline {
		groupOpts = append(groupOpts, grouping.Offline())
	}
	c.groups = grouping.NewManager(cfg.GroupSize, cfg.GroupingsNeeded, cfg.Roles, groupOpts...)

	switch {
	case cfg.Offline:
		c.session = OfflineID
		if len(cfg.Roles) > 0 {
			c.logger.Warn("Roles are used in offline mode; every partner is the client itself, " +
				"consider simulating a full group or passing dummies to Get")
		}
	case o.session != "":
		c.session = o.session
	default:
		session, err := latestSession(ctx, store)
		if err != nil {
			return nil, err
		}
		c.session = session
	}

	data := make(map[string]any, len(cfg.InitialData))
	if err := copier.Copy(&data, cfg.InitialData); err != nil {
		return nil, fmt.Errorf("failed to copy initial data: %w", err)
	}
	c.doc = model.NewClientDocument(c.session, cfg.Group, cfg.ClientName, data, cfg.DesignRecord())
	if cfg.Offline {
		c.doc.ID = OfflineID
	} else {
		consumerOpts := []changefeed.Option{changefeed.WithLogger(c.logger)}
		if cfg.ReconnectAttempts > 0 {
			consumerOpts = append(consumerOpts, changefeed.WithReconnect(cfg.ReconnectAttempts, cfg.ReconnectDelay))
		}
		c.consumer = changefeed.NewConsumer(store, consumerOpts...)
	}

	if err := c.Push(ctx); err != nil {
		return nil, fmt.Errorf("failed to push client document: %w", err)
	}

	c.logger = c.logger.With(zap.String("session_id", c.session), zap.String("client_id", c.ID()))
	c.logger.Info("Connected",
		zap.String("design", cfg.Design),
		zap.Int("group_size", cfg.GroupSize),
		zap.Bool("offline", cfg.Offline))

	return c, nil
}

func applyConnectOptions(opts []ConnectOption) connectOptions {
	o := connectOptions{logger: core.GetLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func latestSession(ctx context.Context, store docstore.Store) (string, error) {
	rows, err := store.Query(ctx, docstore.ViewOpenSessions, docstore.QueryParams{Descending: true, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("failed to query open sessions: %w", err)
	}
	if len(rows) == 0 {
		return "", ErrNoOpenSession
	}
	return rows[0].ID, nil
}

// Close releases the store when the connection opened it.
func (c *Connection) Close() error {
	if c.ownsStore && c.store != nil {
		return c.store.Close()
	}
	return nil
}

// ID returns the client document id, assigned on the first push.
func (c *Connection) ID() string {
	return c.doc.ID
}

// Rev returns the revision of the last push.
func (c *Connection) Rev() string {
	return c.doc.Rev
}

// Session returns the id of the joined session.
func (c *Connection) Session() string {
	return c.session
}

// Offline reports whether the connection runs without a store.
func (c *Connection) Offline() bool {
	return c.cfg.Offline
}

// Data returns the client's data payload. Changes are local until Push.
func (c *Connection) Data() map[string]any {
	return c.doc.Data
}

// Document returns the local client document.
func (c *Connection) Document() *model.ClientDocument {
	return c.doc
}

// Store returns the underlying store, nil in offline mode.
func (c *Connection) Store() docstore.Store {
	return c.store
}

// Pending returns a JSON merge patch of local changes not yet pushed, or nil
// when there are none.
func (c *Connection) Pending() ([]byte, error) {
	current, err := json.Marshal(c.doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client document: %w", err)
	}
	if c.pushed == nil {
		return current, nil
	}
	if jsonpatch.Equal(c.pushed, current) {
		return nil, nil
	}
	patch, err := jsonpatch.CreateMergePatch(c.pushed, current)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge patch: %w", err)
	}
	return patch, nil
}

// Push saves the local document. The store assigns the id on the first push
// and a new revision and timestamp on every push. A stale revision fails with
// an error matching ErrConflict; call Refresh and retry. Offline, Push does
// nothing.
func (c *Connection) Push(ctx context.Context) error {
	if c.cfg.Offline {
		return nil
	}

	if ce := c.logger.Check(zap.DebugLevel, "Pushing client document"); ce != nil {
		patch, err := c.Pending()
		if err != nil {
			c.logger.Warn("Failed to compute pending changes", zap.Error(err))
		}
		ce.Write(zap.ByteString("patch", patch))
	}

	doc, err := c.doc.Document()
	if err != nil {
		return err
	}
	saved, err := c.store.Save(ctx, doc)
	if err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			c.logger.Warn("Push rejected, local revision is stale",
				zap.String("rev", c.doc.Rev), zap.Error(err))
		}
		return err
	}

	c.doc.ID = saved.ID()
	c.doc.Rev = saved.Rev()
	if ts, ok := saved.Float(docstore.KeyTimestamp); ok {
		c.doc.Timestamp = ts
	}
	c.markPushed()
	return nil
}

// Refresh replaces the local document with the stored one, discarding
// unpushed changes.
func (c *Connection) Refresh(ctx context.Context) error {
	if c.cfg.Offline {
		return nil
	}

	doc, err := c.store.Fetch(ctx, c.doc.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh client %s: %w", c.doc.ID, err)
	}
	client, err := model.ClientFromDocument(doc)
	if err != nil {
		return err
	}
	c.doc = client
	c.markPushed()
	return nil
}

func (c *Connection) markPushed() {
	pushed, err := json.Marshal(c.doc)
	if err != nil {
		c.pushed = nil
		return
	}
	c.pushed = pushed
}

type getOptions struct {
	replacements bool
	dummy        docstore.Document
	dummies      []docstore.Document
}

// GetOption configures Get.
type GetOption func(*getOptions)

// WithoutReplacements fetches the id as given, ignoring the session's
// replacement mapping.
func WithoutReplacements() GetOption {
	return func(o *getOptions) {
		o.replacements = false
	}
}

// OfflineDummy is returned by Get in offline mode.
func OfflineDummy(doc docstore.Document) GetOption {
	return func(o *getOptions) {
		o.dummy = doc
	}
}

// OfflineDummies makes Get return a random one of docs in offline mode.
func OfflineDummies(docs ...docstore.Document) GetOption {
	return func(o *getOptions) {
		o.dummies = docs
	}
}

// Get fetches a document, following the replacement mapping unless
// WithoutReplacements is given. Offline, it returns the configured dummy, a
// random one of the configured dummies, or the client's own document.
func (c *Connection) Get(ctx context.Context, id string, opts ...GetOption) (docstore.Document, error) {
	o := getOptions{replacements: true}
	for _, opt := range opts {
		opt(&o)
	}

	if c.cfg.Offline {
		switch {
		case o.dummy != nil:
			return o.dummy, nil
		case len(o.dummies) > 0:
			return o.dummies[rand.IntN(len(o.dummies))], nil
		}
		return c.doc.Document()
	}

	path := id
	if o.replacements {
		mapping, err := c.Replacements(ctx)
		if err != nil {
			return nil, err
		}
		if target, ok := mapping[id]; ok {
			path = target
		}
	}

	doc, err := c.store.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Replacements returns the session's replacement mapping flattened so every
// key maps to the end of its chain. It is empty offline or when
// replacements are disabled.
func (c *Connection) Replacements(ctx context.Context) (replace.Mapping, error) {
	resolver, err := c.resolver(ctx)
	if err != nil {
		return nil, err
	}
	return resolver.Flatten()
}

func (c *Connection) resolver(ctx context.Context) (*replace.Resolver, error) {
	if c.cfg.Offline || !c.cfg.Replacements {
		return replace.Disabled(), nil
	}
	session, err := c.sessionDocument(ctx)
	if err != nil {
		return nil, err
	}
	return replace.New(session.Replace, replace.WithMaxHops(c.cfg.MaxReplacementHops)), nil
}

// sessionDocument fetches the session fresh; it is never cached across calls.
// Offline it returns nil.
func (c *Connection) sessionDocument(ctx context.Context) (*model.Session, error) {
	if c.cfg.Offline {
		return nil, nil
	}
	doc, err := c.store.Fetch(ctx, c.session)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session %s: %w", c.session, err)
	}
	return model.SessionFromDocument(doc)
}
