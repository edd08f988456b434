// Package couchstore implements docstore.Store on a CouchDB database that has
// the psynteract design document installed: the open_sessions and
// session_clients views, the clients changes filter and the add_timestamp
// update handler.
package couchstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"groupsync/docstore"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultDesign is the design document holding the protocol's views,
// filter and update handler.
const DefaultDesign = "psynteract"

// UpdateHandler stamps the server time on every write.
const UpdateHandler = "add_timestamp"

// Store implements docstore.Store over the CouchDB HTTP API.
type Store struct {
	baseURL *url.URL
	design  string
	client  *retryablehttp.Client
	stream  *retryablehttp.Client
	logger  *zap.Logger

	useUpdateHandler bool
	now              func() time.Time

	mu     sync.Mutex
	closed bool
}

var _ docstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger, also used for request retries.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger == nil {
			return
		}
		s.logger = logger
		s.client.Logger = &retryableHTTPLogger{inner: logger}
		s.stream.Logger = &retryableHTTPLogger{inner: logger}
		s.client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
			logger.Debug("Response received",
				zap.Stringer("url", resp.Request.URL),
				zap.Int("status", resp.StatusCode))
		}
	}
}

// WithDesign overrides DefaultDesign.
func WithDesign(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.design = name
		}
	}
}

// WithRetries sets how often failed requests are retried and the delay bounds.
func WithRetries(max int, minWait, maxWait time.Duration) Option {
	return func(s *Store) {
		for _, c := range []*retryablehttp.Client{s.client, s.stream} {
			c.RetryMax = max
			c.RetryWaitMin = minWait
			c.RetryWaitMax = maxWait
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client for every request.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Store) {
		s.client.HTTPClient = client
		s.stream.HTTPClient = client
	}
}

// WithoutUpdateHandler writes documents directly and stamps the timestamp on
// the client, for databases without the design document's update handler.
func WithoutUpdateHandler() Option {
	return func(s *Store) {
		s.useUpdateHandler = false
	}
}

// Open returns a store on database at serverURL and checks that the database
// is reachable.
func Open(ctx context.Context, serverURL, database string, opts ...Option) (*Store, error) {
	s, err := New(serverURL, database, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := s.UpdateSeq(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", database, err)
	}
	return s, nil
}

// New returns a store on database at serverURL without contacting the server.
func New(serverURL, database string, opts ...Option) (*Store, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if base.Scheme == "" {
		base.Scheme = "http"
	}
	if database == "" {
		return nil, errors.New("database name is required")
	}
	base = base.JoinPath(database)

	s := &Store{
		baseURL: base,
		design:  DefaultDesign,
		client: &retryablehttp.Client{
			HTTPClient:   &http.Client{Timeout: 30 * time.Second},
			RetryMax:     3,
			RetryWaitMin: 100 * time.Millisecond,
			RetryWaitMax: time.Second,
			Backoff:      retryablehttp.LinearJitterBackoff,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
		},
		stream: &retryablehttp.Client{
			// continuous feeds stay open; the request context bounds them
			HTTPClient:   &http.Client{},
			RetryMax:     3,
			RetryWaitMin: 100 * time.Millisecond,
			RetryWaitMax: time.Second,
			Backoff:      retryablehttp.LinearJitterBackoff,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
		},
		logger:           zap.NewNop(),
		useUpdateHandler: true,
		now:              time.Now,
	}
	s.client.Logger = &retryableHTTPLogger{inner: s.logger}
	s.stream.Logger = &retryableHTTPLogger{inner: s.logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Fetch retrieves a document by id.
func (s *Store) Fetch(ctx context.Context, id string) (docstore.Document, error) {
	var doc docstore.Document
	status, err := s.req(ctx, http.MethodGet, []string{id}, nil, nil, &doc)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
		}
		return nil, err
	}
	return doc, nil
}

// Save writes doc through the update handler, which assigns the id on
// creation and stamps the server time. The new id and revision come back in
// the X-Couch-Id and X-Couch-Update-NewRev headers.
func (s *Store) Save(ctx context.Context, doc docstore.Document) (docstore.Document, error) {
	if doc == nil {
		return nil, docstore.ErrInvalidDocument
	}
	stored, err := docstore.Normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", docstore.ErrInvalidDocument, err)
	}
	if !s.useUpdateHandler {
		return s.saveDirect(ctx, stored)
	}

	id := stored.ID()
	method := http.MethodPut
	path := []string{"_design", s.design, "_update", UpdateHandler, id}
	if id == "" {
		method = http.MethodPost
		path = path[:len(path)-1]
	}

	header := http.Header{}
	status, err := s.req(ctx, method, path, stored, header, nil)
	if err != nil {
		if status == http.StatusConflict {
			return nil, docstore.NewRevisionError(id, stored.Rev(), s.storedRev(ctx, id))
		}
		return nil, err
	}

	if id == "" {
		id = header.Get("X-Couch-Id")
	}
	rev := header.Get("X-Couch-Update-NewRev")
	if id == "" || rev == "" {
		return nil, fmt.Errorf("update handler response lacks id or revision headers")
	}
	stored[docstore.KeyID] = id
	stored[docstore.KeyRev] = rev

	s.logger.Debug("Document saved", zap.String("document_id", id), zap.String("rev", rev))
	return stored, nil
}

func (s *Store) saveDirect(ctx context.Context, stored docstore.Document) (docstore.Document, error) {
	stored[docstore.KeyTimestamp] = float64(s.now().UnixMilli())

	var result struct {
		ID  string `json:"id"`
		Rev string `json:"rev"`
	}
	id := stored.ID()
	method, path := http.MethodPut, []string{id}
	if id == "" {
		method, path = http.MethodPost, nil
	}
	status, err := s.req(ctx, method, path, stored, nil, &result)
	if err != nil {
		if status == http.StatusConflict {
			return nil, docstore.NewRevisionError(id, stored.Rev(), s.storedRev(ctx, id))
		}
		return nil, err
	}
	stored[docstore.KeyID] = result.ID
	stored[docstore.KeyRev] = result.Rev
	return stored, nil
}

func (s *Store) storedRev(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	doc, err := s.Fetch(ctx, id)
	if err != nil {
		return ""
	}
	return doc.Rev()
}

type viewResult struct {
	Rows []struct {
		ID  string            `json:"id"`
		Doc docstore.Document `json:"doc"`
	} `json:"rows"`
}

// Query runs one of the design document's views with include_docs.
func (s *Store) Query(ctx context.Context, view string, params docstore.QueryParams) ([]docstore.Row, error) {
	switch view {
	case docstore.ViewOpenSessions, docstore.ViewSessionClients:
	default:
		return nil, fmt.Errorf("%w: %s", docstore.ErrUnknownView, view)
	}

	query := url.Values{}
	query.Set("include_docs", "true")
	if params.Descending {
		query.Set("descending", "true")
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Key != "" {
		key, err := json.Marshal(params.Key)
		if err != nil {
			return nil, err
		}
		query.Set("key", string(key))
	}

	var result viewResult
	if _, err := s.reqQuery(ctx, http.MethodGet, []string{"_design", s.design, "_view", view}, query, nil, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", view, err)
	}

	rows := make([]docstore.Row, 0, len(result.Rows))
	for _, r := range result.Rows {
		rows = append(rows, docstore.Row{ID: r.ID, Doc: r.Doc})
	}
	return rows, nil
}

// UpdateSeq returns the database's current update sequence.
func (s *Store) UpdateSeq(ctx context.Context) (string, error) {
	var info struct {
		UpdateSeq json.RawMessage `json:"update_seq"`
	}
	if _, err := s.req(ctx, http.MethodGet, nil, nil, nil, &info); err != nil {
		return "", err
	}
	return seqString(info.UpdateSeq), nil
}

// Subscribe opens a continuous _changes feed through the design document's
// clients filter.
func (s *Store) Subscribe(ctx context.Context, req docstore.FeedRequest) (docstore.Feed, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}

	query := url.Values{}
	query.Set("feed", "continuous")
	query.Set("include_docs", "true")
	filter := req.Filter
	if filter == "" {
		filter = docstore.FilterClients
	}
	query.Set("filter", s.design+"/"+filter)
	if req.Session != "" {
		query.Set("session", req.Session)
	}
	if req.Type != "" {
		query.Set("type", req.Type)
	}
	if req.Since != "" {
		query.Set("since", req.Since)
	} else {
		query.Set("since", "now")
	}
	if req.Heartbeat > 0 {
		query.Set("heartbeat", strconv.FormatInt(req.Heartbeat.Milliseconds(), 10))
	}
	if req.Timeout > 0 {
		query.Set("timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))
	}

	u := s.baseURL.JoinPath("_changes")
	u.RawQuery = query.Encode()

	feedCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	httpReq, err := retryablehttp.NewRequestWithContext(feedCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	resp, err := s.stream.Do(httpReq)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("doing request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("changes feed: status code: %s, body: %s", resp.Status, string(data))
	}

	s.logger.Debug("Changes feed opened",
		zap.String("session_id", req.Session),
		zap.String("type", req.Type),
		zap.String("since", query.Get("since")))

	return newFeed(resp.Body, cancel, s.logger), nil
}

// Close marks the store closed. Open feeds stay usable until closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) req(ctx context.Context, method string, path []string, body any, header http.Header, out any) (int, error) {
	return s.reqQuery(ctx, method, path, nil, body, header, out)
}

// reqQuery performs one JSON request. Response headers are copied into
// header when it is non-nil. The status code is returned even on error.
func (s *Store) reqQuery(ctx context.Context, method string, path []string, query url.Values, body any, header http.Header, out any) (int, error) {
	if s.isClosed() {
		return 0, docstore.ErrClosed
	}

	var reqBody []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = data
	}

	u := s.baseURL.JoinPath(path...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var rawBody any
	if reqBody != nil {
		rawBody = bytes.NewReader(reqBody)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), rawBody)
	if err != nil {
		return 0, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("doing request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, fmt.Errorf("reading response body (%w)", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		s.logger.Debug("CouchDB request failed",
			zap.String("method", method),
			zap.String("status", res.Status),
			zap.String("body", string(data)))
		return res.StatusCode, fmt.Errorf("unexpected status code: %s, body: %s", res.Status, string(data))
	}

	for k, v := range res.Header {
		if header != nil {
			header[k] = v
		}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return res.StatusCode, fmt.Errorf("decoding response body: %w", err)
		}
	}
	return res.StatusCode, nil
}

// seqString renders a sequence, which is a number on CouchDB 1.x and an
// opaque string from 2.0 on.
func seqString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// retryableHTTPLogger adapts zap.Logger to retryablehttp.LeveledLogger.
type retryableHTTPLogger struct {
	inner *zap.Logger
}

func (r retryableHTTPLogger) Error(format string, args ...any) {
	r.inner.Sugar().Errorw(format, args...)
}

func (r retryableHTTPLogger) Info(format string, args ...any) {
	r.inner.Sugar().Infow(format, args...)
}

func (r retryableHTTPLogger) Warn(format string, args ...any) {
	r.inner.Sugar().Warnw(format, args...)
}

func (r retryableHTTPLogger) Debug(format string, args ...any) {
	r.inner.Sugar().Debugw(format, args...)
}
