// Package usecase holds the experimenter side of a session: opening it,
// assigning groupings and roles once clients have joined, recording
// replacements and closing it. Clients never call these; the drivers use them
// to run complete sessions in one process.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupsync/docstore"
	"groupsync/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// createdLayout has a fixed width so creation times sort as strings.
const createdLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	// ErrNoClients is returned when a session is started before any client joined.
	ErrNoClients = errors.New("no clients in session")

	// ErrInvalidDesign is returned for a non-positive group size or groupings count.
	ErrInvalidDesign = errors.New("invalid design")
)

// SessionUseCase manages session documents on a store.
type SessionUseCase struct {
	store  docstore.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewSessionUseCase creates a new session use case
func NewSessionUseCase(store docstore.Store, logger *zap.Logger) *SessionUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionUseCase{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Create opens a new session for clients to join. An empty id is replaced by
// a generated one.
func (uc *SessionUseCase) Create(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	session := &model.Session{
		ID:        id,
		Type:      docstore.TypeSession,
		Status:    model.StatusOpen,
		Created:   uc.now().UTC().Format(createdLayout),
		Groupings: []map[string][]string{},
		Roles:     []map[string]string{},
		Replace:   map[string]string{},
	}
	if err := uc.save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	uc.logger.Info("Session created", zap.String("session_id", id))
	return session, nil
}

// Get retrieves a session by ID
func (uc *SessionUseCase) Get(ctx context.Context, id string) (*model.Session, error) {
	doc, err := uc.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.SessionFromDocument(doc)
}

// List returns the open sessions, newest first.
func (uc *SessionUseCase) List(ctx context.Context) ([]*model.Session, error) {
	rows, err := uc.store.Query(ctx, docstore.ViewOpenSessions, docstore.QueryParams{Descending: true})
	if err != nil {
		return nil, err
	}
	sessions := make([]*model.Session, 0, len(rows))
	for _, row := range rows {
		s, err := model.SessionFromDocument(row.Doc)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Start partitions the joined clients into groups of groupSize for each of
// groupingsNeeded groupings, assigns roles by position within each group and
// sets the session running. Grouping g rotates the client order by g places,
// so consecutive groupings pair different clients. A last group may be short.
func (uc *SessionUseCase) Start(ctx context.Context, id string, groupSize, groupingsNeeded int, roles []string) (*model.Session, error) {
	if groupSize < 1 || groupingsNeeded < 1 {
		return nil, fmt.Errorf("%w: group size %d, groupings %d", ErrInvalidDesign, groupSize, groupingsNeeded)
	}

	session, err := uc.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	rows, err := uc.store.Query(ctx, docstore.ViewSessionClients, docstore.QueryParams{Key: id})
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoClients
	}
	clients := make([]string, len(rows))
	for i, row := range rows {
		clients[i] = row.ID
	}

	session.Groupings = make([]map[string][]string, groupingsNeeded)
	session.Roles = make([]map[string]string, groupingsNeeded)
	for g := 0; g < groupingsNeeded; g++ {
		order := rotate(clients, g)
		session.Groupings[g] = partition(order, groupSize)
		if len(roles) > 0 {
			session.Roles[g] = assignRoles(order, groupSize, roles)
		}
	}
	session.Status = model.StatusRunning

	if err := uc.save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	uc.logger.Info("Session started",
		zap.String("session_id", id),
		zap.Int("clients", len(clients)),
		zap.Int("groupings", groupingsNeeded))
	return session, nil
}

// Replace records that client from has been replaced by client to.
func (uc *SessionUseCase) Replace(ctx context.Context, id, from, to string) (*model.Session, error) {
	session, err := uc.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.Replace == nil {
		session.Replace = map[string]string{}
	}
	session.Replace[from] = to

	if err := uc.save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to record replacement: %w", err)
	}
	uc.logger.Info("Client replaced",
		zap.String("session_id", id),
		zap.String("client_id", from),
		zap.String("replacement", to))
	return session, nil
}

// Close closes a session to new clients.
func (uc *SessionUseCase) Close(ctx context.Context, id string) error {
	session, err := uc.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	session.Status = model.StatusClosed
	if err := uc.save(ctx, session); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

func (uc *SessionUseCase) save(ctx context.Context, session *model.Session) error {
	doc, err := session.Document()
	if err != nil {
		return err
	}
	saved, err := uc.store.Save(ctx, doc)
	if err != nil {
		return err
	}
	session.Rev = saved.Rev()
	return nil
}

func rotate(ids []string, n int) []string {
	out := make([]string, len(ids))
	for i := range ids {
		out[i] = ids[(i+n)%len(ids)]
	}
	return out
}

// partition maps every client to the other members of its group.
func partition(order []string, groupSize int) map[string][]string {
	grouping := make(map[string][]string, len(order))
	for start := 0; start < len(order); start += groupSize {
		end := min(start+groupSize, len(order))
		group := order[start:end]
		for _, id := range group {
			partners := make([]string, 0, len(group)-1)
			for _, other := range group {
				if other != id {
					partners = append(partners, other)
				}
			}
			grouping[id] = partners
		}
	}
	return grouping
}

func assignRoles(order []string, groupSize int, roles []string) map[string]string {
	assigned := make(map[string]string, len(order))
	for i, id := range order {
		assigned[id] = roles[(i%groupSize)%len(roles)]
	}
	return assigned
}
