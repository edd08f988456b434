// Package grouping derives partners and roles for one client from the
// session's sequence of groupings, selected by a cursor.
package grouping

import (
	"errors"
	"fmt"

	"groupsync/model"

	"go.uber.org/zap"
)

var (
	// ErrGroupingOutOfRange is returned when the cursor points past the
	// groupings or roles the session defines.
	ErrGroupingOutOfRange = errors.New("grouping index out of range")

	// ErrNotInGrouping is returned when a client has no entry in the current grouping
	ErrNotInGrouping = errors.New("client not in grouping")

	// ErrNoSession is returned when a lookup needs a session document but got none
	ErrNoSession = errors.New("no session document")
)

// Manager tracks the active grouping for one client. It is not safe for
// concurrent use.
type Manager struct {
	cursor          int
	groupSize       int
	groupingsNeeded int
	roles           []string
	offline         bool
	logger          *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Offline makes the manager partner the client with itself.
func Offline() Option {
	return func(m *Manager) {
		m.offline = true
	}
}

// NewManager creates a manager starting at the first grouping. roles is the
// role list configured for the design; nil means the design has no roles.
func NewManager(groupSize, groupingsNeeded int, roles []string, opts ...Option) *Manager {
	m := &Manager{
		groupSize:       groupSize,
		groupingsNeeded: groupingsNeeded,
		roles:           roles,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cursor returns the index of the active grouping.
func (m *Manager) Cursor() int {
	return m.cursor
}

// IsOffline reports whether the manager runs in self-play mode.
func (m *Manager) IsOffline() bool {
	return m.offline
}

// HasRoles reports whether roles were configured.
func (m *Manager) HasRoles() bool {
	return m.roles != nil
}

// CurrentPartners returns the partners of clientID in the active grouping.
// Offline, the client is its own partner groupSize-1 times.
func (m *Manager) CurrentPartners(session *model.Session, clientID string) ([]string, error) {
	if m.offline {
		return m.selfPartners(clientID), nil
	}
	if session == nil {
		return nil, ErrNoSession
	}
	if m.cursor < 0 || m.cursor >= len(session.Groupings) {
		return nil, fmt.Errorf("%w: grouping %d of %d in session %s",
			ErrGroupingOutOfRange, m.cursor, len(session.Groupings), session.ID)
	}
	partners, ok := session.Groupings[m.cursor][clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in grouping %d", ErrNotInGrouping, clientID, m.cursor)
	}
	out := make([]string, len(partners))
	copy(out, partners)
	return out, nil
}

// CurrentRole returns the role of playerID in the active grouping, or "" when
// the design has no roles. Offline, the role is fixed: the second configured
// role if there is one, else the first.
func (m *Manager) CurrentRole(session *model.Session, playerID string) (string, error) {
	if m.roles == nil {
		return "", nil
	}
	if m.offline {
		return m.offlineRole(), nil
	}
	if session == nil {
		return "", ErrNoSession
	}
	if m.cursor < 0 || m.cursor >= len(session.Roles) {
		return "", fmt.Errorf("%w: roles %d of %d in session %s",
			ErrGroupingOutOfRange, m.cursor, len(session.Roles), session.ID)
	}
	role, ok := session.Roles[m.cursor][playerID]
	if !ok {
		return "", fmt.Errorf("%w: no role for %s in grouping %d", ErrNotInGrouping, playerID, m.cursor)
	}
	return role, nil
}

// CurrentPartnerRoles maps each current partner of clientID to its role.
// Offline, partners are paired with the configured roles after the first.
func (m *Manager) CurrentPartnerRoles(session *model.Session, clientID string) (map[string]string, error) {
	partners, err := m.CurrentPartners(session, clientID)
	if err != nil {
		return nil, err
	}

	roles := make(map[string]string, len(partners))
	if m.offline {
		var rest []string
		if len(m.roles) > 1 {
			rest = m.roles[1:]
		}
		for i, partner := range partners {
			if i >= len(rest) {
				break
			}
			roles[partner] = rest[i]
		}
		return roles, nil
	}

	for _, partner := range partners {
		role, err := m.CurrentRole(session, partner)
		if err != nil {
			return nil, err
		}
		roles[partner] = role
	}
	return roles, nil
}

// Advance moves to the next grouping and returns the new cursor. With
// allowRollover the cursor wraps modulo the number of groupings needed;
// without it the cursor may leave the range, which the next lookup reports.
// Offline, the cursor never moves.
func (m *Manager) Advance(allowRollover bool) int {
	if m.offline {
		return m.cursor
	}
	m.cursor++
	if allowRollover && m.groupingsNeeded > 0 {
		m.cursor %= m.groupingsNeeded
	}
	m.logger.Debug("Grouping advanced",
		zap.Int("cursor", m.cursor),
		zap.Bool("rollover", allowRollover))
	return m.cursor
}

// Reassign advances the cursor and returns the partners in the new grouping.
func (m *Manager) Reassign(session *model.Session, clientID string, allowRollover bool) ([]string, error) {
	m.Advance(allowRollover)
	return m.CurrentPartners(session, clientID)
}

func (m *Manager) selfPartners(clientID string) []string {
	n := m.groupSize - 1
	if n < 0 {
		n = 0
	}
	partners := make([]string, n)
	for i := range partners {
		partners[i] = clientID
	}
	return partners
}

func (m *Manager) offlineRole() string {
	switch len(m.roles) {
	case 0:
		return ""
	case 1:
		return m.roles[0]
	}
	return m.roles[1]
}
