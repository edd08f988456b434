package groupsync

import (
	"context"

	"go.uber.org/zap"
)

// GroupingCursor returns the index of the active grouping.
func (c *Connection) GroupingCursor() int {
	return c.groups.Cursor()
}

// CurrentPartners returns the client's partners in the active grouping,
// read from a fresh copy of the session.
func (c *Connection) CurrentPartners(ctx context.Context) ([]string, error) {
	session, err := c.sessionDocument(ctx)
	if err != nil {
		return nil, err
	}
	return c.groups.CurrentPartners(session, c.ID())
}

// CurrentRole returns the client's own role, or "" when the design has no roles.
func (c *Connection) CurrentRole(ctx context.Context) (string, error) {
	return c.Role(ctx, c.ID())
}

// Role returns the role of any player in the active grouping, or "" when the
// design has no roles.
func (c *Connection) Role(ctx context.Context, playerID string) (string, error) {
	if !c.groups.HasRoles() {
		return "", nil
	}
	session, err := c.sessionDocument(ctx)
	if err != nil {
		return "", err
	}
	return c.groups.CurrentRole(session, playerID)
}

// CurrentPartnerRoles maps each current partner to its role.
func (c *Connection) CurrentPartnerRoles(ctx context.Context) (map[string]string, error) {
	session, err := c.sessionDocument(ctx)
	if err != nil {
		return nil, err
	}
	return c.groups.CurrentPartnerRoles(session, c.ID())
}

// ReassignGrouping moves to the next grouping and returns the new partners.
// With allowRollover the cursor wraps after the last grouping needed;
// without it, moving past the end makes lookups fail with
// ErrGroupingOutOfRange. Offline, the grouping never changes.
func (c *Connection) ReassignGrouping(ctx context.Context, allowRollover bool) ([]string, error) {
	cursor := c.groups.Advance(allowRollover)
	c.logger.Info("Grouping reassigned", zap.Int("cursor", cursor))
	return c.CurrentPartners(ctx)
}
