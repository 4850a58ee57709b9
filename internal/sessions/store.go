// Package sessions persists conversation state and message history.
//
// A session is the unit of isolation: one conversation, one routing
// override, one pending tool call at most. The runtime treats the store
// as the source of truth and keeps no history of its own.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/valet/pkg/models"
)

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("sessions: not found")

	// ErrEnded is returned when appending to an ended session.
	ErrEnded = errors.New("sessions: session ended")
)

// Store is the session persistence interface. Implementations return
// defensive copies: callers may mutate whatever they get back without
// affecting stored state until they Update.
type Store interface {
	// Create stores a new session, assigning an ID and timestamps when
	// absent. Generated fields are reflected back onto the argument.
	Create(ctx context.Context, session *models.Session) error

	// Get returns a copy of the session.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Update replaces the stored session. CreatedAt is preserved.
	Update(ctx context.Context, session *models.Session) error

	// GetOrCreate returns the existing session or creates an active one
	// with the given ID (a fresh ID when empty) and source.
	GetOrCreate(ctx context.Context, id string, source models.SessionSource) (*models.Session, error)

	// AppendMessage adds a message to the session history, assigning an
	// ID and timestamp when absent.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// History returns the most recent limit messages in chronological
	// order. limit <= 0 returns everything retained.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// ReplaceHistory substitutes the session's entire message history,
	// the operation compaction uses to fold the old prefix into a
	// summary head.
	ReplaceHistory(ctx context.Context, sessionID string, msgs []*models.Message) error

	// End marks the session ended. Ending an ended session is a no-op.
	End(ctx context.Context, id string) error

	// List returns all sessions, most recently updated first.
	List(ctx context.Context) ([]*models.Session, error)
}
