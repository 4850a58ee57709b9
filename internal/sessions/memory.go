package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/valet/pkg/models"
)

// DefaultMaxMessages caps retained history per session. Older messages
// are trimmed first; the window and compactor bound what the model sees
// long before this limit matters.
const DefaultMaxMessages = 1000

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithMaxMessages overrides the per-session history cap.
func WithMaxMessages(n int) Option {
	return func(m *MemoryStore) {
		if n > 0 {
			m.maxMessages = n
		}
	}
}

// WithClock injects the clock. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryStore) { m.now = now }
}

// MemoryStore is the in-memory Store implementation. All returned
// sessions and messages are deep copies.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	messages    map[string][]*models.Message
	maxMessages int
	now         func() time.Time
}

// NewMemoryStore builds an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	m := &MemoryStore{
		sessions:    map[string]*models.Session{},
		messages:    map[string][]*models.Message{},
		maxMessages: DefaultMaxMessages,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Create(_ context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("sessions: session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Status == "" {
		clone.Status = models.SessionActive
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = m.now().UTC()
	}
	clone.UpdatedAt = clone.CreatedAt

	m.sessions[clone.ID] = clone

	session.ID = clone.ID
	session.Status = clone.Status
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Update(_ context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("sessions: session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneSession(session)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = m.now().UTC()
	m.sessions[clone.ID] = clone

	session.UpdatedAt = clone.UpdatedAt
	return nil
}

func (m *MemoryStore) GetOrCreate(_ context.Context, id string, source models.SessionSource) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if session, ok := m.sessions[id]; ok {
			return cloneSession(session), nil
		}
	}

	now := m.now().UTC()
	session := &models.Session{
		ID:        id,
		Source:    source,
		Status:    models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	m.sessions[session.ID] = session
	return cloneSession(session), nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("sessions: message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.Status == models.SessionEnded {
		return ErrEnded
	}

	clone := cloneMessage(msg)
	clone.SessionID = sessionID
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = m.now().UTC()
	}
	m.messages[sessionID] = append(m.messages[sessionID], clone)

	if excess := len(m.messages[sessionID]) - m.maxMessages; excess > 0 {
		m.messages[sessionID] = m.messages[sessionID][excess:]
	}

	msg.ID = clone.ID
	msg.SessionID = clone.SessionID
	msg.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) History(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	messages := m.messages[sessionID]
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) ReplaceHistory(_ context.Context, sessionID string, msgs []*models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	replaced := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		clone := cloneMessage(msg)
		clone.SessionID = sessionID
		if clone.ID == "" {
			clone.ID = uuid.NewString()
		}
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = m.now().UTC()
		}
		replaced = append(replaced, clone)
	}
	if excess := len(replaced) - m.maxMessages; excess > 0 {
		replaced = replaced[excess:]
	}
	m.messages[sessionID] = replaced
	session.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) End(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if session.Status == models.SessionEnded {
		return nil
	}
	session.Status = models.SessionEnded
	session.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Metadata != nil {
		clone.Metadata = deepCloneMap(session.Metadata)
	}
	if session.EnabledSkills != nil {
		clone.EnabledSkills = append([]string{}, session.EnabledSkills...)
	}
	clone.PendingToolCall = cloneToolCall(session.PendingToolCall)
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = deepCloneMap(msg.Metadata)
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		for i, call := range msg.ToolCalls {
			clone.ToolCalls[i] = *cloneToolCall(&call)
		}
	}
	if msg.Success != nil {
		success := *msg.Success
		clone.Success = &success
	}
	return &clone
}

func cloneToolCall(call *models.ToolCall) *models.ToolCall {
	if call == nil {
		return nil
	}
	clone := *call
	if call.Arguments != nil {
		clone.Arguments = deepCloneMap(call.Arguments)
	}
	return &clone
}

// deepCloneMap copies a metadata map so callers cannot reach stored
// state through shared references.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}
