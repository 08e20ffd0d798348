package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// Session is one before/after capture exchange
type Session struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	Before    *models.ImageRecord `json:"before,omitempty"`
	After     *models.ImageRecord `json:"after,omitempty"`
}

// Ready reports whether both captures are present
func (s *Session) Ready() bool {
	return s.Before != nil && s.After != nil
}

// Manager keeps capture sessions in memory. Sessions are short lived: a lost
// session only means the user takes the photos again.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager creates an empty session manager
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create opens a new session
func (m *Manager) Create() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{ID: uuid.NewString(), CreatedAt: m.now()}
	m.sessions[s.ID] = s
	return s.clone()
}

// Get returns a snapshot of a session
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// SetBefore records the reference capture. Retaking it discards any after
// capture, which would otherwise be measured against the wrong baseline.
func (m *Manager) SetBefore(id string, record models.ImageRecord) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	s.Before = &record
	s.After = nil
	return s.clone(), nil
}

// SetAfter records the second capture, which must be taken after the first
func (m *Manager) SetAfter(id string, record models.ImageRecord) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	if s.Before == nil {
		return nil, apperrors.NewConflictError("session "+id+" has no before capture yet", nil)
	}
	if !record.CapturedAt.After(s.Before.CapturedAt) {
		return nil, apperrors.NewValidationError("after capture must be taken later than the before capture", nil)
	}
	s.After = &record
	return s.clone(), nil
}

// Pair returns both captures once present
func (m *Manager) Pair(id string) (models.ImageRecord, models.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(id)
	if err != nil {
		return models.ImageRecord{}, models.ImageRecord{}, err
	}
	if !s.Ready() {
		return models.ImageRecord{}, models.ImageRecord{}, apperrors.NewConflictError("session "+id+" needs both captures", nil)
	}
	return *s.Before, *s.After, nil
}

// Close forgets a session
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getLocked(id); err != nil {
		return err
	}
	delete(m.sessions, id)
	return nil
}

// Prune drops sessions older than maxAge and returns how many were removed
func (m *Manager) Prune(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for id, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) getLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("session "+id+" not found", nil)
	}
	return s, nil
}

func (s *Session) clone() *Session {
	c := *s
	if s.Before != nil {
		before := *s.Before
		c.Before = &before
	}
	if s.After != nil {
		after := *s.After
		c.After = &after
	}
	return &c
}
