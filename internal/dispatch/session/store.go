// Package session persists MatchingSession records in the coordination store.
// Local process memory only ever holds working snapshots; the store copy is
// authoritative so any instance can resume or inspect a session.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// ArchiveGrace keeps terminal sessions readable for late duplicate events
// before the record expires from the store.
const ArchiveGrace = 60 * time.Second

// Store reads and writes matching sessions.
type Store interface {
	// Create persists a new session; domain.ErrDuplicateSession when a
	// session already exists for the ride.
	Create(ctx context.Context, sess domain.MatchingSession) error
	Get(ctx context.Context, rideID uuid.UUID) (domain.MatchingSession, error)
	// Update replaces the stored session and maintains the searching index.
	Update(ctx context.Context, sess domain.MatchingSession) error
	// SearchingIDs returns rides in searching state ordered by creation time.
	SearchingIDs(ctx context.Context) ([]uuid.UUID, error)
	// Searching returns the full records behind SearchingIDs.
	Searching(ctx context.Context) ([]domain.MatchingSession, error)
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]domain.MatchingSession
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]domain.MatchingSession)}
}

// Create stores the session once.
func (m *MemoryStore) Create(_ context.Context, sess domain.MatchingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.RideID]; ok {
		return domain.ErrDuplicateSession
	}
	m.sessions[sess.RideID] = sess
	return nil
}

// Get returns the stored session.
func (m *MemoryStore) Get(_ context.Context, rideID uuid.UUID) (domain.MatchingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[rideID]
	if !ok {
		return domain.MatchingSession{}, domain.ErrSessionNotFound
	}
	return sess, nil
}

// Update replaces the session.
func (m *MemoryStore) Update(_ context.Context, sess domain.MatchingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.RideID]; !ok {
		return domain.ErrSessionNotFound
	}
	m.sessions[sess.RideID] = sess
	return nil
}

// SearchingIDs lists searching rides ordered by creation time.
func (m *MemoryStore) SearchingIDs(ctx context.Context) ([]uuid.UUID, error) {
	sessions, err := m.Searching(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.RideID
	}
	return ids, nil
}

// Searching lists searching sessions ordered by creation time.
func (m *MemoryStore) Searching(context.Context) ([]domain.MatchingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sessions []domain.MatchingSession
	for _, sess := range m.sessions {
		if sess.Status == domain.SessionSearching {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].RideID.String() < sessions[j].RideID.String()
	})
	return sessions, nil
}
