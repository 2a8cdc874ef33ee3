package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"pricealerts/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. One lock covers records
// and both indexes.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert
	users  map[string]*models.User
	byUser map[string]map[string]struct{}
	active map[string]struct{}
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*models.Alert),
		users:  make(map[string]*models.User),
		byUser: make(map[string]map[string]struct{}),
		active: make(map[string]struct{}),
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) activeCount(userID string) int {
	n := 0
	for id := range s.byUser[userID] {
		if _, ok := s.active[id]; ok {
			n++
		}
	}
	return n
}

func (s *MemoryStore) CreateAlert(_ context.Context, in *models.Alert) (*models.Alert, error) {
	alert, err := prepareNewAlert(in, uuid.NewString(), s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[alert.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if err := checkQuota(user, s.activeCount(alert.UserID)); err != nil {
		return nil, err
	}

	s.alerts[alert.ID] = alert
	if s.byUser[alert.UserID] == nil {
		s.byUser[alert.UserID] = make(map[string]struct{})
	}
	s.byUser[alert.UserID][alert.ID] = struct{}{}
	s.active[alert.ID] = struct{}{}
	return alert.Clone(), nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return alert.Clone(), nil
}

func (s *MemoryStore) ListAlertsByUser(_ context.Context, userID string) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alerts := make([]*models.Alert, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		alerts = append(alerts, s.alerts[id].Clone())
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	return alerts, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alerts := make([]*models.Alert, 0, len(s.active))
	for id := range s.active {
		alerts = append(alerts, s.alerts[id].Clone())
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts, nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, id string, patch AlertPatch) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated, reactivated, err := applyAlertPatch(current, patch, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if reactivated {
		user, ok := s.users[updated.UserID]
		if !ok {
			return nil, ErrUserNotFound
		}
		if err := checkQuota(user, s.activeCount(updated.UserID)); err != nil {
			return nil, err
		}
	}

	s.alerts[id] = updated
	if updated.IsActive() {
		s.active[id] = struct{}{}
	} else {
		delete(s.active, id)
	}
	return updated.Clone(), nil
}

func (s *MemoryStore) TriggerAlert(_ context.Context, id string, update TriggerUpdate) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !current.IsActive() {
		return nil, ErrNotActive
	}
	triggered := applyTrigger(current, update)
	s.alerts[id] = triggered
	delete(s.active, id)
	return triggered.Clone(), nil
}

func (s *MemoryStore) DeleteAlert(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return false, nil
	}
	delete(s.alerts, id)
	delete(s.active, id)
	delete(s.byUser[alert.UserID], id)
	return true, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, in *models.User) (*models.User, error) {
	user, err := prepareNewUser(in, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return nil, ErrUserExists
	}
	s.users[user.ID] = user
	return user.Clone(), nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user.Clone(), nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, id string, patch UserPatch) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	updated, err := applyUserPatch(current, patch, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.users[id] = updated
	return updated.Clone(), nil
}
