package syncengine

import (
	"sync"

	"shelfsync/internal/models"
)

// StatusSubject holds the current sync status and fans changes out to observers.
// Observers are called synchronously and in order; they must not update the subject.
type StatusSubject struct {
	mu     sync.Mutex
	status models.SyncStatus
	subs   map[uint64]func(models.SyncStatus)
	next   uint64

	// deliver serializes notification so observers see changes in order.
	deliver sync.Mutex
}

func NewStatusSubject(initial models.SyncStatus) *StatusSubject {
	return &StatusSubject{
		status: initial,
		subs:   make(map[uint64]func(models.SyncStatus)),
	}
}

// Subscribe delivers the current status immediately, then every change until the
// returned function is called.
func (s *StatusSubject) Subscribe(fn func(models.SyncStatus)) func() {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	s.next++
	id := s.next
	s.subs[id] = fn
	current := copyStatus(s.status)
	s.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *StatusSubject) Snapshot() models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyStatus(s.status)
}

// Update applies fn and notifies observers with the result.
func (s *StatusSubject) Update(fn func(*models.SyncStatus)) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	fn(&s.status)
	current := copyStatus(s.status)
	subs := make([]func(models.SyncStatus), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(current)
	}
}

func copyStatus(st models.SyncStatus) models.SyncStatus {
	if st.LastSyncTime != nil {
		t := *st.LastSyncTime
		st.LastSyncTime = &t
	}
	return st
}
