// Package store holds the live, keyed collection of today's appointments and
// its sorted read model.
package store

import (
	"reflect"
	"sort"
	"sync"

	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"
)

// LiveStore is an ordered, keyed collection of appointments. Every write
// recomputes the sorted view before returning, so a read that follows a
// write observes it.
type LiveStore struct {
	mu      sync.RWMutex
	records map[int64]types.AppointmentRecord
	sorted  []types.AppointmentRecord
	version uint64
	hub     *hub
}

// New creates an empty store
func New() *LiveStore {
	return &LiveStore{
		records: make(map[int64]types.AppointmentRecord),
		hub:     newHub(),
	}
}

// Upsert merges e onto the record with the same id, creating it if needed,
// and returns the merged record. Re-applying an identical event is a no-op.
func (s *LiveStore) Upsert(e *types.NormalizedEvent) types.AppointmentRecord {
	s.mu.Lock()

	prev, exists := s.records[e.ID]
	next := prev.Clone()
	next.Apply(e)

	if exists && reflect.DeepEqual(prev, next) {
		s.mu.Unlock()
		return next.Clone()
	}

	s.records[e.ID] = next
	s.recompute()
	s.version++
	change := Change{Kind: ChangeUpsert, Version: s.version, ID: e.ID, Count: len(s.records)}
	s.mu.Unlock()

	s.hub.broadcast(change)
	return next.Clone()
}

// Seed replaces the whole content of the store
func (s *LiveStore) Seed(records map[int64]types.AppointmentRecord) {
	s.mu.Lock()

	s.records = make(map[int64]types.AppointmentRecord, len(records))
	for id, r := range records {
		r.ID = id
		s.records[id] = r.Clone()
	}
	s.recompute()
	s.version++
	change := Change{Kind: ChangeSeed, Version: s.version, Count: len(s.records)}
	s.mu.Unlock()

	s.hub.broadcast(change)
}

// ReadModel returns every record sorted ascending by scheduled time.
// Records without a parseable time come first; ties are ordered by id.
func (s *LiveStore) ReadModel() []types.AppointmentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.AppointmentRecord, len(s.sorted))
	for i, r := range s.sorted {
		out[i] = r.Clone()
	}
	return out
}

// Get returns the record with the given id
func (s *LiveStore) Get(id int64) (types.AppointmentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return types.AppointmentRecord{}, false
	}
	return r.Clone(), true
}

// Len returns the number of records
func (s *LiveStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Version is incremented by every write that changed the store
func (s *LiveStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Watch registers a listener notified after each change. Callers must
// Unwatch the returned id to release it.
func (s *LiveStore) Watch(buffer int) (uint64, <-chan Change) {
	return s.hub.register(buffer)
}

// Unwatch removes a listener and closes its channel
func (s *LiveStore) Unwatch(id uint64) {
	s.hub.unregister(id)
}

// Watchers returns the number of registered listeners
func (s *LiveStore) Watchers() int {
	return s.hub.size()
}

// recompute rebuilds the sorted view; callers hold the write lock
func (s *LiveStore) recompute() {
	sorted := make([]types.AppointmentRecord, 0, len(s.records))
	for _, r := range s.records {
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return types.CompareSchedule(sorted[i], sorted[j]) < 0
	})
	s.sorted = sorted
}
