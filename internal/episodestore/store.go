// Package episodestore provides the bounded, episode-keyed append store that
// backs the observability logs.
package episodestore

import (
	"container/list"
	"sync"
)

// EvictFunc is called with the id of every episode dropped by the LRU bound
// or by PruneEpisodes. It runs with the store lock held and must not call
// back into the store.
type EvictFunc func(episodeID string)

// episodeEntry holds the records of a single episode
type episodeEntry[T any] struct {
	records []T
	element *list.Element // For LRU tracking
}

// Store is an in-memory episode store with LRU eviction by episode.
// Thread-safe implementation using sync.RWMutex. Writing to an episode makes
// it the most recent; reads do not change recency.
type Store[T any] struct {
	mu          sync.RWMutex
	entries     map[string]*episodeEntry[T]
	lruList     *list.List // front is most recent
	maxEpisodes int        // 0 means unbounded
	evictions   uint64
	onEvict     EvictFunc
}

// New creates a store holding at most maxEpisodes episodes (0 = unbounded)
func New[T any](maxEpisodes int) *Store[T] {
	if maxEpisodes < 0 {
		maxEpisodes = 0
	}
	return &Store[T]{
		entries:     make(map[string]*episodeEntry[T]),
		lruList:     list.New(),
		maxEpisodes: maxEpisodes,
	}
}

// OnEvict registers a callback for evicted episodes
func (s *Store[T]) OnEvict(fn EvictFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Append adds records to the end of an episode, creating it if needed
func (s *Store[T]) Append(episodeID string, records ...T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.touch(episodeID)
	entry.records = append(entry.records, records...)
}

// Put replaces all records of an episode
func (s *Store[T]) Put(episodeID string, records []T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.touch(episodeID)
	entry.records = append([]T(nil), records...)
}

// Update lets fn modify the records of a stored episode in place and reports
// whether the episode exists. fn runs with the store lock held.
func (s *Store[T]) Update(episodeID string, fn func(records []T)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[episodeID]
	if !exists {
		return false
	}
	fn(entry.records)
	return true
}

// Get returns a copy of the record slice of an episode. Records themselves
// are copied by value; callers holding maps inside T must clone them.
func (s *Store[T]) Get(episodeID string) ([]T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[episodeID]
	if !exists {
		return nil, false
	}
	return append([]T(nil), entry.records...), true
}

// Has reports whether the episode is stored
func (s *Store[T]) Has(episodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.entries[episodeID]
	return exists
}

// Episodes returns episode ids from least to most recently written
func (s *Store[T]) Episodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, s.lruList.Len())
	for e := s.lruList.Back(); e != nil; e = e.Prev() {
		ids = append(ids, e.Value.(string))
	}
	return ids
}

// Remove drops one episode and reports whether it existed
func (s *Store[T]) Remove(episodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeEntry(episodeID)
}

// Clear removes all episodes
func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*episodeEntry[T])
	s.lruList.Init()
}

// PruneEpisodes evicts the least recently written episodes until at most keep
// remain, returning the number removed. keep <= 0 removes nothing.
func (s *Store[T]) PruneEpisodes(keep int) int {
	if keep <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for s.lruList.Len() > keep {
		s.evictLRU()
		removed++
	}
	return removed
}

// Len returns the number of stored episodes
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lruList.Len()
}

// MaxEpisodes returns the configured bound
func (s *Store[T]) MaxEpisodes() int {
	return s.maxEpisodes
}

// Stats returns store statistics
func (s *Store[T]) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := 0
	for _, entry := range s.entries {
		records += len(entry.records)
	}
	return Stats{
		Episodes:    s.lruList.Len(),
		Records:     records,
		MaxEpisodes: s.maxEpisodes,
		Evictions:   s.evictions,
	}
}

// Stats represents store statistics
type Stats struct {
	Episodes    int
	Records     int
	MaxEpisodes int
	Evictions   uint64
}

// touch returns the entry for episodeID as most recent, creating it and
// enforcing the bound when new (must be called with lock held)
func (s *Store[T]) touch(episodeID string) *episodeEntry[T] {
	if entry, exists := s.entries[episodeID]; exists {
		s.lruList.MoveToFront(entry.element)
		return entry
	}

	if s.maxEpisodes > 0 && s.lruList.Len() >= s.maxEpisodes {
		s.evictLRU()
	}

	entry := &episodeEntry[T]{}
	entry.element = s.lruList.PushFront(episodeID)
	s.entries[episodeID] = entry
	return entry
}

// removeEntry removes an episode (must be called with lock held)
func (s *Store[T]) removeEntry(episodeID string) bool {
	entry, exists := s.entries[episodeID]
	if !exists {
		return false
	}
	s.lruList.Remove(entry.element)
	delete(s.entries, episodeID)
	return true
}

// evictLRU evicts the least recently written episode (must be called with lock held)
func (s *Store[T]) evictLRU() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	episodeID := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, episodeID)
	s.evictions++
	if s.onEvict != nil {
		s.onEvict(episodeID)
	}
}
