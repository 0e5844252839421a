package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store and StateStore in memory.
// It is safe for concurrent use by multiple goroutines.
//
// If TTL is configured, a background goroutine removes snapshots whose
// GeneratedAt is older than the TTL. Persisted state never expires.
type MemoryStore struct {
	mu            sync.RWMutex
	snapshots     map[string]Snapshot
	states        map[string][]byte
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates a new in-memory store with no TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
		states:    make(map[string][]byte),
	}
}

// NewMemoryStoreWithTTL creates a new in-memory store that drops snapshots
// older than ttl. cleanupInterval defaults to one minute.
//
// Stop must be called to release the cleanup goroutine.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		snapshots:     make(map[string]Snapshot),
		states:        make(map[string][]byte),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop shuts down the cleanup goroutine. It is safe to call more than once
// and on a store without TTL.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for stream, snapshot := range s.snapshots {
		if now.Sub(snapshot.GeneratedAt) > s.ttl {
			delete(s.snapshots, stream)
		}
	}
}

// Put stores the snapshot, replacing any previous one for the same stream.
func (s *MemoryStore) Put(ctx context.Context, snapshot Snapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := ValidateStreamName(snapshot.Stream); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.Stream] = snapshot
	return nil
}

// GetLatest returns the latest snapshot for a stream.
func (s *MemoryStore) GetLatest(ctx context.Context, stream string) (Snapshot, bool, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, found := s.snapshots[stream]
	return snapshot, found, nil
}

// SaveState stores a copy of data as the stream's persisted state.
func (s *MemoryStore) SaveState(ctx context.Context, stream string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateStreamName(stream); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stream] = append([]byte(nil), data...)
	return nil
}

// LoadState returns the stream's persisted state.
func (s *MemoryStore) LoadState(ctx context.Context, stream string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.states[stream]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// Len returns the number of snapshots currently stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Delete removes a stream's snapshot and reports whether one existed.
func (s *MemoryStore) Delete(stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.snapshots[stream]
	delete(s.snapshots, stream)
	return existed
}
