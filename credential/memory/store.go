// Package memorycred is the in-memory credential store, for single-node
// deployments and tests.
package memorycred

import (
	"context"
	"sync"
	"time"

	"github.com/open-rails/feedgate/credential"
)

// Store is an in-memory credential.Store with lazy expiry and a periodic
// cleanup sweep.
type Store struct {
	mu     sync.Mutex
	data   map[string]credential.Credential
	closed chan struct{}
	now    func() time.Time
}

// New creates a new in-memory credential store.
// Starts a background goroutine to clean up expired entries every minute.
func New() *Store {
	s := &Store{
		data:   make(map[string]credential.Credential),
		closed: make(chan struct{}),
		now:    time.Now,
	}
	go s.cleanupLoop()
	return s
}

func (s *Store) Get(ctx context.Context, identity string) (*credential.Credential, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[identity]
	if !ok {
		return nil, false, nil
	}
	if c.Expired(s.now()) {
		delete(s.data, identity)
		return nil, false, nil
	}
	out := c
	return &out, true, nil
}

// Put inserts only if no live entry exists for identity (first-offered-wins).
// An expired leftover entry counts as absent and is replaced.
func (s *Store) Put(ctx context.Context, identity string, cred credential.Credential) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data[identity]; ok && !existing.Expired(s.now()) {
		return false, nil
	}
	s.data[identity] = cred
	return true, nil
}

func (s *Store) Clear(ctx context.Context, identity string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, identity)
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closed:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.data {
		if v.Expired(now) {
			delete(s.data, k)
		}
	}
}

// Close stops the background cleanup goroutine.
func (s *Store) Close() error {
	close(s.closed)
	return nil
}
