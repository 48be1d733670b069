package hub

import (
	"hash/fnv"
	"sync"
)

const registryShards = 32

// registry is the feed → bound-connections multimap. Sharded by feed id so
// updates to unrelated feeds never contend on one lock.
type registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu    sync.RWMutex
	feeds map[string]map[*Conn]struct{}
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].feeds = make(map[string]map[*Conn]struct{})
	}
	return r
}

func (r *registry) shard(feedID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(feedID))
	return &r.shards[h.Sum32()%registryShards]
}

func (r *registry) add(feedID string, c *Conn) {
	s := r.shard(feedID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.feeds[feedID]
	if !ok {
		set = make(map[*Conn]struct{})
		s.feeds[feedID] = set
	}
	set[c] = struct{}{}
}

func (r *registry) remove(feedID string, c *Conn) {
	s := r.shard(feedID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.feeds[feedID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.feeds, feedID)
	}
}

// snapshot returns the connections currently bound to feedID. The copy lets
// fan-out proceed without holding the shard lock across I/O.
func (r *registry) snapshot(feedID string) []*Conn {
	s := r.shard(feedID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.feeds[feedID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
