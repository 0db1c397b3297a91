package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshrelay/meshrelay/internal/mesh"
)

// MemoryStore is a Store kept entirely in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[mesh.Address]*Node
	messages []MessageLogEntry
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:  make(map[mesh.Address]*Node),
		nextID: 1,
	}
}

func (s *MemoryStore) upsertLocked(addr mesh.Address, now time.Time) (*Node, bool) {
	if n, ok := s.nodes[addr]; ok {
		return n, false
	}
	n := &Node{Address: addr, CreatedAt: now}
	s.nodes[addr] = n
	return n, true
}

func (s *MemoryStore) Upsert(ctx context.Context, addr mesh.Address, now time.Time) (Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, created := s.upsertLocked(addr, now)
	return copyNode(n), created, nil
}

func (s *MemoryStore) BulkUpsert(ctx context.Context, addrs []mesh.Address, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		s.upsertLocked(a, now)
	}
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, addr mesh.Address, owner Owner, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.upsertLocked(addr, now)
	uplink := owner.Uplink
	n.Uplink = &uplink
	n.Session = owner.Session
	ts := now
	n.LastSignin = &ts
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, addr mesh.Address, owner Owner) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[addr]
	if !ok || n.Session != owner.Session || n.Uplink == nil {
		return false, nil
	}
	n.Uplink = nil
	n.Session = ""
	return true, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, entry *MessageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextID
	s.nextID++
	cp := *entry
	cp.Data = append([]byte(nil), entry.Data...)
	s.messages = append(s.messages, cp)
	return nil
}

func (s *MemoryStore) Node(ctx context.Context, addr mesh.Address) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[addr]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, addr)
	}
	return copyNode(n), nil
}

func (s *MemoryStore) List(ctx context.Context, filter NodeFilter) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if filter.Session != "" && n.Session != filter.Session {
			continue
		}
		if filter.Uplink != nil && (n.Uplink == nil || *n.Uplink != *filter.Uplink) {
			continue
		}
		out = append(out, copyNode(n))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out, nil
}

func (s *MemoryStore) Messages(ctx context.Context, q MessageQuery) ([]MessageLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MessageLogEntry
	for i := len(s.messages) - 1; i >= 0 && (q.Limit <= 0 || len(out) < q.Limit); i-- {
		m := s.messages[i]
		if q.Src != nil && m.Src != *q.Src {
			continue
		}
		if q.Uplink != nil && m.Uplink != *q.Uplink {
			continue
		}
		if q.Type != nil && m.Type != *q.Type {
			continue
		}
		if !q.Since.IsZero() && m.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyNode(n *Node) Node {
	cp := *n
	if n.Uplink != nil {
		u := *n.Uplink
		cp.Uplink = &u
	}
	if n.LastSignin != nil {
		ts := *n.LastSignin
		cp.LastSignin = &ts
	}
	return cp
}
