// Package directory records which uplink serves each mesh node and keeps the
// log of messages received from nodes.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshrelay/meshrelay/internal/mesh"
)

var log = logging.Logger("meshrelay-directory")

// Directory errors
var (
	ErrStoreUnavailable = errors.New("node store unavailable")
	ErrNodeNotFound     = errors.New("node not found")
)

// Owner identifies the uplink session serving a node. Session distinguishes
// two connections from the same uplink address.
type Owner struct {
	Uplink  mesh.Address `json:"uplink"`
	Session string       `json:"session"`
}

// Node is the persisted record of a mesh node.
type Node struct {
	Address    mesh.Address  `json:"address"`
	Uplink     *mesh.Address `json:"uplink,omitempty"`
	Session    string        `json:"session,omitempty"`
	LastSignin *time.Time    `json:"last_signin,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ServedBy reports whether o is the recorded owner of n.
func (n Node) ServedBy(o Owner) bool {
	return n.Uplink != nil && *n.Uplink == o.Uplink && n.Session == o.Session
}

// MessageLogEntry is an immutable record of a message received from a node.
type MessageLogEntry struct {
	ID        int64            `json:"id"`
	Uplink    mesh.Address     `json:"uplink"`
	Src       mesh.Address     `json:"src"`
	Type      mesh.MessageType `json:"message_type"`
	Data      json.RawMessage  `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewMessageLogEntry builds a log entry for msg received through uplink.
func NewMessageLogEntry(uplink mesh.Address, msg mesh.Message, ts time.Time) (*MessageLogEntry, error) {
	data, err := mesh.MarshalJSON(msg)
	if err != nil {
		return nil, err
	}
	return &MessageLogEntry{
		Uplink:    uplink,
		Src:       msg.MessageHeader().Src,
		Type:      msg.Type(),
		Data:      data,
		Timestamp: ts,
	}, nil
}

// NodeFilter narrows List results. Zero values match everything.
type NodeFilter struct {
	Session string
	Uplink  *mesh.Address
}

// MessageQuery selects message log entries, newest first.
type MessageQuery struct {
	Src    *mesh.Address
	Uplink *mesh.Address
	Type   *mesh.MessageType
	Since  time.Time
	Limit  int
}

// DefaultMessageLimit caps message queries without an explicit limit.
const DefaultMessageLimit = 100

// Store is the durable backend of a Directory. Implementations fail with
// errors wrapping ErrStoreUnavailable when the backend cannot be reached.
type Store interface {
	Upsert(ctx context.Context, addr mesh.Address, now time.Time) (Node, bool, error)
	BulkUpsert(ctx context.Context, addrs []mesh.Address, now time.Time) error
	Claim(ctx context.Context, addr mesh.Address, owner Owner, now time.Time) error
	// Release clears the owner of addr only while it still equals owner.
	Release(ctx context.Context, addr mesh.Address, owner Owner) (bool, error)
	AppendMessage(ctx context.Context, entry *MessageLogEntry) error
	Node(ctx context.Context, addr mesh.Address) (Node, error)
	List(ctx context.Context, filter NodeFilter) ([]Node, error)
	Messages(ctx context.Context, q MessageQuery) ([]MessageLogEntry, error)
	Close() error
}

// Directory serializes operations per node address on top of a Store.
type Directory struct {
	store Store
	locks *keyedMutex
	now   func() time.Time
}

// New creates a Directory backed by store.
func New(store Store) *Directory {
	return &Directory{
		store: store,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// Upsert fetches the record for addr, creating it if needed.
func (d *Directory) Upsert(ctx context.Context, addr mesh.Address) (Node, bool, error) {
	unlock := d.locks.lock(addr)
	defer unlock()

	node, created, err := d.store.Upsert(ctx, addr, d.now())
	if err != nil {
		return Node{}, false, err
	}
	if created {
		log.Debugf("Created node %s", addr)
	}
	return node, created, nil
}

// BulkUpsert creates records for every address not yet known.
func (d *Directory) BulkUpsert(ctx context.Context, addrs []mesh.Address) error {
	if len(addrs) == 0 {
		return nil
	}
	unlock := d.locks.lockAll(addrs)
	defer unlock()

	return d.store.BulkUpsert(ctx, addrs, d.now())
}

// Claim records owner as the uplink serving addr and refreshes last sign-in.
func (d *Directory) Claim(ctx context.Context, addr mesh.Address, owner Owner) error {
	unlock := d.locks.lock(addr)
	defer unlock()

	if err := d.store.Claim(ctx, addr, owner, d.now()); err != nil {
		return err
	}
	log.Debugf("Node %s claimed by uplink %s (session %s)", addr, owner.Uplink, owner.Session)
	return nil
}

// Release clears the owner of addr if it is still owner. A release for an
// address that has since been claimed by someone else is a no-op and
// reports false.
func (d *Directory) Release(ctx context.Context, addr mesh.Address, owner Owner) (bool, error) {
	unlock := d.locks.lock(addr)
	defer unlock()

	released, err := d.store.Release(ctx, addr, owner)
	if err != nil {
		return false, err
	}
	if released {
		log.Debugf("Node %s released by uplink %s (session %s)", addr, owner.Uplink, owner.Session)
	} else {
		log.Debugf("Stale release of node %s by session %s ignored", addr, owner.Session)
	}
	return released, nil
}

// AppendMessage stores a message log entry, stamping it if needed.
func (d *Directory) AppendMessage(ctx context.Context, entry *MessageLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = d.now()
	}
	return d.store.AppendMessage(ctx, entry)
}

// Node returns the record for addr or ErrNodeNotFound.
func (d *Directory) Node(ctx context.Context, addr mesh.Address) (Node, error) {
	return d.store.Node(ctx, addr)
}

// List returns node records ordered by address.
func (d *Directory) List(ctx context.Context, filter NodeFilter) ([]Node, error) {
	return d.store.List(ctx, filter)
}

// ServedBy lists the nodes currently recorded for a session.
func (d *Directory) ServedBy(ctx context.Context, session string) ([]Node, error) {
	return d.store.List(ctx, NodeFilter{Session: session})
}

// Messages queries the message log.
func (d *Directory) Messages(ctx context.Context, q MessageQuery) ([]MessageLogEntry, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultMessageLimit
	}
	return d.store.Messages(ctx, q)
}

// Close closes the underlying store.
func (d *Directory) Close() error {
	return d.store.Close()
}

// keyedMutex hands out one mutex per address. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[mesh.Address]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[mesh.Address]*keyedEntry)}
}

func (k *keyedMutex) lock(addr mesh.Address) func() {
	k.mu.Lock()
	e, ok := k.locks[addr]
	if !ok {
		e = &keyedEntry{}
		k.locks[addr] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, addr)
		}
		k.mu.Unlock()
	}
}

// lockAll locks a set of addresses in a fixed order.
func (k *keyedMutex) lockAll(addrs []mesh.Address) func() {
	sorted := make([]mesh.Address, 0, len(addrs))
	seen := make(map[mesh.Address]bool, len(addrs))
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			sorted = append(sorted, a)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i][:]) < string(sorted[j][:])
	})

	unlocks := make([]func(), 0, len(sorted))
	for _, a := range sorted {
		unlocks = append(unlocks, k.lock(a))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
