// Package outbox stages messages for later transmission by an observer.
//
// A controller stages a message template and a recipient list and receives
// a token. An observer connection later redeems the token once, which
// produces one message per recipient.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	logging "github.com/ipfs/go-log/v2"

	"github.com/meshrelay/meshrelay/internal/mesh"
)

var log = logging.Logger("meshrelay-outbox")

// Outbox errors
var (
	ErrUnknownToken  = errors.New("unknown or expired staging token")
	ErrNoRecipients  = errors.New("staged message has no recipients")
	ErrInvalidStaged = errors.New("invalid staged message")
)

// Defaults used when the configuration leaves them unset.
const (
	DefaultCapacity = 1024
	DefaultTTL      = 10 * time.Minute
)

// Staged is a message template plus the addresses it goes to.
type Staged struct {
	Message    json.RawMessage `json:"msg"`
	Recipients []mesh.Address  `json:"recipients"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Build returns one message per recipient with the destination filled in.
// Messages without an explicit source are sent as the relay.
func (s Staged) Build() ([]mesh.Message, error) {
	out := make([]mesh.Message, 0, len(s.Recipients))
	for _, r := range s.Recipients {
		m, err := mesh.UnmarshalJSON(s.Message)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidStaged, err)
		}
		h := m.MessageHeader()
		h.Dst = r
		out = append(out, m)
	}
	return out, nil
}

// Store holds staged messages until they are redeemed or expire.
type Store struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, Staged]
}

// New creates a Store holding at most capacity entries for ttl each.
func New(capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	onEvict := func(token string, _ Staged) {
		log.Debugf("Staged message %s evicted", token)
	}
	return &Store{cache: expirable.NewLRU[string, Staged](capacity, onEvict, ttl)}
}

// Stage stores msg for recipients and returns its token.
func (s *Store) Stage(msg mesh.Message, recipients []mesh.Address) (string, error) {
	data, err := mesh.MarshalJSON(msg)
	if err != nil {
		return "", err
	}
	return s.StageJSON(data, recipients)
}

// StageJSON is Stage for a message already in JSON form.
func (s *Store) StageJSON(msg json.RawMessage, recipients []mesh.Address) (string, error) {
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}
	if _, err := mesh.UnmarshalJSON(msg); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidStaged, err)
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.cache.Add(token, Staged{
		Message:    append(json.RawMessage(nil), msg...),
		Recipients: append([]mesh.Address(nil), recipients...),
		CreatedAt:  time.Now(),
	})
	s.mu.Unlock()

	log.Debugf("Staged message %s for %d recipients", token, len(recipients))
	return token, nil
}

// Resolve redeems token. Each token resolves at most once.
func (s *Store) Resolve(token string) (Staged, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, ok := s.cache.Get(token)
	if !ok {
		return Staged{}, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	s.cache.Remove(token)
	return staged, nil
}

// Peek returns a staged entry without redeeming it.
func (s *Store) Peek(token string) (Staged, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Peek(token)
}

// Len returns the number of pending entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
