package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/meshrelay/meshrelay/internal/mesh"
)

var (
	node1 = mesh.MustParseAddress("c0:ff:ee:00:00:01")
	node2 = mesh.MustParseAddress("c0:ff:ee:00:00:02")
)

func TestStageAndResolve(t *testing.T) {
	s := New(10, time.Minute)

	token, err := s.Stage(&mesh.ConfigDump{}, []mesh.Address{node1, node2})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 staged entry, got %d", s.Len())
	}

	staged, err := s.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	msgs, err := staged.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	for i, want := range []mesh.Address{node1, node2} {
		h := msgs[i].MessageHeader()
		if h.Dst != want {
			t.Errorf("message %d dst = %s, want %s", i, h.Dst, want)
		}
		if h.Src != mesh.RootAddress {
			t.Errorf("message %d src = %s, want root", i, h.Src)
		}
		if msgs[i].Type() != mesh.TypeConfigDump {
			t.Errorf("message %d type = %s", i, msgs[i].Type())
		}
	}
	if msgs[0] == msgs[1] {
		t.Error("each recipient needs its own message value")
	}
}

func TestResolveIsSingleUse(t *testing.T) {
	s := New(10, time.Minute)
	token, _ := s.Stage(&mesh.OTAReboot{}, []mesh.Address{node1})

	if _, err := s.Resolve(token); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if _, err := s.Resolve(token); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken on reuse, got %v", err)
	}
}

func TestStagedEntriesExpire(t *testing.T) {
	s := New(10, 20*time.Millisecond)
	token, _ := s.Stage(&mesh.OTAReboot{}, []mesh.Address{node1})

	time.Sleep(100 * time.Millisecond)

	if _, err := s.Resolve(token); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected expired token, got %v", err)
	}
}

func TestStageValidation(t *testing.T) {
	s := New(10, time.Minute)

	if _, err := s.Stage(&mesh.OTAReboot{}, nil); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("expected ErrNoRecipients, got %v", err)
	}
	if _, err := s.StageJSON([]byte(`{"msg_type":"BOGUS"}`), []mesh.Address{node1}); !errors.Is(err, ErrInvalidStaged) {
		t.Errorf("expected ErrInvalidStaged, got %v", err)
	}
	if _, err := s.StageJSON([]byte(`{"msg_type":"ECHO_REQUEST","content":"hi"}`), []mesh.Address{node1}); err != nil {
		t.Errorf("valid JSON message rejected: %v", err)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := New(2, time.Minute)
	first, _ := s.Stage(&mesh.OTAReboot{}, []mesh.Address{node1})
	s.Stage(&mesh.OTAReboot{}, []mesh.Address{node1})
	s.Stage(&mesh.OTAReboot{}, []mesh.Address{node1})

	if _, ok := s.Peek(first); ok {
		t.Error("oldest entry should have been evicted")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", s.Len())
	}
}
