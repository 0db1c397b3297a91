package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/meshrelay/meshrelay/internal/mesh"
)

var (
	uplinkA = mesh.MustParseAddress("aa:00:00:00:00:01")
	uplinkB = mesh.MustParseAddress("bb:00:00:00:00:02")
	node1   = mesh.MustParseAddress("c0:ff:ee:00:00:01")
	node2   = mesh.MustParseAddress("c0:ff:ee:00:00:02")
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nodes.db"), DefaultRetryConfig())
			if err != nil {
				t.Fatalf("Failed to open sqlite store: %v", err)
			}
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, d *Directory)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			d := New(b.open(t))
			defer d.Close()
			fn(t, d)
		})
	}
}

func TestUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory) {
		ctx := context.Background()

		n, created, err := d.Upsert(ctx, node1)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if !created {
			t.Error("first upsert should create the node")
		}
		if n.Address != node1 || n.Uplink != nil {
			t.Errorf("unexpected node: %+v", n)
		}

		_, created, err = d.Upsert(ctx, node1)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if created {
			t.Error("second upsert should not create the node")
		}

		if _, err := d.Node(ctx, node2); !errors.Is(err, ErrNodeNotFound) {
			t.Errorf("expected ErrNodeNotFound, got %v", err)
		}
	})
}

func TestClaimAndRelease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory) {
		ctx := context.Background()
		owner := Owner{Uplink: uplinkA, Session: "session-a"}

		if err := d.Claim(ctx, node1, owner); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		n, err := d.Node(ctx, node1)
		if err != nil {
			t.Fatalf("Node failed: %v", err)
		}
		if !n.ServedBy(owner) {
			t.Fatalf("node not served by claimant: %+v", n)
		}
		if n.LastSignin == nil {
			t.Error("claim should set last sign-in")
		}

		released, err := d.Release(ctx, node1, owner)
		if err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if !released {
			t.Error("owner release should succeed")
		}
		n, _ = d.Node(ctx, node1)
		if n.Uplink != nil || n.Session != "" {
			t.Errorf("node still owned after release: %+v", n)
		}
	})
}

func TestStaleReleaseIsIgnored(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory) {
		ctx := context.Background()
		first := Owner{Uplink: uplinkA, Session: "session-a"}
		second := Owner{Uplink: uplinkB, Session: "session-b"}

		if err := d.Claim(ctx, node1, first); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if err := d.Claim(ctx, node1, second); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}

		released, err := d.Release(ctx, node1, first)
		if err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if released {
			t.Error("stale release must not clear a newer claim")
		}

		n, _ := d.Node(ctx, node1)
		if !n.ServedBy(second) {
			t.Errorf("expected node served by %v, got %+v", second, n)
		}
	})
}

func TestSameUplinkDifferentSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory) {
		ctx := context.Background()
		old := Owner{Uplink: uplinkA, Session: "old"}
		reconnected := Owner{Uplink: uplinkA, Session: "new"}

		d.Claim(ctx, node1, old)
		d.Claim(ctx, node1, reconnected)

		if released, _ := d.Release(ctx, node1, old); released {
			t.Error("release by an earlier session of the same uplink must be ignored")
		}
		n, _ := d.Node(ctx, node1)
		if !n.ServedBy(reconnected) {
			t.Errorf("expected reconnected session to own node, got %+v", n)
		}
	})
}

func TestLastClaimWinsUnderReorderedReleases(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory) {
		ctx := context.Background()
		a := Owner{Uplink: uplinkA, Session: "a"}
		b := Owner{Uplink: uplinkB, Session: "b"}

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			d.Claim(ctx, node1, a)
			d.Claim(ctx, node1, b)
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Release(ctx, node1, a)
			}()
		}
		wg.Wait()

		n, _ := d.Node(ctx, node1)
		if !n.ServedBy(b) {
			t.Errorf("expected last claimant to own node, got %+v", n)
		}
	})
}

func TestConcurrentClaims(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory) {
		ctx := context.Background()
		const workers = 8

		var wg sync.WaitGroup
		errs := make(chan error, workers*10)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				owner := Owner{Uplink: uplinkA, Session: fmt.Sprintf("s%d", w)}
				for i := 0; i < 10; i++ {
					addr := mesh.Address{0xc0, 0, 0, 0, byte(w), byte(i)}
					if err := d.Claim(ctx, addr, owner); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent claim failed: %v", err)
		}

		nodes, err := d.List(ctx, NodeFilter{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(nodes) != workers*10 {
			t.Errorf("expected %d nodes, got %d", workers*10, len(nodes))
		}

		served, err := d.ServedBy(ctx, "s3")
		if err != nil {
			t.Fatalf("ServedBy failed: %v", err)
		}
		if len(served) != 10 {
			t.Errorf("expected 10 nodes for s3, got %d", len(served))
		}
		if d.locks.size() != 0 {
			t.Errorf("keyed locks leaked: %d", d.locks.size())
		}
	})
}

func TestBulkUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory) {
		ctx := context.Background()
		owner := Owner{Uplink: uplinkA, Session: "a"}
		d.Claim(ctx, node1, owner)

		if err := d.BulkUpsert(ctx, []mesh.Address{node1, node2, node2}); err != nil {
			t.Fatalf("BulkUpsert failed: %v", err)
		}

		nodes, _ := d.List(ctx, NodeFilter{})
		if len(nodes) != 2 {
			t.Fatalf("expected 2 nodes, got %d", len(nodes))
		}
		n, _ := d.Node(ctx, node1)
		if !n.ServedBy(owner) {
			t.Error("bulk upsert must not touch existing ownership")
		}
	})
}

func TestMessageLog(t *testing.T) {
	forEachBackend(t, func(t *testing.T, d *Directory) {
		ctx := context.Background()
		base := time.Now().Add(-time.Minute)

		msgs := []mesh.Message{
			&mesh.SignIn{Header: mesh.Header{Dst: mesh.RootAddress, Src: node1}},
			&mesh.EchoResponse{Header: mesh.Header{Dst: mesh.RootAddress, Src: node2}, Content: "hi"},
			&mesh.ConfigBoard{Header: mesh.Header{Dst: mesh.RootAddress, Src: node1}, Board: 3},
		}
		for i, m := range msgs {
			entry, err := NewMessageLogEntry(uplinkA, m, base.Add(time.Duration(i)*time.Second))
			if err != nil {
				t.Fatalf("NewMessageLogEntry failed: %v", err)
			}
			if err := d.AppendMessage(ctx, entry); err != nil {
				t.Fatalf("AppendMessage failed: %v", err)
			}
			if entry.ID == 0 {
				t.Error("AppendMessage should assign an id")
			}
		}

		all, err := d.Messages(ctx, MessageQuery{})
		if err != nil {
			t.Fatalf("Messages failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(all))
		}
		if all[0].Type != mesh.TypeConfigBoard {
			t.Errorf("expected newest entry first, got %s", all[0].Type)
		}

		src := node1
		fromNode1, _ := d.Messages(ctx, MessageQuery{Src: &src})
		if len(fromNode1) != 2 {
			t.Errorf("expected 2 entries from %s, got %d", node1, len(fromNode1))
		}

		typ := mesh.TypeEchoResponse
		echoes, _ := d.Messages(ctx, MessageQuery{Type: &typ})
		if len(echoes) != 1 {
			t.Fatalf("expected 1 echo entry, got %d", len(echoes))
		}
		decoded, err := mesh.UnmarshalJSON(echoes[0].Data)
		if err != nil {
			t.Fatalf("stored data is not a message: %v", err)
		}
		if decoded.(*mesh.EchoResponse).Content != "hi" {
			t.Errorf("unexpected stored message %+v", decoded)
		}

		limited, _ := d.Messages(ctx, MessageQuery{Limit: 1})
		if len(limited) != 1 {
			t.Errorf("expected 1 entry with limit, got %d", len(limited))
		}
	})
}

func TestSQLiteStorePersists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "directory-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "nodes.db")
	owner := Owner{Uplink: uplinkA, Session: "a"}

	s, err := NewSQLiteStore(path, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	d := New(s)
	if err := d.Claim(context.Background(), node1, owner); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	d.Close()

	s, err = NewSQLiteStore(path, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	d = New(s)
	defer d.Close()

	n, err := d.Node(context.Background(), node1)
	if err != nil {
		t.Fatalf("Node failed: %v", err)
	}
	if !n.ServedBy(owner) {
		t.Errorf("ownership not persisted: %+v", n)
	}
}

func TestWithRetry(t *testing.T) {
	s := &SQLiteStore{retry: RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  200 * time.Millisecond,
	}}
	ctx := context.Background()

	t.Run("transient then success", func(t *testing.T) {
		calls := 0
		err := s.withRetry(ctx, "test", func() error {
			calls++
			if calls < 3 {
				return sqlite3.Error{Code: sqlite3.ErrBusy}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("permanent failure", func(t *testing.T) {
		calls := 0
		err := s.withRetry(ctx, "test", func() error {
			calls++
			return errors.New("disk I/O error")
		})
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Errorf("expected ErrStoreUnavailable, got %v", err)
		}
		if calls != 1 {
			t.Errorf("permanent errors must not be retried, got %d calls", calls)
		}
	})

	t.Run("retries exhausted", func(t *testing.T) {
		err := s.withRetry(ctx, "test", func() error {
			return sqlite3.Error{Code: sqlite3.ErrLocked}
		})
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Errorf("expected ErrStoreUnavailable, got %v", err)
		}
	})

	t.Run("not found passes through", func(t *testing.T) {
		err := s.withRetry(ctx, "test", func() error {
			return fmt.Errorf("%w: x", ErrNodeNotFound)
		})
		if !errors.Is(err, ErrNodeNotFound) || errors.Is(err, ErrStoreUnavailable) {
			t.Errorf("unexpected error %v", err)
		}
	})
}
