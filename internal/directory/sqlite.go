package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"

	"github.com/meshrelay/meshrelay/internal/mesh"
)

// RetryConfig bounds the retries of transient SQLite failures.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the retry settings used when none are given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  5 * time.Second,
	}
}

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	retry RetryConfig
}

// NewSQLiteStore opens (or creates) the node database at dbPath.
func NewSQLiteStore(dbPath string, retry RetryConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open node database: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		path:  dbPath,
		retry: retry,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Node directory opened at %s", dbPath)
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		address TEXT PRIMARY KEY,
		uplink TEXT,
		session TEXT,
		last_signin TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS node_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uplink TEXT NOT NULL,
		src TEXT NOT NULL,
		message_type INTEGER NOT NULL,
		data TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_session ON nodes(session);
	CREATE INDEX IF NOT EXISTS idx_node_messages_src ON node_messages(src);
	CREATE INDEX IF NOT EXISTS idx_node_messages_timestamp ON node_messages(timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create node tables: %w", err)
	}
	return nil
}

func (s *SQLiteStore) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval
	b.MaxElapsedTime = s.retry.MaxElapsedTime
	return b
}

// isTransient reports whether err is a lock conflict worth retrying.
func isTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs fn, retrying lock conflicts with exponential backoff.
// Failures other than ErrNodeNotFound are reported as ErrStoreUnavailable.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(s.newBackOff(), ctx), func(err error, wait time.Duration) {
		log.Debugf("%s: database busy, retrying in %v: %v", op, wait, err)
	})
	if err == nil || errors.Is(err, ErrNodeNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func (s *SQLiteStore) Upsert(ctx context.Context, addr mesh.Address, now time.Time) (Node, bool, error) {
	var node Node
	var created bool
	err := s.withRetry(ctx, "upsert", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO nodes (address, created_at) VALUES (?, ?)`,
			addr.String(), now.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1

		node, err = scanNode(tx.QueryRowContext(ctx, nodeSelect+` WHERE address = ?`, addr.String()))
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Node{}, false, err
	}
	return node, created, nil
}

func (s *SQLiteStore) BulkUpsert(ctx context.Context, addrs []mesh.Address, now time.Time) error {
	return s.withRetry(ctx, "bulk upsert", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO nodes (address, created_at) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range addrs {
			if _, err := stmt.ExecContext(ctx, a.String(), now.UTC()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) Claim(ctx context.Context, addr mesh.Address, owner Owner, now time.Time) error {
	return s.withRetry(ctx, "claim", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO nodes (address, uplink, session, last_signin, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				uplink = excluded.uplink,
				session = excluded.session,
				last_signin = excluded.last_signin
		`, addr.String(), owner.Uplink.String(), owner.Session, now.UTC(), now.UTC())
		return err
	})
}

func (s *SQLiteStore) Release(ctx context.Context, addr mesh.Address, owner Owner) (bool, error) {
	var released bool
	err := s.withRetry(ctx, "release", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE nodes SET uplink = NULL, session = NULL
			WHERE address = ? AND session = ?
		`, addr.String(), owner.Session)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		released = n > 0
		return nil
	})
	return released, err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, entry *MessageLogEntry) error {
	return s.withRetry(ctx, "append message", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO node_messages (uplink, src, message_type, data, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, entry.Uplink.String(), entry.Src.String(), int(entry.Type), string(entry.Data), entry.Timestamp.UTC())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		entry.ID = id
		return nil
	})
}

func (s *SQLiteStore) Node(ctx context.Context, addr mesh.Address) (Node, error) {
	var node Node
	err := s.withRetry(ctx, "get node", func() error {
		var err error
		node, err = scanNode(s.db.QueryRowContext(ctx, nodeSelect+` WHERE address = ?`, addr.String()))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, addr)
		}
		return err
	})
	return node, err
}

func (s *SQLiteStore) List(ctx context.Context, filter NodeFilter) ([]Node, error) {
	query := nodeSelect + ` WHERE 1=1`
	var args []any
	if filter.Session != "" {
		query += ` AND session = ?`
		args = append(args, filter.Session)
	}
	if filter.Uplink != nil {
		query += ` AND uplink = ?`
		args = append(args, filter.Uplink.String())
	}
	query += ` ORDER BY address`

	var nodes []Node
	err := s.withRetry(ctx, "list nodes", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		nodes = nodes[:0]
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
		}
		return rows.Err()
	})
	return nodes, err
}

func (s *SQLiteStore) Messages(ctx context.Context, q MessageQuery) ([]MessageLogEntry, error) {
	var conditions []string
	var args []any
	if q.Src != nil {
		conditions = append(conditions, "src = ?")
		args = append(args, q.Src.String())
	}
	if q.Uplink != nil {
		conditions = append(conditions, "uplink = ?")
		args = append(args, q.Uplink.String())
	}
	if q.Type != nil {
		conditions = append(conditions, "message_type = ?")
		args = append(args, int(*q.Type))
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.Since.UTC())
	}

	query := `SELECT id, uplink, src, message_type, data, timestamp FROM node_messages`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var entries []MessageLogEntry
	err := s.withRetry(ctx, "query messages", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var e MessageLogEntry
			var uplink, src, data string
			var typ int
			if err := rows.Scan(&e.ID, &uplink, &src, &typ, &data, &e.Timestamp); err != nil {
				return err
			}
			if e.Uplink, err = mesh.ParseAddress(uplink); err != nil {
				return err
			}
			if e.Src, err = mesh.ParseAddress(src); err != nil {
				return err
			}
			e.Type = mesh.MessageType(typ)
			e.Data = []byte(data)
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const nodeSelect = `SELECT address, uplink, session, last_signin, created_at FROM nodes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var n Node
	var addr string
	var uplink, session sql.NullString
	var lastSignin sql.NullTime

	if err := row.Scan(&addr, &uplink, &session, &lastSignin, &n.CreatedAt); err != nil {
		return Node{}, err
	}

	a, err := mesh.ParseAddress(addr)
	if err != nil {
		return Node{}, err
	}
	n.Address = a

	if uplink.Valid {
		u, err := mesh.ParseAddress(uplink.String)
		if err != nil {
			return Node{}, err
		}
		n.Uplink = &u
	}
	n.Session = session.String
	if lastSignin.Valid {
		ts := lastSignin.Time
		n.LastSignin = &ts
	}
	return n, nil
}
