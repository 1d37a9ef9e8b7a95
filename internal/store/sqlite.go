package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mailgram/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store wraps the SQLite database holding sessions and the seen ledger.
// Safe for concurrent use; SQLite itself serializes writers.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Sessions ----

// SaveSession inserts or replaces the user's session.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions(user_id, address, token, account_id, created_at)
		 VALUES(?,?,?,?,?)`,
		sess.UserID, sess.Address, sess.Token, sess.AccountID,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetSession returns the user's session, or (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, userID int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, address, token, account_id, created_at FROM sessions WHERE user_id = ?`,
		userID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	return err
}

// ListSessions returns every stored session; the caller partitions
// active vs. expired.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, address, token, account_id, created_at FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PurgeSessionsBefore deletes sessions created before cutoff.
func (s *Store) PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		sess    Session
		created string
	)
	if err := r.Scan(&sess.UserID, &sess.Address, &sess.Token, &sess.AccountID, &created); err != nil {
		return Session{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		// Treat an unparsable timestamp as ancient so the session is
		// excluded from polling and purged by the next cleanup.
		t = time.Time{}
	}
	sess.CreatedAt = t
	return sess, nil
}

// ---- Seen ledger ----

// ClaimMessage attempts a first-writer-wins insert of the message id.
// It returns true iff this call performed the insert; concurrent callers
// for the same id observe false.
func (s *Store) ClaimMessage(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages_seen(message_id, claimed_at) VALUES(?,?)
		 ON CONFLICT(message_id) DO NOTHING`,
		messageID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnclaimMessage releases a claim so a future cycle can retry the message.
// Used only when processing fails after a successful claim.
func (s *Store) UnclaimMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages_seen WHERE message_id = ?`, messageID)
	return err
}

// PurgeSeenBefore deletes ledger records claimed before cutoff, bounding
// ledger growth independent of session lifetime.
func (s *Store) PurgeSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages_seen WHERE claimed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Vacuum reclaims file space after purges. Called from maintenance only.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}
