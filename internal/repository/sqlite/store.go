// Package sqlite implements the conversation, memory and rate-limit stores on
// a local SQLite database. It backs single-node and local deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"companion-chat/internal/domain"
)

const defaultRecallLimit = 20

// Store persists companions, transcripts and memory records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path, ensuring that the parent
// directory exists, and creates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping db at %s: %w", path, err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS companions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			instructions TEXT NOT NULL,
			src TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			companion_id TEXT NOT NULL REFERENCES companions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			author_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_companion ON turns(companion_id, seq);

		CREATE TABLE IF NOT EXISTS memories (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_key ON memories(key, seq);

		CREATE TABLE IF NOT EXISTS rate_limits (
			key TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			hits INTEGER NOT NULL,
			PRIMARY KEY (key, window_start)
		);
	`)
	if err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// PutCompanion writes or replaces a companion profile.
func (s *Store) PutCompanion(ctx context.Context, c domain.Companion) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("sqlite: PutCompanion: id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO companions (id, name, instructions, src) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, instructions = excluded.instructions, src = excluded.src`,
		c.ID, c.Name, c.Instructions, c.Src)
	if err != nil {
		return fmt.Errorf("sqlite: PutCompanion: %w", err)
	}
	return nil
}

// FindCompanionAndAppendTurn resolves the companion behind conversationID and
// appends turn to its transcript in one transaction.
func (s *Store) FindCompanionAndAppendTurn(ctx context.Context, conversationID string, turn domain.Turn) (domain.Companion, domain.Turn, error) {
	var (
		companion domain.Companion
		saved     domain.Turn
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		companion, err = findCompanion(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		saved, err = s.insertTurn(ctx, tx, conversationID, turn)
		return err
	})
	if err != nil {
		return domain.Companion{}, domain.Turn{}, fmt.Errorf("sqlite: FindCompanionAndAppendTurn: %w", err)
	}
	return companion, saved, nil
}

// AppendTurn assigns an id and timestamp to turn and writes it if the
// companion exists.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn domain.Turn) (domain.Turn, error) {
	var saved domain.Turn
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := findCompanion(ctx, tx, conversationID); err != nil {
			return err
		}
		var err error
		saved, err = s.insertTurn(ctx, tx, conversationID, turn)
		return err
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("sqlite: AppendTurn: %w", err)
	}
	return saved, nil
}

// ListTurns returns the transcript of a conversation in creation order.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, author_id, created_at FROM turns
		WHERE companion_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ListTurns: %w", err)
	}
	defer rows.Close()

	turns := []domain.Turn{}
	for rows.Next() {
		var (
			t       domain.Turn
			role    string
			created int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.AuthorID, &created); err != nil {
			return nil, fmt.Errorf("sqlite: ListTurns scan: %w", err)
		}
		t.ConversationID = conversationID
		t.Role = domain.Role(role)
		t.CreatedAt = time.Unix(0, created).UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: ListTurns rows: %w", err)
	}
	return turns, nil
}

// Recall returns up to limit of the most recent memory records for key,
// oldest first.
func (s *Store) Recall(ctx context.Context, key domain.CompanionKey, limit int) ([]domain.MemoryRecord, error) {
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT content, created_at FROM (
			SELECT seq, content, created_at FROM memories WHERE key = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, key.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: Recall: %w", err)
	}
	defer rows.Close()

	records := []domain.MemoryRecord{}
	for rows.Next() {
		var (
			content string
			created int64
		)
		if err := rows.Scan(&content, &created); err != nil {
			return nil, fmt.Errorf("sqlite: Recall scan: %w", err)
		}
		records = append(records, domain.MemoryRecord{Key: key, Content: content, CreatedAt: time.Unix(0, created).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: Recall rows: %w", err)
	}
	return records, nil
}

// Remember appends one memory record for key.
func (s *Store) Remember(ctx context.Context, text string, key domain.CompanionKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO memories (key, content, created_at) VALUES (?, ?, ?)`,
		key.String(), text, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: Remember: %w", err)
	}
	return nil
}

func (s *Store) insertTurn(ctx context.Context, tx *sql.Tx, conversationID string, turn domain.Turn) (domain.Turn, error) {
	turn.ID = uuid.NewString()
	turn.ConversationID = conversationID
	turn.CreatedAt = s.now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, companion_id, role, content, author_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, conversationID, string(turn.Role), turn.Content, turn.AuthorID, turn.CreatedAt.UnixNano())
	if err != nil {
		return domain.Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	return turn, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func findCompanion(ctx context.Context, tx *sql.Tx, id string) (domain.Companion, error) {
	c := domain.Companion{ID: id}
	err := tx.QueryRowContext(ctx, `SELECT name, instructions, src FROM companions WHERE id = ?`, id).
		Scan(&c.Name, &c.Instructions, &c.Src)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Companion{}, fmt.Errorf("companion %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Companion{}, fmt.Errorf("find companion: %w", err)
	}
	return c, nil
}
