package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	chat "github.com/hanpama/modelquery/internal/chat"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);
`

// SQLite is a Memory persisted in a SQLite database, one conversation per
// instance. Several instances may share a database file.
type SQLite struct {
	db  *sql.DB
	id  uuid.UUID
	max int
}

var _ Memory = (*SQLite)(nil)

type SQLiteOption func(*SQLite)

// WithConversation resumes an existing conversation instead of starting a
// new one.
func WithConversation(id uuid.UUID) SQLiteOption {
	return func(s *SQLite) { s.id = id }
}

func WithMaxMessages(n int) SQLiteOption {
	return func(s *SQLite) {
		if n > 0 {
			s.max = n
		}
	}
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}

	s := &SQLite{db: db, id: uuid.New(), max: DefaultMaxMessages}
	for _, f := range opts {
		f(s)
	}
	return s, nil
}

func (s *SQLite) ConversationID() uuid.UUID { return s.id }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Add(ctx context.Context, msgs ...chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	current, err := s.load(ctx, tx)
	if err != nil {
		return err
	}
	next := appendWindow(current, s.max, msgs...)

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, s.id.String()); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, m := range next {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			s.id.String(), i, string(m.Role), m.Content, now,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Messages(ctx context.Context) ([]chat.Message, error) {
	return s.load(ctx, s.db)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLite) load(ctx context.Context, q querier) ([]chat.Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE conversation_id = ? ORDER BY seq`, s.id.String())
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, chat.Message{Role: chat.Role(role), Content: content})
	}
	return out, rows.Err()
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, s.id.String()); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// Conversations lists the ids stored in the database.
func (s *SQLite) Conversations(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conversation_id FROM messages ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("conversation id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
