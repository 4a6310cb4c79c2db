package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/batondev/baton/internal/db"
	v1 "github.com/batondev/baton/pkg/api/v1"
)

// SQLite persists sessions in a single-file database. Writes go through a
// single-connection writer pool; reads use a WAL read-only pool so list and
// resume never block behind a write.
type SQLite struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func NewSQLite(path string) (*SQLite, error) {
	w, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	writer := sqlx.NewDb(w, "sqlite3")

	if err := initSchema(writer); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}

	r, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader := sqlx.NewDb(r, "sqlite3")

	return &SQLite{writer: writer, reader: reader}, nil
}

// NewSQLiteInMemory opens a shared in-memory database, used by tests. The
// single connection serves both reads and writes.
func NewSQLiteInMemory() (*SQLite, error) {
	conn, err := sqlx.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := initSchema(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	return &SQLite{writer: conn, reader: conn}, nil
}

func initSchema(conn *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		agent_session_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		session TEXT NOT NULL,
		options TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := conn.Exec(schema)
	return err
}

func (s *SQLite) Save(ctx context.Context, rec *Record) error {
	sessionJSON, optionsJSON, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO sessions (id, status, agent_session_id, created_at, last_activity_at, session, options)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			agent_session_id = excluded.agent_session_id,
			last_activity_at = excluded.last_activity_at,
			session = excluded.session,
			options = excluded.options
	`),
		rec.Session.ID,
		string(rec.Session.Status),
		rec.Session.AgentSessionID,
		rec.Session.CreatedAt,
		rec.Session.LastActivityAt,
		sessionJSON,
		optionsJSON,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.Session.ID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	var sessionJSON string
	var optionsJSON sql.NullString
	err := s.reader.QueryRowContext(ctx, s.reader.Rebind(`
		SELECT session, options FROM sessions WHERE id = ?
	`), id).Scan(&sessionJSON, &optionsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return unmarshalRecord(sessionJSON, optionsJSON.String)
}

func (s *SQLite) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT session, options FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*Record
	for rows.Next() {
		var sessionJSON string
		var optionsJSON sql.NullString
		if err := rows.Scan(&sessionJSON, &optionsJSON); err != nil {
			return nil, err
		}
		rec, err := unmarshalRecord(sessionJSON, optionsJSON.String)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.reader != s.writer {
		_ = s.reader.Close()
	}
	return s.writer.Close()
}

func marshalRecord(rec *Record) (string, sql.NullString, error) {
	sessionJSON, err := json.Marshal(rec.Session)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("marshal session: %w", err)
	}
	var optionsJSON sql.NullString
	if rec.Options != nil {
		data, err := json.Marshal(rec.Options)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("marshal options: %w", err)
		}
		optionsJSON = sql.NullString{String: string(data), Valid: true}
	}
	return string(sessionJSON), optionsJSON, nil
}

func unmarshalRecord(sessionJSON, optionsJSON string) (*Record, error) {
	var sess v1.Session
	if err := json.Unmarshal([]byte(sessionJSON), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	rec := &Record{Session: &sess}
	if optionsJSON != "" {
		var opts v1.SessionOptions
		if err := json.Unmarshal([]byte(optionsJSON), &opts); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
		rec.Options = &opts
	}
	return rec, nil
}
