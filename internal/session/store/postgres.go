package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/batondev/baton/internal/common/config"
)

// Postgres backs the store with a pgx connection pool, for deployments where
// several orchestrator processes share one database.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the configured database and ensures the schema.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			agent_session_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			session JSONB NOT NULL,
			options JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`)
	return err
}

func (p *Postgres) Save(ctx context.Context, rec *Record) error {
	sessionJSON, optionsJSON, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	var options any
	if optionsJSON.Valid {
		options = optionsJSON.String
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (id, status, agent_session_id, created_at, last_activity_at, session, options)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			agent_session_id = EXCLUDED.agent_session_id,
			last_activity_at = EXCLUDED.last_activity_at,
			session = EXCLUDED.session,
			options = EXCLUDED.options
	`,
		rec.Session.ID,
		string(rec.Session.Status),
		rec.Session.AgentSessionID,
		rec.Session.CreatedAt,
		rec.Session.LastActivityAt,
		sessionJSON,
		options,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.Session.ID, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*Record, error) {
	var sessionJSON string
	var optionsJSON *string
	err := p.pool.QueryRow(ctx, `
		SELECT session::text, options::text FROM sessions WHERE id = $1
	`, id).Scan(&sessionJSON, &optionsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	opts := ""
	if optionsJSON != nil {
		opts = *optionsJSON
	}
	return unmarshalRecord(sessionJSON, opts)
}

func (p *Postgres) List(ctx context.Context) ([]*Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT session::text, options::text FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var sessionJSON string
		var optionsJSON *string
		if err := rows.Scan(&sessionJSON, &optionsJSON); err != nil {
			return nil, err
		}
		opts := ""
		if optionsJSON != nil {
			opts = *optionsJSON
		}
		rec, err := unmarshalRecord(sessionJSON, opts)
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

func (p *Postgres) Delete(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
