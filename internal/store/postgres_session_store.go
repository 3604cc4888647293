package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	_ "github.com/lib/pq"
)

const sessionSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_key TEXT NOT NULL,
	active_key TEXT NOT NULL,
	output_key TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	product JSONB,
	print_area JSONB,
	settings JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const sessionColumns = `id, status, source_type, source_key, active_key, output_key, webhook_url, product, print_area, settings, created_at, updated_at`

type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(ctx context.Context, dsn string) (*PostgresSessionStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresSessionStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresSessionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sessionSchemaSQL); err != nil {
		return fmt.Errorf("ensure sessions schema: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Close() error {
	return s.db.Close()
}

func (s *PostgresSessionStore) Create(ctx context.Context, session domain.Session) error {
	row, err := encodeSessionRow(session)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		session.ID,
		session.Status,
		session.SourceType,
		session.SourceKey,
		session.ActiveKey,
		session.OutputKey,
		session.WebhookURL,
		row.product,
		row.printArea,
		row.settings,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, id string) (domain.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, fmt.Errorf("query session: %w", err)
	}
	return session, true, nil
}

// Update locks the row for the duration of fn.
func (s *PostgresSessionStore) Update(ctx context.Context, id string, fn func(*domain.Session) error) (domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, fmt.Errorf("begin session update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("lock session: %w", err)
	}

	if err := fn(&session); err != nil {
		return domain.Session{}, err
	}
	session.ID = id
	session.UpdatedAt = time.Now().UTC()

	row, err := encodeSessionRow(session)
	if err != nil {
		return domain.Session{}, err
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE sessions
		 SET status = $1, active_key = $2, output_key = $3, webhook_url = $4,
		     product = $5, print_area = $6, settings = $7, updated_at = $8
		 WHERE id = $9`,
		session.Status,
		session.ActiveKey,
		session.OutputKey,
		session.WebhookURL,
		row.product,
		row.printArea,
		row.settings,
		session.UpdatedAt,
		id,
	)
	if err != nil {
		return domain.Session{}, fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Session{}, fmt.Errorf("commit session update: %w", err)
	}
	return session, nil
}

// sessionRow carries JSONB columns as text; lib/pq would send []byte as
// bytea.
type sessionRow struct {
	product   sql.NullString
	printArea sql.NullString
	settings  string
}

func encodeSessionRow(session domain.Session) (sessionRow, error) {
	var row sessionRow
	if session.Product != nil {
		raw, err := json.Marshal(session.Product)
		if err != nil {
			return sessionRow{}, fmt.Errorf("marshal session product: %w", err)
		}
		row.product = sql.NullString{String: string(raw), Valid: true}
	}
	if session.PrintArea != nil {
		raw, err := json.Marshal(session.PrintArea)
		if err != nil {
			return sessionRow{}, fmt.Errorf("marshal session print area: %w", err)
		}
		row.printArea = sql.NullString{String: string(raw), Valid: true}
	}
	raw, err := json.Marshal(session.Settings)
	if err != nil {
		return sessionRow{}, fmt.Errorf("marshal session settings: %w", err)
	}
	row.settings = string(raw)
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		session                         domain.Session
		productJSON, areaJSON, settings []byte
	)
	if err := row.Scan(
		&session.ID,
		&session.Status,
		&session.SourceType,
		&session.SourceKey,
		&session.ActiveKey,
		&session.OutputKey,
		&session.WebhookURL,
		&productJSON,
		&areaJSON,
		&settings,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return domain.Session{}, err
	}

	if len(productJSON) > 0 {
		if err := json.Unmarshal(productJSON, &session.Product); err != nil {
			return domain.Session{}, fmt.Errorf("unmarshal session product: %w", err)
		}
	}
	if len(areaJSON) > 0 {
		if err := json.Unmarshal(areaJSON, &session.PrintArea); err != nil {
			return domain.Session{}, fmt.Errorf("unmarshal session print area: %w", err)
		}
	}
	if err := json.Unmarshal(settings, &session.Settings); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal session settings: %w", err)
	}
	return session, nil
}
