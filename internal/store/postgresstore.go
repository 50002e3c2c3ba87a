package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/innoactive/asset-pipeline-connector/internal/auth/hub"
	"github.com/innoactive/asset-pipeline-connector/internal/misc"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

const (
	defaultStateTable = "connector_state"
	defaultStateID    = "default"
)

// PostgresStoreConfig captures configuration required to initialize a Postgres-backed state store.
type PostgresStoreConfig struct {
	DSN    string
	Schema string
	Table  string
	// ID keys the row; connectors sharing one table need distinct ids.
	ID string
}

// PostgresStateStore keeps the authorization state in a single PostgreSQL row so several
// connector replicas, or a restarted container without a persistent disk, see the same state.
type PostgresStateStore struct {
	db  *sql.DB
	cfg PostgresStoreConfig
	mu  sync.Mutex
}

// NewPostgresStateStore establishes a connection to PostgreSQL.
func NewPostgresStateStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStateStore, error) {
	cfg, err := normalizePostgresConfig(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return &PostgresStateStore{db: db, cfg: cfg}, nil
}

func normalizePostgresConfig(cfg PostgresStoreConfig) (PostgresStoreConfig, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return cfg, fmt.Errorf("postgres store: DSN is required")
	}
	cfg.Schema = strings.TrimSpace(cfg.Schema)
	if cfg.Table = strings.TrimSpace(cfg.Table); cfg.Table == "" {
		cfg.Table = defaultStateTable
	}
	if cfg.ID = strings.TrimSpace(cfg.ID); cfg.ID == "" {
		cfg.ID = defaultStateID
	}
	return cfg, nil
}

// Close releases the underlying database connection.
func (s *PostgresStateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the state table (and schema when provided).
func (s *PostgresStateStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if s.cfg.Schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(s.cfg.Schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, createTableQuery(s.fullTableName())); err != nil {
		return fmt.Errorf("postgres store: create state table: %w", err)
	}
	return nil
}

// SaveState upserts the state row.
func (s *PostgresStateStore) SaveState(ctx context.Context, state string) error {
	if strings.TrimSpace(state) == "" {
		return fmt.Errorf("postgres store: refusing to persist empty state")
	}
	payload, err := json.Marshal(hub.StateRecord{State: state})
	if err != nil {
		return fmt.Errorf("postgres store: marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	misc.LogSavingCredentials(fmt.Sprintf("postgres://%s/%s", s.fullTableName(), s.cfg.ID))
	if _, err = s.db.ExecContext(ctx, upsertQuery(s.fullTableName()), s.cfg.ID, json.RawMessage(payload)); err != nil {
		return fmt.Errorf("postgres store: upsert state: %w", err)
	}
	return nil
}

// LoadState reads the state row. A missing row yields ok=false.
func (s *PostgresStateStore) LoadState(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("SELECT content FROM %s WHERE id = $1", s.fullTableName())
	var content []byte
	err := s.db.QueryRowContext(ctx, query, s.cfg.ID).Scan(&content)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		log.WithField("path", s.cfg.ID).Debug("postgres store: no authorization state persisted yet")
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("postgres store: load state: %w", err)
	}
	state, ok, err := hub.DecodeStateRecord(content)
	if err != nil {
		return "", false, fmt.Errorf("postgres store: %w", err)
	}
	return state, ok, nil
}

func (s *PostgresStateStore) fullTableName() string {
	return qualifiedTableName(s.cfg.Schema, s.cfg.Table)
}

func qualifiedTableName(schema, table string) string {
	if strings.TrimSpace(schema) == "" {
		return quoteIdentifier(table)
	}
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}

func createTableQuery(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, table)
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (id, content, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, table)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
