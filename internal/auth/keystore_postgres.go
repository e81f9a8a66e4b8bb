package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const apiKeysSchema = `
CREATE TABLE IF NOT EXISTS a2a_api_keys (
	key_hash   TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	record     JSONB NOT NULL,
	disabled   BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresKeyStore keeps records in a single table keyed by hash. Rows are
// upserted and never deleted.
type PostgresKeyStore struct {
	db *sql.DB
}

// NewPostgresKeyStore connects, pings and ensures the table exists.
func NewPostgresKeyStore(ctx context.Context, dbURL string) (*PostgresKeyStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PostgresKeyStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("🔑 API key store connected to PostgreSQL")
	return s, nil
}

// NewPostgresKeyStoreFromDB wraps an already opened handle.
func NewPostgresKeyStoreFromDB(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, apiKeysSchema); err != nil {
		return fmt.Errorf("create api key table: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) Load(ctx context.Context) ([]*APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_hash, record FROM a2a_api_keys`)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var records []*APIKeyRecord
	for rows.Next() {
		var hash string
		var raw []byte
		if err := rows.Scan(&hash, &raw); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		var rec APIKeyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: row %s: %v", ErrCorruptKeyStore, hash, err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *PostgresKeyStore) Save(ctx context.Context, records []*APIKeyRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO a2a_api_keys (key_hash, agent_id, record, disabled, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key_hash) DO UPDATE
		SET record = EXCLUDED.record, disabled = EXCLUDED.disabled, updated_at = now()`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode api key: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, rec.KeyHash, rec.Identity.AgentID, raw, rec.Disabled); err != nil {
			return fmt.Errorf("upsert api key: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresKeyStore) Close() error {
	return s.db.Close()
}
