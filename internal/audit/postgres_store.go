package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentgrid/backend/internal/core"
)

// PostgresStore persists chains in a single append-only table. The primary
// key on (chain_id, seq) enforces the no-duplicate guarantee; rows are never
// updated or deleted.
//
// Schema:
//
//	CREATE TABLE IF NOT EXISTS audit_entries (
//	    chain_id       TEXT        NOT NULL,
//	    seq            BIGINT      NOT NULL,
//	    ts             TIMESTAMPTZ NOT NULL,
//	    correlation_id TEXT        NOT NULL,
//	    actor          TEXT        NOT NULL,
//	    event_type     TEXT        NOT NULL,
//	    payload        JSONB,
//	    prev_hash      TEXT        NOT NULL,
//	    hash           TEXT        NOT NULL,
//	    PRIMARY KEY (chain_id, seq)
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the DSN and ensures the audit table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			chain_id       TEXT        NOT NULL,
			seq            BIGINT      NOT NULL,
			ts             TIMESTAMPTZ NOT NULL,
			correlation_id TEXT        NOT NULL,
			actor          TEXT        NOT NULL,
			event_type     TEXT        NOT NULL,
			payload        JSONB,
			prev_hash      TEXT        NOT NULL,
			hash           TEXT        NOT NULL,
			PRIMARY KEY (chain_id, seq)
		)`)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Append(ctx context.Context, chainID string, e core.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(chain_id, seq, ts, correlation_id, actor, event_type, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		chainID, e.Seq, e.Timestamp, e.CorrelationID, e.Actor, e.EventType,
		payload, e.PrevHash, e.Hash)
	return err
}

func (s *PostgresStore) Last(ctx context.Context, chainID string) (core.AuditEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, ts, correlation_id, actor, event_type, payload, prev_hash, hash
		FROM audit_entries WHERE chain_id = $1
		ORDER BY seq DESC LIMIT 1`, chainID)
	return scanEntry(row)
}

func (s *PostgresStore) Get(ctx context.Context, chainID string, seq uint64) (core.AuditEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, ts, correlation_id, actor, event_type, payload, prev_hash, hash
		FROM audit_entries WHERE chain_id = $1 AND seq = $2`, chainID, seq)
	return scanEntry(row)
}

func (s *PostgresStore) Range(ctx context.Context, chainID string, from, to uint64) ([]core.AuditEntry, error) {
	if from == 0 {
		from = 1
	}
	query := `
		SELECT seq, ts, correlation_id, actor, event_type, payload, prev_hash, hash
		FROM audit_entries WHERE chain_id = $1 AND seq >= $2`
	args := []interface{}{chainID, from}
	if to > 0 {
		query += ` AND seq <= $3`
		args = append(args, to)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AuditEntry
	for rows.Next() {
		e, ok, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasEvent(ctx context.Context, chainID, eventType, correlationID, stepID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM audit_entries
		WHERE chain_id = $1 AND event_type = $2 AND correlation_id = $3
		  AND payload->>'step_id' = $4`,
		chainID, eventType, correlationID, stepID).Scan(&n)
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (core.AuditEntry, bool, error) {
	var e core.AuditEntry
	var payload []byte

	err := row.Scan(&e.Seq, &e.Timestamp, &e.CorrelationID, &e.Actor,
		&e.EventType, &payload, &e.PrevHash, &e.Hash)
	if err == sql.ErrNoRows {
		return core.AuditEntry{}, false, nil
	}
	if err != nil {
		return core.AuditEntry{}, false, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return core.AuditEntry{}, false, err
		}
	}
	return e, true, nil
}
