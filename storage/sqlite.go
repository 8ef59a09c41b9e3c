// Package storage persists jobs, memos, escrows and offerings in SQLite.
// Memos are append-only; jobs and escrows are mutable rows keyed by id.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentcommerce/core/engine"
	"agentcommerce/core/types"
	"agentcommerce/native/escrow"
	"agentcommerce/registry"
)

// SQLiteStore implements the engine's job store, the escrow manager's store
// and the offering registry over a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and initialises the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            phase INTEGER NOT NULL,
            status TEXT NOT NULL,
            phase_deadline TIMESTAMP,
            payload TEXT NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS memos (
            id TEXT PRIMARY KEY,
            job_id TEXT NOT NULL,
            type TEXT NOT NULL,
            sender TEXT NOT NULL,
            nonce INTEGER NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS escrows (
            id TEXT PRIMARY KEY,
            job_id TEXT NOT NULL,
            status TEXT NOT NULL,
            deadline TIMESTAMP,
            payload TEXT NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS offerings (
            id TEXT PRIMARY KEY,
            payload TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_memos_job ON memos(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init storage schema: %w", err)
		}
	}
	return nil
}

// --- jobs ---

func (s *SQLiteStore) JobPut(ctx context.Context, job *types.Job) error {
	if job == nil {
		return fmt.Errorf("storage: nil job")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO jobs (id, phase, status, phase_deadline, payload, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            phase = excluded.phase,
            status = excluded.status,
            phase_deadline = excluded.phase_deadline,
            payload = excluded.payload,
            updated_at = excluded.updated_at`,
		job.ID, int(job.Phase), string(job.Status), job.PhaseDeadline, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) JobGet(ctx context.Context, id string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = ?`, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", engine.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	job := &types.Job{}
	if err := json.Unmarshal([]byte(payload), job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLiteStore) JobListActive(ctx context.Context) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT payload FROM jobs
        WHERE status NOT IN (?, ?, ?)`,
		string(types.JobStatusCompleted), string(types.JobStatusCancelled), string(types.JobStatusExpired))
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*types.Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		job := &types.Job{}
		if err := json.Unmarshal([]byte(payload), job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- memos ---

func (s *SQLiteStore) MemoPut(ctx context.Context, m *types.Memo) error {
	if m == nil {
		return fmt.Errorf("storage: nil memo")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode memo: %w", err)
	}
	// Memos are immutable: inserts only, a duplicate id is an error.
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO memos (id, job_id, type, sender, nonce, payload, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.JobID, string(m.Type), m.SenderAddr, m.Nonce, string(payload), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("persist memo %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) MemosByJob(ctx context.Context, jobID string) ([]*types.Memo, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT payload FROM memos WHERE job_id = ? ORDER BY created_at, nonce`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list memos for job %s: %w", jobID, err)
	}
	defer rows.Close()
	var memos []*types.Memo
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		m := &types.Memo{}
		if err := json.Unmarshal([]byte(payload), m); err != nil {
			return nil, fmt.Errorf("decode memo: %w", err)
		}
		memos = append(memos, m)
	}
	return memos, rows.Err()
}

// --- escrows ---

func (s *SQLiteStore) EscrowPut(ctx context.Context, esc *escrow.Escrow) error {
	if esc == nil {
		return fmt.Errorf("storage: nil escrow")
	}
	payload, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("encode escrow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO escrows (id, job_id, status, deadline, payload, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            deadline = excluded.deadline,
            payload = excluded.payload,
            updated_at = excluded.updated_at`,
		esc.ID, esc.JobID, string(esc.Status), esc.Deadline, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist escrow %s: %w", esc.ID, err)
	}
	return nil
}

func (s *SQLiteStore) EscrowGet(ctx context.Context, id string) (*escrow.Escrow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM escrows WHERE id = ?`, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", escrow.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load escrow %s: %w", id, err)
	}
	esc := &escrow.Escrow{}
	if err := json.Unmarshal([]byte(payload), esc); err != nil {
		return nil, fmt.Errorf("decode escrow %s: %w", id, err)
	}
	return esc, nil
}

func (s *SQLiteStore) EscrowListByStatus(ctx context.Context, status escrow.Status) ([]*escrow.Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM escrows WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list escrows by status %s: %w", status, err)
	}
	defer rows.Close()
	var escrows []*escrow.Escrow
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		esc := &escrow.Escrow{}
		if err := json.Unmarshal([]byte(payload), esc); err != nil {
			return nil, fmt.Errorf("decode escrow: %w", err)
		}
		escrows = append(escrows, esc)
	}
	return escrows, rows.Err()
}

// --- offerings ---

func (s *SQLiteStore) RegisterOffering(ctx context.Context, offering *registry.Offering) error {
	if offering == nil {
		return fmt.Errorf("storage: nil offering")
	}
	payload, err := json.Marshal(offering)
	if err != nil {
		return fmt.Errorf("encode offering: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO offerings (id, payload) VALUES (?, ?)
        ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		offering.ID, string(payload))
	if err != nil {
		return fmt.Errorf("persist offering %s: %w", offering.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetOffering(ctx context.Context, id string) (*registry.Offering, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM offerings WHERE id = ?`, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", registry.ErrOfferingNotFound, id)
		}
		return nil, fmt.Errorf("load offering %s: %w", id, err)
	}
	offering := &registry.Offering{}
	if err := json.Unmarshal([]byte(payload), offering); err != nil {
		return nil, fmt.Errorf("decode offering %s: %w", id, err)
	}
	return offering, nil
}
