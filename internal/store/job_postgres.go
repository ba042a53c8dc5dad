package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that PostgresStore implements JobRepo.
var _ JobRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(`SELECT id FROM jobs WHERE dedupe_key = $1 AND status IN ('queued', 'running') LIMIT 1`,
			dedupeKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
	}
	id := uuid.NewString()
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO jobs
		(id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8)`,
		id, kind, runAt, nilIfEmpty(payloadJSON), DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	// FOR UPDATE SKIP LOCKED lets multiple instances share one job table.
	rows, err := s.db.Query(`UPDATE jobs SET status = 'running', attempt = attempt + 1, locked_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
			ORDER BY run_at LIMIT $2 FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, run_at, payload_json, status, attempt, max_attempts,
			last_error, locked_at, dedupe_key, created_at, updated_at`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs iterate: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET
		status = CASE WHEN attempt < max_attempts THEN 'queued' ELSE 'failed' END,
		run_at = CASE WHEN attempt < max_attempts THEN $1 ELSE run_at END,
		last_error = $2, locked_at = NULL, updated_at = $3
		WHERE id = $4`, nextRunAt, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CancelJobsByDedupeKey(dedupeKey string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'canceled', updated_at = $1
		WHERE dedupe_key = $2 AND status IN ('queued', 'running')`, time.Now(), dedupeKey)
	if err != nil {
		return fmt.Errorf("cancel jobs for %s: %w", dedupeKey, err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = $1
		WHERE status = 'running' AND locked_at < $2`, time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
