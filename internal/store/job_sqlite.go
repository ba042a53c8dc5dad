package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running') LIMIT 1`,
			dedupeKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
	}
	id := uuid.NewString()
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO jobs
		(id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt, nilIfEmpty(payloadJSON), DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim jobs begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, kind, run_at, payload_json, status, attempt, max_attempts,
		last_error, locked_at, dedupe_key, created_at, updated_at
		FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs query: %w", err)
	}
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs iterate: %w", err)
	}

	for i := range jobs {
		jobs[i].Status = JobStatusRunning
		jobs[i].Attempt++
		if _, err := tx.Exec(`UPDATE jobs SET status = 'running', attempt = ?, locked_at = ?, updated_at = ? WHERE id = ?`,
			jobs[i].Attempt, now, now, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("claim job %s: %w", jobs[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim jobs commit: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) CompleteJob(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET
		status = CASE WHEN attempt < max_attempts THEN 'queued' ELSE 'failed' END,
		run_at = CASE WHEN attempt < max_attempts THEN ? ELSE run_at END,
		last_error = ?, locked_at = NULL, updated_at = ?
		WHERE id = ?`, nextRunAt, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CancelJobsByDedupeKey(dedupeKey string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'canceled', updated_at = ?
		WHERE dedupe_key = ? AND status IN ('queued', 'running')`, time.Now(), dedupeKey)
	if err != nil {
		return fmt.Errorf("cancel jobs for %s: %w", dedupeKey, err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ?
		WHERE status = 'running' AND locked_at < ?`, time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
