package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/async/internal/model"
)

const jobColumns = `id, kind, payload, state, attempt_count, max_attempts, not_before,
	lease_owner, lease_expires_at, last_error, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j          model.Job
		state      string
		notBefore  int64
		createdAt  int64
		updatedAt  int64
		leaseOwner sql.NullString
		lastError  sql.NullString
		leaseExp   sql.NullInt64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&j.ID, &j.Kind, &j.Payload, &state, &j.AttemptCount, &j.MaxAttempts, &notBefore,
		&leaseOwner, &leaseExp, &lastError, &createdAt, &updatedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	j.State = model.State(state)
	j.NotBefore = fromNanos(notBefore)
	j.LeaseOwner = leaseOwner.String
	j.LeaseExpiresAt = timePtr(leaseExp)
	j.LastError = lastError.String
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	j.FinishedAt = timePtr(finishedAt)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// Submit inserts a new pending job in a single transaction.
func (s *SQLiteStore) Submit(ctx context.Context, env model.Envelope, opts SubmitOptions) (*model.Job, error) {
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: kind is required", ErrInvalidJob)
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max_attempts must not be negative", ErrInvalidJob)
	}
	if opts.NotBefore.After(maxStorableTime) {
		return nil, fmt.Errorf("%w: not_before %s is after %s", ErrInvalidJob,
			opts.NotBefore.UTC().Format(time.RFC3339), maxStorableTime.Format(time.RFC3339))
	}

	now := s.now().UTC()
	j := &model.Job{
		ID:          model.NewID(),
		Kind:        env.Kind,
		Payload:     env.Payload,
		State:       model.StatePending,
		MaxAttempts: opts.MaxAttempts,
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = s.policy.Budget()
	}
	if !opts.NotBefore.IsZero() {
		j.NotBefore = opts.NotBefore.UTC()
	}

	err := s.withTx(ctx, "submit job", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (
				id, kind, payload, state, attempt_count, max_attempts, not_before,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			j.ID, j.Kind, j.Payload, string(j.State), j.MaxAttempts, toNanos(j.NotBefore),
			toNanos(j.CreatedAt), toNanos(j.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var j *model.Job
	err := s.read(ctx, "get job", func() error {
		var err error
		j, err = scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs returns a page of jobs ordered by id (submission order), newest
// first, along with the total number of jobs matching the filter.
func (s *SQLiteStore) ListJobs(ctx context.Context, opts ListOptions) ([]*model.Job, int, error) {
	var (
		where []string
		args  []any
	)
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(opts.State))
	}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, opts.Kind)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	var (
		jobs  []*model.Job
		total int
	)
	err := s.read(ctx, "list jobs", func() error {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+clause, args...).Scan(&total); err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs`+clause+` ORDER BY id DESC LIMIT ? OFFSET ?`,
			append(args, limit, opts.Offset)...,
		)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		jobs, err = scanJobs(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// FetchReady returns pending jobs eligible at now, oldest not_before first,
// ties broken by id.
func (s *SQLiteStore) FetchReady(ctx context.Context, limit int, now time.Time) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	var jobs []*model.Job
	err := s.read(ctx, "fetch ready jobs", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs
			WHERE state = ? AND not_before <= ?
			ORDER BY not_before ASC, id ASC
			LIMIT ?`,
			string(model.StatePending), toNanos(now), limit,
		)
		if err != nil {
			return fmt.Errorf("query ready jobs: %w", err)
		}
		jobs, err = scanJobs(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// TryLease atomically moves an eligible pending job, or a leased job whose
// lease has expired, to leased under owner until now+d.
func (s *SQLiteStore) TryLease(ctx context.Context, id, owner string, d time.Duration, now time.Time) (*model.Job, bool, error) {
	if owner == "" {
		return nil, false, fmt.Errorf("%w: lease owner is required", ErrInvalidJob)
	}
	var leased *model.Job
	err := s.withTx(ctx, "lease job", func(tx *sql.Tx) error {
		leased = nil
		j, err := scanJob(tx.QueryRowContext(ctx,
			`UPDATE jobs
			SET state = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ?
			  AND ((state = ? AND not_before <= ?) OR (state = ? AND lease_expires_at < ?))
			RETURNING `+jobColumns,
			string(model.StateLeased), owner, toNanos(now.Add(d)), toNanos(now),
			id,
			string(model.StatePending), toNanos(now), string(model.StateLeased), toNanos(now),
		))
		if errors.Is(err, sql.ErrNoRows) {
			var exists int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs WHERE id = ?", id).Scan(&exists); err != nil {
				return fmt.Errorf("check job: %w", err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lease job: %w", err)
		}
		leased = j
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return leased, leased != nil, nil
}

// Complete records the outcome of owner's attempt on a leased job. The
// attempt counter is incremented; success moves the job to done, failure
// moves it to pending with a backoff delay or to dead once the job's budget
// is exhausted. Lease fields are cleared in every case.
func (s *SQLiteStore) Complete(ctx context.Context, id, owner string, outcome Outcome, now time.Time) (*model.Job, error) {
	var completed *model.Job
	err := s.withTx(ctx, "complete job", func(tx *sql.Tx) error {
		var (
			state       string
			leaseOwner  sql.NullString
			attempts    int
			maxAttempts int
		)
		err := tx.QueryRowContext(ctx,
			"SELECT state, lease_owner, attempt_count, max_attempts FROM jobs WHERE id = ?", id,
		).Scan(&state, &leaseOwner, &attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read job: %w", err)
		}
		if model.State(state) != model.StateLeased || leaseOwner.String != owner {
			return fmt.Errorf("%w: job %s is %s (owner %q)", ErrLeaseLost, id, state, leaseOwner.String)
		}

		attempts++
		var row *sql.Row
		switch {
		case !outcome.Failed:
			row = tx.QueryRowContext(ctx,
				`UPDATE jobs
				SET state = ?, attempt_count = ?, lease_owner = NULL, lease_expires_at = NULL,
				    updated_at = ?, finished_at = ?
				WHERE id = ?
				RETURNING `+jobColumns,
				string(model.StateDone), attempts, toNanos(now), toNanos(now), id,
			)
		default:
			decision := s.policy.Decide(attempts, maxAttempts)
			if decision.Dead {
				row = tx.QueryRowContext(ctx,
					`UPDATE jobs
					SET state = ?, attempt_count = ?, last_error = ?, lease_owner = NULL,
					    lease_expires_at = NULL, updated_at = ?, finished_at = ?
					WHERE id = ?
					RETURNING `+jobColumns,
					string(model.StateDead), attempts, outcome.Error, toNanos(now), toNanos(now), id,
				)
			} else {
				row = tx.QueryRowContext(ctx,
					`UPDATE jobs
					SET state = ?, attempt_count = ?, last_error = ?, not_before = ?,
					    lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
					WHERE id = ?
					RETURNING `+jobColumns,
					string(model.StatePending), attempts, outcome.Error,
					toNanos(now.Add(decision.Delay)), toNanos(now), id,
				)
			}
		}

		j, err := scanJob(row)
		if err != nil {
			return fmt.Errorf("update job outcome: %w", err)
		}
		completed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// ReleaseExpiredLeases restores leased jobs whose lease expired before now to
// pending. attempt_count is left unchanged: an expiry is not an outcome.
func (s *SQLiteStore) ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, "release expired leases", func(tx *sql.Tx) error {
		ids = nil
		rows, err := tx.QueryContext(ctx,
			`UPDATE jobs
			SET state = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE state = ? AND lease_expires_at < ?
			RETURNING id`,
			string(model.StatePending), toNanos(now), string(model.StateLeased), toNanos(now),
		)
		if err != nil {
			return fmt.Errorf("release leases: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan released id: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountActive returns the number of jobs that are pending or leased.
func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.read(ctx, "count active jobs", func() error {
		return s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM jobs WHERE state IN (?, ?)",
			string(model.StatePending), string(model.StateLeased),
		).Scan(&n)
	})
	return n, err
}

// GetStats returns job counts by state and kind, and the mean number of
// attempts taken by finished jobs.
func (s *SQLiteStore) GetStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{}
	err := s.read(ctx, "job stats", func() error {
		stats.Total = 0
		stats.CountByState = make(map[model.State]int, len(model.States))
		stats.CountByKind = make(map[string]int)
		for _, st := range model.States {
			stats.CountByState[st] = 0
		}

		rows, err := s.db.QueryContext(ctx, "SELECT state, kind, COUNT(*) FROM jobs GROUP BY state, kind")
		if err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				state, kind string
				n           int
			)
			if err := rows.Scan(&state, &kind, &n); err != nil {
				return fmt.Errorf("scan counts: %w", err)
			}
			stats.Total += n
			stats.CountByState[model.State(state)] += n
			stats.CountByKind[kind] += n
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate counts: %w", err)
		}

		var avg sql.NullFloat64
		if err := s.db.QueryRowContext(ctx,
			"SELECT AVG(attempt_count) FROM jobs WHERE state IN (?, ?)",
			string(model.StateDone), string(model.StateDead),
		).Scan(&avg); err != nil {
			return fmt.Errorf("average attempts: %w", err)
		}
		stats.AvgAttempts = avg.Float64
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// PurgeFinished deletes done and dead jobs that finished before the cutoff.
func (s *SQLiteStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := s.withTx(ctx, "purge finished jobs", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM jobs WHERE state IN (?, ?) AND finished_at < ?",
			string(model.StateDone), string(model.StateDead), toNanos(before),
		)
		if err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		return nil
	})
	return int(n), err
}
