package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HaggiTlahuisca/jurisprudencia/go/queue"
)

// seedBatchSize bounds the rows of one bulk seed statement.
const seedBatchSize = 1000

// ClaimNext atomically selects the next runnable entry of |q| — pending,
// or deferred with next_run_at due — transitions it to processing and
// returns the post-image. Returns nil when the queue has no runnable entry.
//
// SKIP LOCKED guarantees that concurrent claims never receive the same
// entry. Ordering is earliest next_run_at first (absent meaning past),
// then earliest created_at.
func (s *Store) ClaimNext(ctx context.Context, q queue.Name) (*queue.Entry, error) {
	var stmt = fmt.Sprintf(`
		UPDATE %[1]s SET
			state = 'processing',
			claimed_at = now(),
			next_run_at = NULL,
			attempts = attempts + 1
		WHERE registro = (
			SELECT registro FROM %[1]s
			WHERE state = 'pending'
			   OR (state = 'deferred' AND next_run_at <= now())
			ORDER BY next_run_at ASC NULLS FIRST, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING registro, state, attempts, created_at, claimed_at, next_run_at, last_error, payload`,
		s.table(string(q)))

	var entry queue.Entry
	var err = s.db.QueryRowxContext(ctx, stmt).StructScan(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("claiming next entry of %s: %w", q, err)
	}
	return &entry, nil
}

// MarkCompleted transitions the entry to completed.
func (s *Store) MarkCompleted(ctx context.Context, q queue.Name, registro string) error {
	var _, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'completed', completed_at = now(), claimed_at = NULL
		WHERE registro = $1`, s.table(string(q))),
		registro,
	)
	if err != nil {
		return fmt.Errorf("marking %s/%s completed: %w", q, registro, err)
	}
	return nil
}

// MarkError transitions the entry to error, recording the diagnostic.
func (s *Store) MarkError(ctx context.Context, q queue.Name, registro, msg string) error {
	var _, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'error', errored_at = now(), claimed_at = NULL, last_error = $2
		WHERE registro = $1`, s.table(string(q))),
		registro, truncateError(msg),
	)
	if err != nil {
		return fmt.Errorf("marking %s/%s error: %w", q, registro, err)
	}
	return nil
}

// MarkDeferredOrUnavailable reschedules a transiently-failed entry. Entries
// younger than the unavailable budget become deferred with next_run_at one
// defer interval out; older entries are permanently given up as unavailable.
func (s *Store) MarkDeferredOrUnavailable(ctx context.Context, q queue.Name, registro, msg string) error {
	var stmt = fmt.Sprintf(`
		UPDATE %s SET
			state = CASE WHEN now() - created_at >= make_interval(secs => $2)
				THEN 'unavailable' ELSE 'deferred' END,
			next_run_at = CASE WHEN now() - created_at >= make_interval(secs => $2)
				THEN NULL ELSE now() + make_interval(secs => $3) END,
			unavailable_at = CASE WHEN now() - created_at >= make_interval(secs => $2)
				THEN now() ELSE unavailable_at END,
			deferred_at = CASE WHEN now() - created_at >= make_interval(secs => $2)
				THEN deferred_at ELSE now() END,
			claimed_at = NULL,
			last_error = $4
		WHERE registro = $1`, s.table(string(q)))

	var _, err = s.db.ExecContext(ctx, stmt,
		registro,
		s.cfg.UnavailableBudget.Seconds(),
		s.cfg.DeferInterval.Seconds(),
		truncateError(msg),
	)
	if err != nil {
		return fmt.Errorf("deferring %s/%s: %w", q, registro, err)
	}
	return nil
}

// ReapStaleLocks returns every processing entry claimed before
// now()-|olderThan| to pending, and reports how many were reclaimed.
// This is the safety net for workers which crashed mid-dispatch.
func (s *Store) ReapStaleLocks(ctx context.Context, q queue.Name, olderThan time.Duration) (int64, error) {
	var res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'pending', claimed_at = NULL
		WHERE state = 'processing' AND claimed_at < now() - make_interval(secs => $1)`,
		s.table(string(q))),
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("reaping stale locks of %s: %w", q, err)
	}
	return res.RowsAffected()
}

// RetryErrors is the operator recovery channel: it returns up to |limit|
// error entries to pending (all of them when limit is zero), reporting the
// count transitioned.
func (s *Store) RetryErrors(ctx context.Context, q queue.Name, limit int) (int64, error) {
	var stmt = fmt.Sprintf(`
		UPDATE %[1]s SET state = 'pending', claimed_at = NULL, next_run_at = NULL
		WHERE registro IN (
			SELECT registro FROM %[1]s
			WHERE state = 'error'
			ORDER BY created_at ASC
			LIMIT NULLIF($1, 0)
			FOR UPDATE SKIP LOCKED
		)`, s.table(string(q)))

	var res, err = s.db.ExecContext(ctx, stmt, limit)
	if err != nil {
		return 0, fmt.Errorf("retrying errors of %s: %w", q, err)
	}
	return res.RowsAffected()
}

// SeedPrimary bulk-inserts one pending entry per integer key of every
// half-open [lo, hi) block, in batches, skipping keys already present.
// Blocks may overlap; the insert is idempotent.
func (s *Store) SeedPrimary(ctx context.Context, blocks [][2]int) error {
	var batch = make([]string, 0, seedBatchSize)

	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		var (
			placeholders = make([]string, len(batch))
			args         = make([]interface{}, len(batch))
		)
		for i, registro := range batch {
			placeholders[i] = fmt.Sprintf("($%d, 'pending', 0, now())", i+1)
			args[i] = registro
		}
		var stmt = fmt.Sprintf(`
			INSERT INTO %s (registro, state, attempts, created_at) VALUES %s
			ON CONFLICT (registro) DO NOTHING`,
			s.table(string(queue.Primary)), strings.Join(placeholders, ", "))

		if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("seeding primary queue: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for _, block := range blocks {
		for id := block[0]; id < block[1]; id++ {
			batch = append(batch, fmt.Sprint(id))
			if len(batch) >= seedBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// EnqueueSecondary inserts a pending secondary entry carrying its inline
// payload, skipping keys already present.
func (s *Store) EnqueueSecondary(ctx context.Context, registro string, payload queue.Payload) error {
	var _, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (registro, state, attempts, created_at, payload)
		VALUES ($1, 'pending', 0, now(), $2)
		ON CONFLICT (registro) DO NOTHING`, s.table(string(queue.Secondary))),
		registro, payload,
	)
	if err != nil {
		return fmt.Errorf("enqueueing secondary %s: %w", registro, err)
	}
	return nil
}

// Counts are the per-state entry totals of one queue.
type Counts struct {
	Total       int64
	Pending     int64
	Processing  int64
	Completed   int64
	Error       int64
	Deferred    int64
	Unavailable int64
}

// QueueCounts reports per-state totals for the dashboard.
func (s *Store) QueueCounts(ctx context.Context, q queue.Name) (Counts, error) {
	var rows, err = s.db.QueryxContext(ctx, fmt.Sprintf(
		`SELECT state, count(*) FROM %s GROUP BY state`, s.table(string(q))))
	if err != nil {
		return Counts{}, fmt.Errorf("counting %s entries: %w", q, err)
	}
	defer rows.Close()

	var counts Counts
	for rows.Next() {
		var state string
		var n int64
		if err = rows.Scan(&state, &n); err != nil {
			return Counts{}, err
		}
		counts.Total += n
		switch queue.State(state) {
		case queue.Pending:
			counts.Pending = n
		case queue.Processing:
			counts.Processing = n
		case queue.Completed:
			counts.Completed = n
		case queue.Error:
			counts.Error = n
		case queue.Deferred:
			counts.Deferred = n
		case queue.Unavailable:
			counts.Unavailable = n
		}
	}
	return counts, rows.Err()
}
