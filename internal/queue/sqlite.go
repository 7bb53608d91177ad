package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

const (
	stateReady  = "ready"
	stateLeased = "leased"
	stateDead   = "dead"
)

const deliveryColumns = `id, job_id, tenant_id, lane, priority, payload_json, attempt,
	consumer, lease_expires, last_error, enqueued_at, failed_at`

// SQLiteStore keeps the lanes in a table of the daemon's database.
type SQLiteStore struct {
	db *sql.DB
	options
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore builds a queue on db and ensures its schema. The caller keeps
// ownership of db.
func NewSQLiteStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("queue: nil database")
	}
	if err := storage.EnsureSchema(ctx, db, "queue", schemaVersion, schemaSQL); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, options: buildOptions(opts)}, nil
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLiteStore) Close() error { return nil }

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Enqueue appends d to its lane.
func (s *SQLiteStore) Enqueue(ctx context.Context, d Descriptor) (string, error) {
	if strings.TrimSpace(d.JobID) == "" {
		return "", errors.New("queue: descriptor without job id")
	}
	if _, ok := job.ParseLane(string(d.Lane)); !ok {
		return "", fmt.Errorf("queue: unknown lane %q", d.Lane)
	}
	payload, err := json.Marshal(d.Request)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	id := newDeliveryID()
	now := storage.FormatTime(s.now())
	err = storage.RetryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `INSERT INTO queue_deliveries
			(id, job_id, tenant_id, lane, priority, payload_json, state, attempt, available_at, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			id, d.JobID, d.TenantID, string(d.Lane), d.Priority, string(payload), stateReady, now, now)
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", d.JobID, err)
	}
	return id, nil
}

// Claim leases the next ready delivery on lane. Expired leases on the lane are
// released first so their deliveries become claimable again, or dead-lettered
// when they already used their last attempt.
func (s *SQLiteStore) Claim(ctx context.Context, lane job.Lane, consumer string) (*Delivery, error) {
	var (
		claimed *Delivery
		dead    []DeadLetter
	)
	err := storage.RetryOnBusy(ctx, func() error {
		claimed, dead = nil, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		dead, err = s.releaseExpired(ctx, tx, lane, now)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM queue_deliveries
			WHERE lane = ? AND state = ? AND available_at <= ?
			ORDER BY priority DESC, seq LIMIT 1`,
			string(lane), stateReady, storage.FormatTime(now))
		rec, err := scanDelivery(row)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("select delivery: %w", err)
		}

		rec.attempt++
		expires := now.Add(s.visibility)
		if _, err := tx.ExecContext(ctx, `UPDATE queue_deliveries
			SET state = ?, attempt = ?, consumer = ?, lease_expires = ?
			WHERE id = ?`,
			stateLeased, rec.attempt, consumer, storage.FormatTime(expires), rec.id); err != nil {
			return fmt.Errorf("lease delivery: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}
		claimed = &Delivery{
			ID:           rec.id,
			Descriptor:   rec.descriptor,
			Attempt:      rec.attempt,
			Consumer:     consumer,
			LeaseExpires: expires,
			EnqueuedAt:   rec.enqueuedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, dl := range dead {
		s.deadLettered(ctx, dl)
	}
	return claimed, nil
}

func (s *SQLiteStore) releaseExpired(ctx context.Context, tx *sql.Tx, lane job.Lane, now time.Time) ([]DeadLetter, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM queue_deliveries
		WHERE lane = ? AND state = ? AND lease_expires < ?`,
		string(lane), stateLeased, storage.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("select expired leases: %w", err)
	}
	var expired []deliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		expired = append(expired, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var dead []DeadLetter
	stamp := storage.FormatTime(now)
	for _, rec := range expired {
		if s.policy.Exhausted(rec.attempt) {
			reason := fmt.Sprintf("lease expired on attempt %d (consumer %s)", rec.attempt, rec.consumer)
			if _, err := tx.ExecContext(ctx, `UPDATE queue_deliveries
				SET state = ?, consumer = NULL, lease_expires = NULL, last_error = ?, failed_at = ?
				WHERE id = ?`, stateDead, reason, stamp, rec.id); err != nil {
				return nil, fmt.Errorf("dead-letter expired lease: %w", err)
			}
			dl := rec.deadLetter()
			dl.LastError = reason
			dl.FailedAt = now
			dead = append(dead, dl)
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queue_deliveries
			SET state = ?, consumer = NULL, lease_expires = NULL, available_at = ?, last_error = ?
			WHERE id = ?`, stateReady, stamp, "lease expired", rec.id); err != nil {
			return nil, fmt.Errorf("release expired lease: %w", err)
		}
		s.logger.Info("expired lease released",
			logging.String(logging.FieldJobID, rec.descriptor.JobID),
			logging.String(logging.FieldLane, string(lane)),
			logging.Int(logging.FieldAttempt, rec.attempt),
			logging.String("previous_consumer", rec.consumer),
			logging.String(logging.FieldEventType, "lease_expired"),
		)
	}
	return dead, nil
}

// Ack deletes a delivery still leased by d's consumer.
func (s *SQLiteStore) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	var affected int64
	err := storage.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM queue_deliveries
			WHERE id = ? AND state = ? AND consumer = ? AND attempt = ?`,
			d.ID, stateLeased, d.Consumer, d.Attempt)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, d.ID)
	}
	return nil
}

// Nack releases d for a delayed retry or dead-letters it.
func (s *SQLiteStore) Nack(ctx context.Context, d *Delivery, reason string) (NackResult, error) {
	if d == nil {
		return NackResult{}, errors.New("queue: nil delivery")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "delivery failed"
	}
	var (
		result NackResult
		dead   *DeadLetter
	)
	err := storage.RetryOnBusy(ctx, func() error {
		dead = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin nack: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rec, err := scanDelivery(tx.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM queue_deliveries
			WHERE id = ? AND state = ? AND consumer = ? AND attempt = ?`,
			d.ID, stateLeased, d.Consumer, d.Attempt))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, d.ID)
		}
		if err != nil {
			return fmt.Errorf("load delivery: %w", err)
		}

		now := s.now()
		if s.policy.Exhausted(rec.attempt) {
			if _, err := tx.ExecContext(ctx, `UPDATE queue_deliveries
				SET state = ?, consumer = NULL, lease_expires = NULL, last_error = ?, failed_at = ?
				WHERE id = ?`, stateDead, reason, storage.FormatTime(now), rec.id); err != nil {
				return fmt.Errorf("dead-letter delivery: %w", err)
			}
			dl := rec.deadLetter()
			dl.LastError = reason
			dl.FailedAt = now
			dead = &dl
			result = NackResult{Outcome: OutcomeDead, Attempt: rec.attempt}
		} else {
			delay := s.policy.Delay(rec.attempt)
			if _, err := tx.ExecContext(ctx, `UPDATE queue_deliveries
				SET state = ?, consumer = NULL, lease_expires = NULL, last_error = ?, available_at = ?
				WHERE id = ?`, stateReady, reason, storage.FormatTime(now.Add(delay)), rec.id); err != nil {
				return fmt.Errorf("schedule retry: %w", err)
			}
			result = NackResult{Outcome: OutcomeRetry, Attempt: rec.attempt, Delay: delay}
		}
		return tx.Commit()
	})
	if err != nil {
		return NackResult{}, err
	}
	if dead != nil {
		s.deadLettered(ctx, *dead)
	}
	return result, nil
}

// Release returns d to the ready state without consuming backoff.
func (s *SQLiteStore) Release(ctx context.Context, d *Delivery) error {
	if d == nil {
		return errors.New("queue: nil delivery")
	}
	var affected int64
	err := storage.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE queue_deliveries
			SET state = ?, consumer = NULL, lease_expires = NULL, available_at = ?
			WHERE id = ? AND state = ? AND consumer = ? AND attempt = ?`,
			stateReady, storage.FormatTime(s.now()), d.ID, stateLeased, d.Consumer, d.Attempt)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", d.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, d.ID)
	}
	return nil
}

// Extend renews the lease on d for another visibility timeout.
func (s *SQLiteStore) Extend(ctx context.Context, d *Delivery) error {
	if d == nil {
		return errors.New("queue: nil delivery")
	}
	expires := s.now().Add(s.visibility)
	var affected int64
	err := storage.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE queue_deliveries SET lease_expires = ?
			WHERE id = ? AND state = ? AND consumer = ? AND attempt = ?`,
			storage.FormatTime(expires), d.ID, stateLeased, d.Consumer, d.Attempt)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("extend %s: %w", d.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, d.ID)
	}
	d.LeaseExpires = expires
	return nil
}

// DeadLetters lists dead letters, newest first.
func (s *SQLiteStore) DeadLetters(ctx context.Context, lane job.Lane, limit int) ([]DeadLetter, error) {
	query := `SELECT ` + deliveryColumns + ` FROM queue_deliveries WHERE state = ?`
	args := []any{stateDead}
	if lane != "" {
		query += ` AND lane = ?`
		args = append(args, string(lane))
	}
	query += ` ORDER BY failed_at DESC, seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, rec.deadLetter())
	}
	return out, rows.Err()
}

// DeadLetter loads a dead letter by delivery id.
func (s *SQLiteStore) DeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	rec, err := scanDelivery(s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM queue_deliveries
		WHERE id = ? AND state = ?`, id, stateDead))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}
	dl := rec.deadLetter()
	return &dl, nil
}

// TakeDeadLetter removes a dead letter and returns it.
func (s *SQLiteStore) TakeDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	var taken *DeadLetter
	err := storage.RetryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin take: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rec, err := scanDelivery(tx.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM queue_deliveries
			WHERE id = ? AND state = ?`, id, stateDead))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load dead letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_deliveries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete dead letter: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit take: %w", err)
		}
		dl := rec.deadLetter()
		taken = &dl
		return nil
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// Stats counts deliveries per lane and state. Ready deliveries whose backoff
// has not elapsed are reported as delayed.
func (s *SQLiteStore) Stats(ctx context.Context) ([]LaneStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lane, state, available_at > ?, COUNT(1)
		FROM queue_deliveries GROUP BY 1, 2, 3`, storage.FormatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	byLane := make(map[job.Lane]*LaneStats)
	stats := make([]LaneStats, 0, len(job.Lanes()))
	for _, lane := range job.Lanes() {
		stats = append(stats, LaneStats{Lane: lane})
	}
	for i := range stats {
		byLane[stats[i].Lane] = &stats[i]
	}
	for rows.Next() {
		var (
			lane, state string
			delayed     bool
			count       int
		)
		if err := rows.Scan(&lane, &state, &delayed, &count); err != nil {
			return nil, err
		}
		entry, ok := byLane[job.Lane(lane)]
		if !ok {
			continue
		}
		switch {
		case state == stateLeased:
			entry.Leased += count
		case state == stateDead:
			entry.Dead += count
		case delayed:
			entry.Delayed += count
		default:
			entry.Ready += count
		}
	}
	return stats, rows.Err()
}

type deliveryRecord struct {
	id         string
	descriptor Descriptor
	attempt    int
	consumer   string
	leaseEnds  *time.Time
	lastError  string
	enqueuedAt time.Time
	failedAt   *time.Time
}

func (r deliveryRecord) deadLetter() DeadLetter {
	dl := DeadLetter{
		ID:         r.id,
		Descriptor: r.descriptor,
		Attempts:   r.attempt,
		LastError:  r.lastError,
		EnqueuedAt: r.enqueuedAt,
	}
	if r.failedAt != nil {
		dl.FailedAt = *r.failedAt
	}
	return dl
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row scanner) (deliveryRecord, error) {
	var (
		rec        deliveryRecord
		lane       string
		payload    string
		consumer   sql.NullString
		leaseEnds  sql.NullString
		lastError  sql.NullString
		enqueuedAt string
		failedAt   sql.NullString
	)
	if err := row.Scan(&rec.id, &rec.descriptor.JobID, &rec.descriptor.TenantID, &lane,
		&rec.descriptor.Priority, &payload, &rec.attempt, &consumer, &leaseEnds,
		&lastError, &enqueuedAt, &failedAt); err != nil {
		return deliveryRecord{}, err
	}
	rec.descriptor.Lane = job.Lane(lane)
	if err := json.Unmarshal([]byte(payload), &rec.descriptor.Request); err != nil {
		return deliveryRecord{}, fmt.Errorf("decode payload: %w", err)
	}
	rec.consumer = consumer.String
	rec.leaseEnds = storage.ParseNullTime(leaseEnds)
	rec.lastError = lastError.String
	rec.enqueuedAt = storage.ParseTime(enqueuedAt)
	rec.failedAt = storage.ParseNullTime(failedAt)
	return rec, nil
}
