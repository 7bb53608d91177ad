package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
	"github.com/albatrossmedia/ISN-MVP/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

var (
	ErrTerminal     = errors.New("job is in a terminal state")
	ErrNotRunning   = errors.New("job is not running")
	ErrStageOrder   = errors.New("stage order violation")
	ErrUnknownStage = errors.New("unknown stage")
	ErrIncomplete   = errors.New("stages incomplete")
	ErrDuplicate    = errors.New("job already exists")
	ErrTransition   = errors.New("invalid status transition")
)

// EventSink receives accepted mutations. Publish must not block.
type EventSink interface {
	Publish(job.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(job.Event)

// Publish calls f(event).
func (f EventSinkFunc) Publish(event job.Event) { f(event) }

// Registry persists jobs in SQLite.
type Registry struct {
	db     *sql.DB
	ownsDB bool
	locks  *keyedMutex
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithEventSink publishes accepted mutations to sink.
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logging.NewComponentLogger(logger, "registry") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a Registry on an open database and ensures its schema. The
// caller keeps ownership of db.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Registry, error) {
	if db == nil {
		return nil, errors.New("registry: nil database")
	}
	r := &Registry{
		db:     db,
		locks:  newKeyedMutex(),
		logger: logging.NewComponentLogger(nil, "registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := storage.EnsureSchema(ctx, db, "registry", schemaVersion, schemaSQL); err != nil {
		return nil, err
	}
	return r, nil
}

// Open connects to the SQLite file at path and builds a Registry that owns the
// connection.
func Open(ctx context.Context, path string, opts ...Option) (*Registry, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.ownsDB = true
	return r, nil
}

// Close releases the database when the registry owns it.
func (r *Registry) Close() error {
	if r == nil || !r.ownsDB || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Create inserts a queued job. Stages, lane and ID must be set; timestamps are
// assigned here.
func (r *Registry) Create(ctx context.Context, j *job.Job) error {
	if j == nil || strings.TrimSpace(j.ID) == "" {
		return services.Wrap(services.ErrInvalidRequest, "registry", "create", "job id required", nil)
	}
	if len(j.Stages) == 0 {
		return services.Wrap(services.ErrInvalidRequest, "registry", "create", "job needs at least one stage", nil)
	}
	if j.Lane == "" {
		return services.Wrap(services.ErrInvalidRequest, "registry", "create", "lane required", nil)
	}

	unlock := r.locks.Lock(j.ID)
	defer unlock()

	now := r.now().UTC()
	j.Status = job.StatusQueued
	j.Progress = 0
	j.Result = nil
	j.Error = ""
	if strings.TrimSpace(j.TenantID) == "" {
		j.TenantID = j.Request.Tenant()
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	row, err := encodeJob(j)
	if err != nil {
		return err
	}
	err = storage.RetryOnBusy(ctx, func() error {
		_, execErr := r.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (`+jobPlaceholders+`)`, row.args()...)
		return execErr
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, j.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	r.publish(job.NewStatusEvent(j.Clone()))
	return nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(ctx context.Context, id string) (*job.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "registry", "get", "job "+id+" not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []job.Status
	TenantID string
	Lane     job.Lane
	Limit    int
}

// List returns jobs matching filter, newest first.
func (r *Registry) List(ctx context.Context, filter Filter) ([]job.Job, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if tenant := strings.TrimSpace(filter.TenantID); tenant != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, tenant)
	}
	if filter.Lane != "" {
		clauses = append(clauses, "lane = ?")
		args = append(args, string(filter.Lane))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return r.queryJobs(ctx, query, args...)
}

// Stale returns running jobs whose last heartbeat is older than cutoff.
func (r *Registry) Stale(ctx context.Context, cutoff time.Time) ([]job.Job, error) {
	return r.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?) ORDER BY heartbeat_at`,
		string(job.StatusRunning), storage.FormatTime(cutoff),
	)
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts(ctx context.Context) (map[job.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[job.Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[job.Status(status)] = count
	}
	return counts, rows.Err()
}

func (r *Registry) queryJobs(ctx context.Context, query string, args ...any) ([]job.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *Registry) publish(event job.Event) {
	if r.sink == nil {
		return
	}
	r.sink.Publish(event)
}
