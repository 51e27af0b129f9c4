package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
	"github.com/geisonfgf/execAI/internal/core/execution"
	"github.com/geisonfgf/execAI/internal/errors"
)

// Store persists jobs and the audit trail. State changes go through
// Transition, which is a compare-and-set on the current state: of two
// concurrent transitions from the same state exactly one succeeds and the
// other gets ErrSchedulingConflict.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	Delete(ctx context.Context, id string) error

	// DueJobs returns ACTIVE jobs whose next run is at or before now,
	// oldest first.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// Transition moves a job from one state to another. A non-zero
	// nextRunAt is written in the same update.
	Transition(ctx context.Context, id string, from, to State, nextRunAt time.Time) error
	// Claim is the ACTIVE -> RUNNING transition, guarded on the job still being due.
	Claim(ctx context.Context, id string, now time.Time) error
	SetOverdue(ctx context.Context, id string, overdue bool) error
	SetNextRun(ctx context.Context, id string, next time.Time) error
	// CompleteRun records a finished run. The counters and result are always
	// stored; the state change only applies if the job is still RUNNING.
	CompleteRun(ctx context.Context, id string, outcome RunOutcome) (bool, error)
	// Recover returns jobs left RUNNING by a crash to ACTIVE, due at now.
	Recover(ctx context.Context, now time.Time) ([]string, error)

	RecordAudit(ctx context.Context, event AuditEvent) error
	ListAudit(ctx context.Context, jobID string, limit int) ([]AuditEvent, error)
	Stats(ctx context.Context) (*Stats, error)
}

// SQLStore is the SQLite-backed Store
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

// StoreOption configures a SQLStore
type StoreOption func(*SQLStore)

// WithStoreClock overrides the clock used for updated_at stamps
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *SQLStore) { s.clock = clock }
}

// NewStore wraps an open, migrated database
func NewStore(db *sql.DB, opts ...StoreOption) *SQLStore {
	s := &SQLStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, name, raw_text, commands, risk, reason, requested_at,
	schedule_kind, run_at, cron_expr, timezone, state, next_run_at, last_run_at,
	last_result, consecutive_failures, run_count, max_runs, overdue, created_at, updated_at`

// Create inserts a new job
func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job has no id")
	}
	cmds, err := json.Marshal(job.Command.Commands)
	if err != nil {
		return errors.Wrap(err, "encode commands")
	}
	lastResult, err := encodeResult(job.LastResult)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.Command.CreatedAt.IsZero() {
		job.Command.CreatedAt = job.CreatedAt
	}
	if job.Schedule.Timezone == "" {
		job.Schedule.Timezone = "UTC"
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Command.RawText, string(cmds), job.Command.Risk.String(),
		job.Command.Reason, nanos(job.Command.CreatedAt),
		string(job.Schedule.Kind), nanos(job.Schedule.At), job.Schedule.Expr, job.Schedule.Timezone,
		string(job.State), nanos(job.NextRunAt), nanos(job.LastRunAt), lastResult,
		job.ConsecutiveFailures, job.RunCount, job.MaxRuns, job.Overdue,
		nanos(job.CreatedAt), nanos(job.UpdatedAt),
	)
	if err != nil {
		return errors.StoreUnavailable(err, "insert job")
	}
	return nil
}

// Get looks a job up by id or by a unique id prefix
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Usagef("job id is required")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.StoreUnavailable(err, "get job")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`,
		escapeLike(id)+"%")
	if err != nil {
		return nil, errors.StoreUnavailable(err, "get job")
	}
	matches, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, errors.NotFoundf("job %s not found", id)
	case 1:
		return matches[0], nil
	default:
		return nil, errors.Usagef("job id prefix %q is ambiguous", id)
	}
}

// List returns jobs in creation order
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StoreUnavailable(err, "list jobs")
	}
	return collectJobs(rows)
}

// Delete removes a job. Its audit events are kept.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.StoreUnavailable(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("job %s not found", id)
	}
	return nil
}

// DueJobs returns ACTIVE jobs with next_run_at <= now, oldest first
func (s *SQLStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		string(StateActive), now.UTC().UnixNano(), limit)
	if err != nil {
		return nil, errors.StoreUnavailable(err, "query due jobs")
	}
	return collectJobs(rows)
}

// Transition performs a compare-and-set state change
func (s *SQLStore) Transition(ctx context.Context, id string, from, to State, nextRunAt time.Time) error {
	if !CanTransition(from, to) {
		return errors.Newf("invalid transition %s -> %s", from, to)
	}

	query := `UPDATE jobs SET state = ?, updated_at = ?`
	args := []any{string(to), s.now()}
	if !nextRunAt.IsZero() {
		query += `, next_run_at = ?`
		args = append(args, nextRunAt.UTC().UnixNano())
	}
	if to == StateActive || to == StatePaused || to.IsTerminal() {
		query += `, overdue = 0`
	}
	query += ` WHERE id = ? AND state = ?`
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.StoreUnavailable(err, "transition job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.StoreUnavailable(err, "transition job")
	}
	if n == 1 {
		return nil
	}
	return s.casMiss(ctx, id, from)
}

// Claim moves a due ACTIVE job to RUNNING. It fails with
// ErrSchedulingConflict if the job was claimed, changed or rescheduled past
// now since it was read.
func (s *SQLStore) Claim(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, updated_at = ?
		WHERE id = ? AND state = ? AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		string(StateRunning), s.now(), id, string(StateActive), now.UTC().UnixNano())
	if err != nil {
		return errors.StoreUnavailable(err, "claim job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.StoreUnavailable(err, "claim job")
	}
	if n == 1 {
		return nil
	}
	return s.casMiss(ctx, id, StateActive)
}

// casMiss explains why a compare-and-set touched no row
func (s *SQLStore) casMiss(ctx context.Context, id string, from State) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return errors.NotFoundf("job %s not found", id)
	case err != nil:
		return errors.StoreUnavailable(err, "read job state")
	}
	msg := errors.Newf("job %s is %s, not %s", id, current, from)
	if State(current) == from {
		msg = errors.Newf("job %s is no longer due", id)
	}
	return errors.Mark(msg, errors.ErrSchedulingConflict)
}

// SetOverdue flags or clears the overdue marker
func (s *SQLStore) SetOverdue(ctx context.Context, id string, overdue bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET overdue = ?, updated_at = ? WHERE id = ? AND overdue != ?`,
		overdue, s.now(), id, overdue)
	if err != nil {
		return errors.StoreUnavailable(err, "mark job overdue")
	}
	return nil
}

// SetNextRun moves the next firing of a job without touching its state
func (s *SQLStore) SetNextRun(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE id = ?`, nanos(next), s.now(), id)
	if err != nil {
		return errors.StoreUnavailable(err, "set next run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("job %s not found", id)
	}
	return nil
}

// CompleteRun stores the outcome of a run in one transaction
func (s *SQLStore) CompleteRun(ctx context.Context, id string, outcome RunOutcome) (bool, error) {
	lastResult, err := encodeResult(outcome.Result)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.StoreUnavailable(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	res, err := tx.ExecContext(ctx, `UPDATE jobs
		SET last_run_at = ?, last_result = ?, consecutive_failures = ?, run_count = ?,
			overdue = 0, updated_at = ?
		WHERE id = ?`,
		nanos(outcome.FinishedAt), lastResult, outcome.ConsecutiveFailures, outcome.RunCount, now, id)
	if err != nil {
		return false, errors.StoreUnavailable(err, "record run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, errors.NotFoundf("job %s not found", id)
	}

	res, err = tx.ExecContext(ctx, `UPDATE jobs SET state = ?, next_run_at = ?
		WHERE id = ? AND state = ?`,
		string(outcome.NextState), nanos(outcome.NextRunAt), id, string(StateRunning))
	if err != nil {
		return false, errors.StoreUnavailable(err, "record run")
	}
	applied, err := res.RowsAffected()
	if err != nil {
		return false, errors.StoreUnavailable(err, "record run")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.StoreUnavailable(err, "commit run")
	}
	return applied == 1, nil
}

// Recover resets RUNNING jobs to ACTIVE, due immediately
func (s *SQLStore) Recover(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.StoreUnavailable(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM jobs WHERE state = ? ORDER BY created_at ASC, id ASC`, string(StateRunning))
	if err != nil {
		return nil, errors.StoreUnavailable(err, "find interrupted jobs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, errors.StoreUnavailable(err, "find interrupted jobs")
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.StoreUnavailable(err, "find interrupted jobs")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, next_run_at = ?, updated_at = ? WHERE state = ?`,
		string(StateActive), now.UTC().UnixNano(), s.now(), string(StateRunning)); err != nil {
		return nil, errors.StoreUnavailable(err, "recover jobs")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.StoreUnavailable(err, "commit recovery")
	}
	return ids, nil
}

// RecordAudit appends an event to the audit trail
func (s *SQLStore) RecordAudit(ctx context.Context, event AuditEvent) error {
	at := event.At
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (at, kind, job_id, command, detail) VALUES (?, ?, ?, ?, ?)`,
		at.UTC().UnixNano(), event.Kind, event.JobID, event.Command, event.Detail)
	if err != nil {
		return errors.StoreUnavailable(err, "record audit event")
	}
	return nil
}

// ListAudit returns the newest events first, optionally for one job
func (s *SQLStore) ListAudit(ctx context.Context, jobID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, at, kind, job_id, command, detail FROM audit_events`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StoreUnavailable(err, "list audit events")
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			ev AuditEvent
			at int64
		)
		if err := rows.Scan(&ev.ID, &at, &ev.Kind, &ev.JobID, &ev.Command, &ev.Detail); err != nil {
			return nil, errors.StoreUnavailable(err, "scan audit event")
		}
		ev.At = time.Unix(0, at).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreUnavailable(err, "list audit events")
	}
	return events, nil
}

// Stats counts jobs per state and finds the next scheduled run
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByState: make(map[State]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.StoreUnavailable(err, "count jobs")
	}
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			_ = rows.Close()
			return nil, errors.StoreUnavailable(err, "count jobs")
		}
		stats.ByState[State(state)] = count
		stats.Total += count
	}
	if err := rows.Close(); err != nil {
		return nil, errors.StoreUnavailable(err, "count jobs")
	}

	var (
		id   string
		next int64
	)
	err = s.db.QueryRowContext(ctx, `SELECT id, next_run_at FROM jobs
		WHERE state = ? AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC, created_at ASC LIMIT 1`, string(StateActive)).Scan(&id, &next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, errors.StoreUnavailable(err, "find next job")
	default:
		stats.NextJobID = id
		stats.NextExecution = time.Unix(0, next).UTC()
	}
	return stats, nil
}

func (s *SQLStore) now() int64 {
	return s.clock().UTC().UnixNano()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job                     Job
		cmds, risk, kind, state string
		requestedAt             int64
		runAt, nextRun, lastRun sql.NullInt64
		lastResult              sql.NullString
		createdAt, updatedAt    int64
	)
	err := row.Scan(
		&job.ID, &job.Name, &job.Command.RawText, &cmds, &risk, &job.Command.Reason, &requestedAt,
		&kind, &runAt, &job.Schedule.Expr, &job.Schedule.Timezone, &state, &nextRun, &lastRun,
		&lastResult, &job.ConsecutiveFailures, &job.RunCount, &job.MaxRuns, &job.Overdue,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(cmds), &job.Command.Commands); err != nil {
		return nil, errors.Wrapf(err, "decode commands of job %s", job.ID)
	}
	// Unknown ratings were written by a newer version; treat them as safe.
	job.Command.Risk, _ = ai.ParseRisk(risk)
	job.Command.CreatedAt = time.Unix(0, requestedAt).UTC()
	job.Schedule.Kind = ScheduleKind(kind)
	job.Schedule.At = fromNanos(runAt)
	job.State = State(state)
	job.NextRunAt = fromNanos(nextRun)
	job.LastRunAt = fromNanos(lastRun)
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if lastResult.Valid && lastResult.String != "" {
		var res execution.Result
		if err := json.Unmarshal([]byte(lastResult.String), &res); err != nil {
			return nil, errors.Wrapf(err, "decode last result of job %s", job.ID)
		}
		job.LastResult = &res
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.StoreUnavailable(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreUnavailable(err, "read jobs")
	}
	return jobs, nil
}

func encodeResult(res *execution.Result) (any, error) {
	if res == nil {
		return nil, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, errors.Wrap(err, "encode result")
	}
	return string(data), nil
}

func nanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
