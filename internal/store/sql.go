package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/db"
	"github.com/taskplane/taskplane/internal/db/dialect"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// SQLStore persists entities in SQLite or PostgreSQL through a shared pool.
//
// Tenant scoping is enforced with explicit tenant_id predicates on every
// statement. On PostgreSQL each scoped transaction additionally sets
// app.current_tenant_id via set_config so row-level security policies can
// be layered on without code changes.
type SQLStore struct {
	pool   *db.Pool
	logger *logger.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store over the pool and initializes the schema.
func NewSQLStore(pool *db.Pool, log *logger.Logger) (*SQLStore, error) {
	s := &SQLStore{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := sqliteSchema
	if dialect.IsPostgres(s.pool.DriverName()) {
		schema = postgresSchema
	}
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.pool.Close() }

// scopeFilter returns the tenant predicate appended to every scoped query.
// Admin scope yields no predicate.
func scopeFilter(ctx context.Context) (string, []interface{}, error) {
	scope := tenant.FromContext(ctx)
	if scope.IsAdmin() {
		return "", nil, nil
	}
	if scope.TenantID() == "" {
		return "", nil, apperrors.Forbidden("no tenant scope on request")
	}
	return " AND tenant_id = ?", []interface{}{scope.TenantID()}, nil
}

// withTx runs fn in a writer transaction. Scoped transactions on PostgreSQL
// also publish the tenant id to the session via set_config.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if dialect.IsPostgres(s.pool.DriverName()) {
		if scope := tenant.FromContext(ctx); !scope.IsAdmin() && scope.TenantID() != "" {
			if _, err := tx.ExecContext(ctx,
				`SELECT set_config('app.current_tenant_id', $1, true)`, scope.TenantID()); err != nil {
				return fmt.Errorf("failed to set tenant scope: %w", err)
			}
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) rebind(query string) string {
	return s.pool.Writer().Rebind(query)
}

// Row types

type codebaseRow struct {
	ID        string         `db:"id"`
	TenantID  string         `db:"tenant_id"`
	Name      string         `db:"name"`
	Path      string         `db:"path"`
	WorkerID  sql.NullString `db:"worker_id"`
	Status    string         `db:"status"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r *codebaseRow) toAPI() *v1.Codebase {
	codebase := &v1.Codebase{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Name:      r.Name,
		Path:      r.Path,
		Status:    v1.CodebaseStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.WorkerID.Valid {
		codebase.WorkerID = &r.WorkerID.String
	}
	return codebase
}

type taskRow struct {
	ID                   string         `db:"id"`
	TenantID             string         `db:"tenant_id"`
	CodebaseID           sql.NullString `db:"codebase_id"`
	Title                string         `db:"title"`
	Prompt               string         `db:"prompt"`
	AgentType            string         `db:"agent_type"`
	Priority             int            `db:"priority"`
	RequestedModel       string         `db:"requested_model"`
	ResolvedModel        string         `db:"resolved_model"`
	TargetAgentName      string         `db:"target_agent_name"`
	WorkerPersonality    string         `db:"worker_personality"`
	RequiredCapabilities string         `db:"required_capabilities"`
	Status               string         `db:"status"`
	WorkerID             sql.NullString `db:"worker_id"`
	SessionID            sql.NullString `db:"session_id"`
	Result               string         `db:"result"`
	Error                string         `db:"error"`
	Metadata             string         `db:"metadata"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
	StartedAt            sql.NullTime   `db:"started_at"`
	CompletedAt          sql.NullTime   `db:"completed_at"`
}

func (r *taskRow) toAPI() (*v1.Task, error) {
	task := &v1.Task{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Title:             r.Title,
		Prompt:            r.Prompt,
		AgentType:         r.AgentType,
		Priority:          r.Priority,
		RequestedModel:    r.RequestedModel,
		ResolvedModel:     r.ResolvedModel,
		TargetAgentName:   r.TargetAgentName,
		WorkerPersonality: r.WorkerPersonality,
		Status:            v1.TaskStatus(r.Status),
		Result:            r.Result,
		Error:             r.Error,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.CodebaseID.Valid {
		task.CodebaseID = &r.CodebaseID.String
	}
	if r.WorkerID.Valid {
		task.WorkerID = &r.WorkerID.String
	}
	if r.SessionID.Valid {
		task.SessionID = &r.SessionID.String
	}
	if r.StartedAt.Valid {
		task.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		task.CompletedAt = &r.CompletedAt.Time
	}
	if r.RequiredCapabilities != "" {
		if err := json.Unmarshal([]byte(r.RequiredCapabilities), &task.RequiredCapabilities); err != nil {
			return nil, fmt.Errorf("failed to decode required_capabilities for task %s: %w", r.ID, err)
		}
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for task %s: %w", r.ID, err)
		}
	}
	return task, nil
}

type sessionRow struct {
	ID          string       `db:"id"`
	TenantID    string       `db:"tenant_id"`
	CodebaseID  string       `db:"codebase_id"`
	Status      string       `db:"status"`
	ServiceName string       `db:"service_name"`
	CreatedAt   time.Time    `db:"created_at"`
	EndedAt     sql.NullTime `db:"ended_at"`
}

func (r *sessionRow) toAPI() *v1.Session {
	session := &v1.Session{
		ID:          r.ID,
		TenantID:    r.TenantID,
		CodebaseID:  r.CodebaseID,
		Status:      v1.SessionStatus(r.Status),
		ServiceName: r.ServiceName,
		CreatedAt:   r.CreatedAt,
	}
	if r.EndedAt.Valid {
		session.EndedAt = &r.EndedAt.Time
	}
	return session
}

type cronjobRow struct {
	ID        string    `db:"id"`
	TenantID  string    `db:"tenant_id"`
	Schedule  string    `db:"schedule"`
	Timezone  string    `db:"timezone"`
	Enabled   bool      `db:"enabled"`
	Template  string    `db:"template"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *cronjobRow) toAPI() (*v1.Cronjob, error) {
	cronjob := &v1.Cronjob{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Schedule:  r.Schedule,
		Timezone:  r.Timezone,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Template != "" {
		if err := json.Unmarshal([]byte(r.Template), &cronjob.Template); err != nil {
			return nil, fmt.Errorf("failed to decode template for cronjob %s: %w", r.ID, err)
		}
	}
	return cronjob, nil
}

func marshalJSON(value interface{}, empty string) (string, error) {
	if value == nil {
		return empty, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Codebase operations

func (s *SQLStore) UpsertCodebase(ctx context.Context, codebase *v1.Codebase) error {
	tenantID, err := resolveTenant(ctx, codebase.TenantID)
	if err != nil {
		return err
	}
	codebase.TenantID = tenantID
	if codebase.Status == "" {
		codebase.Status = v1.CodebaseStatusActive
	}
	now := time.Now().UTC()
	codebase.UpdatedAt = now

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing codebaseRow
		err := tx.GetContext(ctx, &existing,
			s.rebind(`SELECT * FROM codebases WHERE id = ?`), codebase.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			codebase.CreatedAt = now
			_, err = tx.ExecContext(ctx, s.rebind(`
				INSERT INTO codebases (id, tenant_id, name, path, worker_id, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				codebase.ID, codebase.TenantID, codebase.Name, codebase.Path,
				nullString(codebase.WorkerID), string(codebase.Status),
				codebase.CreatedAt, codebase.UpdatedAt)
			return err
		case err != nil:
			return err
		case existing.TenantID != tenantID:
			return apperrors.Conflict("codebase id already in use")
		default:
			codebase.CreatedAt = existing.CreatedAt
			_, err = tx.ExecContext(ctx, s.rebind(`
				UPDATE codebases SET name = ?, path = ?, worker_id = ?, status = ?, updated_at = ?
				WHERE id = ? AND tenant_id = ?`),
				codebase.Name, codebase.Path, nullString(codebase.WorkerID),
				string(codebase.Status), codebase.UpdatedAt, codebase.ID, tenantID)
			return err
		}
	})
}

func (s *SQLStore) GetCodebase(ctx context.Context, id string) (*v1.Codebase, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	var row codebaseRow
	query := s.rebind(`SELECT * FROM codebases WHERE id = ?` + cond)
	if err := s.pool.Reader().GetContext(ctx, &row, query, append([]interface{}{id}, args...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("codebase", id)
		}
		return nil, err
	}
	return row.toAPI(), nil
}

func (s *SQLStore) ListCodebases(ctx context.Context) ([]*v1.Codebase, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	var rows []codebaseRow
	query := s.rebind(`SELECT * FROM codebases WHERE 1 = 1` + cond + ` ORDER BY id`)
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]*v1.Codebase, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toAPI())
	}
	return result, nil
}

func (s *SQLStore) DeleteCodebase(ctx context.Context, id string) error {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM codebases WHERE id = ?`+cond),
			append([]interface{}{id}, args...)...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperrors.NotFound("codebase", id)
		}
		return nil
	})
}

// Task operations

func (s *SQLStore) CreateTask(ctx context.Context, task *v1.Task) error {
	tenantID, err := resolveTenant(ctx, task.TenantID)
	if err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.TenantID = tenantID
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}

	capabilities, err := marshalJSON(task.RequiredCapabilities, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode required_capabilities: %w", err)
	}
	metadata, err := marshalJSON(task.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO tasks (
				id, tenant_id, codebase_id, title, prompt, agent_type, priority,
				requested_model, resolved_model, target_agent_name, worker_personality,
				required_capabilities, status, worker_id, session_id, result, error,
				metadata, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			task.ID, task.TenantID, nullString(task.CodebaseID), task.Title, task.Prompt,
			task.AgentType, task.Priority, task.RequestedModel, task.ResolvedModel,
			task.TargetAgentName, task.WorkerPersonality, capabilities,
			string(task.Status), nullString(task.WorkerID), nullString(task.SessionID),
			task.Result, task.Error, metadata, task.CreatedAt, task.UpdatedAt)
		return err
	})
}

func (s *SQLStore) UpdateTask(ctx context.Context, task *v1.Task) error {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC()

	capabilities, err := marshalJSON(task.RequiredCapabilities, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode required_capabilities: %w", err)
	}
	metadata, err := marshalJSON(task.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET
				codebase_id = ?, title = ?, prompt = ?, agent_type = ?, priority = ?,
				requested_model = ?, resolved_model = ?, target_agent_name = ?,
				worker_personality = ?, required_capabilities = ?, status = ?,
				worker_id = ?, session_id = ?, result = ?, error = ?, metadata = ?,
				updated_at = ?, started_at = ?, completed_at = ?
			WHERE id = ?`+cond),
			append([]interface{}{
				nullString(task.CodebaseID), task.Title, task.Prompt, task.AgentType,
				task.Priority, task.RequestedModel, task.ResolvedModel,
				task.TargetAgentName, task.WorkerPersonality, capabilities,
				string(task.Status), nullString(task.WorkerID), nullString(task.SessionID),
				task.Result, task.Error, metadata, task.UpdatedAt,
				nullTime(task.StartedAt), nullTime(task.CompletedAt), task.ID,
			}, args...)...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperrors.NotFound("task", task.ID)
		}
		return nil
	})
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	var row taskRow
	query := s.rebind(`SELECT * FROM tasks WHERE id = ?` + cond)
	if err := s.pool.Reader().GetContext(ctx, &row, query, append([]interface{}{id}, args...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("task", id)
		}
		return nil, err
	}
	return row.toAPI()
}

func (s *SQLStore) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*v1.Task, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT * FROM tasks WHERE 1 = 1` + cond
	if opts.CodebaseID != "" {
		query += ` AND codebase_id = ?`
		args = append(args, opts.CodebaseID)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, opts.SessionID)
	}
	if opts.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, opts.WorkerID)
	}
	query += ` ORDER BY created_at DESC, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var rows []taskRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, err
	}
	result := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, nil
}

// ClaimTask is the single conditional write that arbitrates the claim race:
// the UPDATE only matches while the row is still claimable, so exactly one
// concurrent caller sees an affected row.
func (s *SQLStore) ClaimTask(ctx context.Context, taskID, workerID string) (ClaimOutcome, *v1.Task, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return "", nil, err
	}

	var outcome ClaimOutcome
	var claimed *v1.Task
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = ?, worker_id = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`+cond),
			append([]interface{}{
				string(v1.TaskStatusAssigned), workerID, time.Now().UTC(),
				taskID, string(v1.TaskStatusPending), string(v1.TaskStatusQueued),
			}, args...)...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		var row taskRow
		err = tx.GetContext(ctx, &row,
			s.rebind(`SELECT * FROM tasks WHERE id = ?`+cond),
			append([]interface{}{taskID}, args...)...)
		if errors.Is(err, sql.ErrNoRows) {
			outcome = ClaimOutcomeNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if affected == 0 {
			outcome = ClaimOutcomeAlreadyClaimed
			return nil
		}
		outcome = ClaimOutcomeClaimed
		claimed, err = row.toAPI()
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return outcome, claimed, nil
}

func (s *SQLStore) ReleaseTask(ctx context.Context, taskID, workerID string, status v1.TaskStatus, result, errMsg string, sessionID *string) (*v1.Task, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	var released *v1.Task
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row taskRow
		err := tx.GetContext(ctx, &row,
			s.rebind(`SELECT * FROM tasks WHERE id = ?`+cond),
			append([]interface{}{taskID}, args...)...)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("task", taskID)
		}
		if err != nil {
			return err
		}
		task, err := row.toAPI()
		if err != nil {
			return err
		}

		if task.WorkerID == nil || *task.WorkerID != workerID {
			return apperrors.Conflict("task is not assigned to this worker")
		}
		if task.Status.IsTerminal() {
			if task.Status == status {
				released = task
				return nil
			}
			return apperrors.Conflict("task already in terminal state " + string(task.Status))
		}
		if !task.Status.CanTransitionTo(status) {
			return apperrors.Conflict("invalid transition " + string(task.Status) + " -> " + string(status))
		}

		now := time.Now().UTC()
		task.Status = status
		task.UpdatedAt = now
		if sessionID != nil {
			task.SessionID = sessionID
		}
		switch status {
		case v1.TaskStatusRunning:
			if task.StartedAt == nil {
				started := now
				task.StartedAt = &started
			}
		case v1.TaskStatusCompleted:
			task.Result = result
			completed := now
			task.CompletedAt = &completed
		case v1.TaskStatusFailed:
			task.Error = errMsg
			completed := now
			task.CompletedAt = &completed
		case v1.TaskStatusCancelled:
			if errMsg != "" {
				task.Error = errMsg
			}
			completed := now
			task.CompletedAt = &completed
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = ?, session_id = ?, result = ?, error = ?,
				updated_at = ?, started_at = ?, completed_at = ?
			WHERE id = ?`),
			string(task.Status), nullString(task.SessionID), task.Result, task.Error,
			task.UpdatedAt, nullTime(task.StartedAt), nullTime(task.CompletedAt), task.ID)
		if err != nil {
			return err
		}
		released = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (s *SQLStore) CancelTask(ctx context.Context, taskID, reason string, force bool) (*v1.Task, bool, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, false, err
	}

	statuses := []interface{}{string(v1.TaskStatusPending), string(v1.TaskStatusQueued)}
	if force {
		statuses = append(statuses, string(v1.TaskStatusAssigned), string(v1.TaskStatusRunning))
	}
	placeholders := `?, ?`
	if force {
		placeholders = `?, ?, ?, ?`
	}

	var cancelled *v1.Task
	var changed bool
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = ?, error = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND status IN (`+placeholders+`)`+cond),
			append(append([]interface{}{
				string(v1.TaskStatusCancelled), reason, now, now, taskID,
			}, statuses...), args...)...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = affected > 0

		var row taskRow
		err = tx.GetContext(ctx, &row,
			s.rebind(`SELECT * FROM tasks WHERE id = ?`+cond),
			append([]interface{}{taskID}, args...)...)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("task", taskID)
		}
		if err != nil {
			return err
		}
		cancelled, err = row.toAPI()
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return cancelled, changed, nil
}

func (s *SQLStore) RequeueTask(ctx context.Context, taskID string) (*v1.Task, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	var requeued *v1.Task
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = ?, worker_id = NULL, started_at = NULL, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?, ?)`+cond),
			append([]interface{}{
				string(v1.TaskStatusPending), time.Now().UTC(), taskID,
				string(v1.TaskStatusCompleted), string(v1.TaskStatusFailed),
				string(v1.TaskStatusCancelled),
			}, args...)...)
		if err != nil {
			return err
		}

		var row taskRow
		err = tx.GetContext(ctx, &row,
			s.rebind(`SELECT * FROM tasks WHERE id = ?`+cond),
			append([]interface{}{taskID}, args...)...)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("task", taskID)
		}
		if err != nil {
			return err
		}
		requeued, err = row.toAPI()
		return err
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// Session operations

func (s *SQLStore) CreateSession(ctx context.Context, session *v1.Session) error {
	tenantID, err := resolveTenant(ctx, session.TenantID)
	if err != nil {
		return err
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	session.TenantID = tenantID
	session.CreatedAt = time.Now().UTC()
	if session.Status == "" {
		session.Status = v1.SessionStatusActive
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO sessions (id, tenant_id, codebase_id, status, service_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			session.ID, session.TenantID, session.CodebaseID,
			string(session.Status), session.ServiceName, session.CreatedAt)
		if isUniqueViolation(err) {
			return apperrors.Conflict("codebase already has an active session")
		}
		return err
	})
}

// isUniqueViolation matches the unique-constraint error text of both the
// sqlite3 and pgx drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	var row sessionRow
	query := s.rebind(`SELECT * FROM sessions WHERE id = ?` + cond)
	if err := s.pool.Reader().GetContext(ctx, &row, query, append([]interface{}{id}, args...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, err
	}
	return row.toAPI(), nil
}

func (s *SQLStore) GetActiveSessionByCodebase(ctx context.Context, codebaseID string) (*v1.Session, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	var row sessionRow
	query := s.rebind(`SELECT * FROM sessions WHERE codebase_id = ? AND status = ?` + cond + ` LIMIT 1`)
	err = s.pool.Reader().GetContext(ctx, &row, query,
		append([]interface{}{codebaseID, string(v1.SessionStatusActive)}, args...)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("session", "active:"+codebaseID)
		}
		return nil, err
	}
	return row.toAPI(), nil
}

func (s *SQLStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE sessions SET status = ?, service_name = ?, ended_at = ?
			WHERE id = ?`+cond),
			append([]interface{}{
				string(session.Status), session.ServiceName,
				nullTime(session.EndedAt), session.ID,
			}, args...)...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperrors.NotFound("session", session.ID)
		}
		return nil
	})
}

func (s *SQLStore) EndSession(ctx context.Context, id string, endedAt time.Time) (*v1.Session, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	var ended *v1.Session
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE sessions SET status = ?, ended_at = ?
			WHERE id = ? AND status = ?`+cond),
			append([]interface{}{
				string(v1.SessionStatusEnded), endedAt.UTC(),
				id, string(v1.SessionStatusActive),
			}, args...)...)
		if err != nil {
			return err
		}

		var row sessionRow
		err = tx.GetContext(ctx, &row,
			s.rebind(`SELECT * FROM sessions WHERE id = ?`+cond),
			append([]interface{}{id}, args...)...)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("session", id)
		}
		if err != nil {
			return err
		}
		ended = row.toAPI()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, status v1.SessionStatus) ([]*v1.Session, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT * FROM sessions WHERE 1 = 1` + cond
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	var rows []sessionRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, err
	}
	result := make([]*v1.Session, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toAPI())
	}
	return result, nil
}

// Cronjob operations

func (s *SQLStore) CreateCronjob(ctx context.Context, cronjob *v1.Cronjob) error {
	tenantID, err := resolveTenant(ctx, cronjob.TenantID)
	if err != nil {
		return err
	}
	if cronjob.ID == "" {
		cronjob.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cronjob.TenantID = tenantID
	cronjob.CreatedAt = now
	cronjob.UpdatedAt = now

	template, err := marshalJSON(cronjob.Template, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO cronjobs (id, tenant_id, schedule, timezone, enabled, template, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			cronjob.ID, cronjob.TenantID, cronjob.Schedule, cronjob.Timezone,
			cronjob.Enabled, template, cronjob.CreatedAt, cronjob.UpdatedAt)
		return err
	})
}

func (s *SQLStore) GetCronjob(ctx context.Context, id string) (*v1.Cronjob, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	var row cronjobRow
	query := s.rebind(`SELECT * FROM cronjobs WHERE id = ?` + cond)
	if err := s.pool.Reader().GetContext(ctx, &row, query, append([]interface{}{id}, args...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("cronjob", id)
		}
		return nil, err
	}
	return row.toAPI()
}

func (s *SQLStore) UpdateCronjob(ctx context.Context, cronjob *v1.Cronjob) error {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return err
	}
	cronjob.UpdatedAt = time.Now().UTC()

	template, err := marshalJSON(cronjob.Template, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE cronjobs SET schedule = ?, timezone = ?, enabled = ?, template = ?, updated_at = ?
			WHERE id = ?`+cond),
			append([]interface{}{
				cronjob.Schedule, cronjob.Timezone, cronjob.Enabled,
				template, cronjob.UpdatedAt, cronjob.ID,
			}, args...)...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperrors.NotFound("cronjob", cronjob.ID)
		}
		return nil
	})
}

func (s *SQLStore) DeleteCronjob(ctx context.Context, id string) error {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM cronjobs WHERE id = ?`+cond),
			append([]interface{}{id}, args...)...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperrors.NotFound("cronjob", id)
		}
		return nil
	})
}

func (s *SQLStore) ListCronjobs(ctx context.Context) ([]*v1.Cronjob, error) {
	return s.listCronjobs(ctx, false)
}

func (s *SQLStore) ListEnabledCronjobs(ctx context.Context) ([]*v1.Cronjob, error) {
	return s.listCronjobs(ctx, true)
}

func (s *SQLStore) listCronjobs(ctx context.Context, enabledOnly bool) ([]*v1.Cronjob, error) {
	cond, args, err := scopeFilter(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT * FROM cronjobs WHERE 1 = 1` + cond
	if enabledOnly {
		query += ` AND enabled = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id`

	var rows []cronjobRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, err
	}
	result := make([]*v1.Cronjob, 0, len(rows))
	for i := range rows {
		cronjob, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		result = append(result, cronjob)
	}
	return result, nil
}

// SetWorkerLiveness upserts the last-seen timestamp for a worker under the
// caller's tenant.
func (s *SQLStore) SetWorkerLiveness(ctx context.Context, workerID string, now time.Time) error {
	tenantID, err := resolveTenant(ctx, "")
	if err != nil {
		return err
	}
	query := `
		INSERT INTO worker_liveness (tenant_id, worker_id, last_seen_at) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, worker_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`
	_, err = s.pool.Writer().ExecContext(ctx, s.rebind(query), tenantID, workerID, now.UTC())
	return err
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
