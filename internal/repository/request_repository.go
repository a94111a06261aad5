package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	"github.com/noah-isme/sma-adp-extension/pkg/database"
)

const (
	requestColumns = `id, user_id, created_at, search_start, search_end, lastmod, lastmod_by`
	moduleColumns  = `request_id, module_id, course_id, kind, status, due_date, requested_due,
       requested_delta_days, granted_delta_days, last_action, updated_at`
	historyColumns = `id, request_id, module_id, actor_id, created_at, kind, from_status, to_status, payload`
)

// RequestWriter groups the statements that mutate a request. All of them run
// inside the transaction opened by RequestRepository.InTx.
type RequestWriter interface {
	CreateRequest(ctx context.Context, req *models.Request) error
	LockRequest(ctx context.Context, requestID string) (*models.Request, error)
	GetModule(ctx context.Context, requestID, moduleID string) (*models.ModuleState, error)
	UpsertModule(ctx context.Context, state *models.ModuleState) error
	TransitionModule(ctx context.Context, params TransitionParams) error
	AppendHistory(ctx context.Context, event *models.HistoryEvent) error
	AddSubscribers(ctx context.Context, requestID string, userIDs []string, at time.Time) error
	ReplaceAccess(ctx context.Context, requestID string, access map[string]models.RuleAction) error
	Touch(ctx context.Context, requestID, actorID string, at time.Time) error
}

// TransitionParams describes a guarded module status change.
type TransitionParams struct {
	RequestID    string
	ModuleID     string
	From         models.ModuleStatus
	To           models.ModuleStatus
	GrantedDelta *int
	Action       *models.RuleAction
	At           time.Time
}

// RequestRepository persists extension requests, module states and history.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository constructs the repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// InTx runs fn with a writer bound to one transaction.
func (r *RequestRepository) InTx(ctx context.Context, fn func(RequestWriter) error) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&requestTx{tx: tx})
	})
}

// GetRequest fetches the request header row.
func (r *RequestRepository) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var req models.Request
	if err := r.db.GetContext(ctx, &req, `SELECT `+requestColumns+` FROM extension_requests WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// ListModules returns the module states of a request.
func (r *RequestRepository) ListModules(ctx context.Context, requestID string) ([]models.ModuleState, error) {
	var states []models.ModuleState
	query := `SELECT ` + moduleColumns + ` FROM extension_module_states WHERE request_id = $1 ORDER BY module_id ASC`
	if err := r.db.SelectContext(ctx, &states, query, requestID); err != nil {
		return nil, fmt.Errorf("list module states: %w", err)
	}
	return states, nil
}

// ListHistory returns the history of a request in insertion order.
func (r *RequestRepository) ListHistory(ctx context.Context, requestID string) ([]models.HistoryEvent, error) {
	var events []models.HistoryEvent
	query := `SELECT ` + historyColumns + ` FROM extension_history WHERE request_id = $1 ORDER BY seq ASC`
	if err := r.db.SelectContext(ctx, &events, query, requestID); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return events, nil
}

// ListSubscribers returns interested user ids other than the requester.
func (r *RequestRepository) ListSubscribers(ctx context.Context, requestID string) ([]string, error) {
	var ids []string
	query := `SELECT user_id FROM extension_subscribers WHERE request_id = $1 ORDER BY user_id ASC`
	if err := r.db.SelectContext(ctx, &ids, query, requestID); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return ids, nil
}

type accessRow struct {
	UserID string            `db:"user_id"`
	Action models.RuleAction `db:"action"`
}

// ListAccess returns the per-user action granted by the last evaluation.
func (r *RequestRepository) ListAccess(ctx context.Context, requestID string) (map[string]models.RuleAction, error) {
	var rows []accessRow
	query := `SELECT user_id, action FROM extension_access WHERE request_id = $1`
	if err := r.db.SelectContext(ctx, &rows, query, requestID); err != nil {
		return nil, fmt.Errorf("list access: %w", err)
	}
	access := make(map[string]models.RuleAction, len(rows))
	for _, row := range rows {
		access[row.UserID] = row.Action
	}
	return access, nil
}

type requestTx struct {
	tx *sqlx.Tx
}

func (w *requestTx) CreateRequest(ctx context.Context, req *models.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	const query = `INSERT INTO extension_requests (id, user_id, created_at, search_start, search_end, lastmod, lastmod_by)
VALUES (:id, :user_id, :created_at, :search_start, :search_end, :lastmod, :lastmod_by)`
	if _, err := w.tx.NamedExecContext(ctx, query, req); err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

// LockRequest reads the request row FOR UPDATE, serializing writers across processes.
func (w *requestTx) LockRequest(ctx context.Context, requestID string) (*models.Request, error) {
	var req models.Request
	query := `SELECT ` + requestColumns + ` FROM extension_requests WHERE id = $1 FOR UPDATE`
	if err := w.tx.GetContext(ctx, &req, query, requestID); err != nil {
		return nil, err
	}
	return &req, nil
}

func (w *requestTx) GetModule(ctx context.Context, requestID, moduleID string) (*models.ModuleState, error) {
	var state models.ModuleState
	query := `SELECT ` + moduleColumns + ` FROM extension_module_states WHERE request_id = $1 AND module_id = $2`
	if err := w.tx.GetContext(ctx, &state, query, requestID, moduleID); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *requestTx) UpsertModule(ctx context.Context, state *models.ModuleState) error {
	const query = `INSERT INTO extension_module_states (request_id, module_id, course_id, kind, status, due_date,
       requested_due, requested_delta_days, granted_delta_days, last_action, updated_at)
VALUES (:request_id, :module_id, :course_id, :kind, :status, :due_date, :requested_due, :requested_delta_days,
        :granted_delta_days, :last_action, :updated_at)
ON CONFLICT (request_id, module_id)
DO UPDATE SET status = EXCLUDED.status, due_date = EXCLUDED.due_date, requested_due = EXCLUDED.requested_due,
              requested_delta_days = EXCLUDED.requested_delta_days, updated_at = EXCLUDED.updated_at`
	if _, err := w.tx.NamedExecContext(ctx, query, state); err != nil {
		return fmt.Errorf("upsert module state: %w", err)
	}
	return nil
}

// TransitionModule updates the status only while it still equals From.
// A lost race yields sql.ErrNoRows.
func (w *requestTx) TransitionModule(ctx context.Context, p TransitionParams) error {
	const query = `UPDATE extension_module_states
SET status = $1, granted_delta_days = COALESCE($2, granted_delta_days), last_action = COALESCE($3, last_action), updated_at = $4
WHERE request_id = $5 AND module_id = $6 AND status = $7`
	var action interface{}
	if p.Action != nil {
		action = string(*p.Action)
	}
	var granted interface{}
	if p.GrantedDelta != nil {
		granted = *p.GrantedDelta
	}
	result, err := w.tx.ExecContext(ctx, query, p.To, granted, action, p.At, p.RequestID, p.ModuleID, p.From)
	if err != nil {
		return fmt.Errorf("transition module state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check module transition rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (w *requestTx) AppendHistory(ctx context.Context, event *models.HistoryEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	const query = `INSERT INTO extension_history (id, request_id, module_id, actor_id, created_at, kind, from_status, to_status, payload)
VALUES (:id, :request_id, :module_id, :actor_id, :created_at, :kind, :from_status, :to_status, :payload)`
	if _, err := w.tx.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (w *requestTx) AddSubscribers(ctx context.Context, requestID string, userIDs []string, at time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	const query = `INSERT INTO extension_subscribers (request_id, user_id, added_at)
SELECT $1, u, $2 FROM unnest($3::text[]) AS u
ON CONFLICT (request_id, user_id) DO NOTHING`
	if _, err := w.tx.ExecContext(ctx, query, requestID, at, pq.Array(ids)); err != nil {
		return fmt.Errorf("add subscribers: %w", err)
	}
	return nil
}

func (w *requestTx) ReplaceAccess(ctx context.Context, requestID string, access map[string]models.RuleAction) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM extension_access WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("clear access: %w", err)
	}
	if len(access) == 0 {
		return nil
	}
	users := make([]string, 0, len(access))
	for user := range access {
		users = append(users, user)
	}
	sort.Strings(users)
	actions := make([]string, len(users))
	for i, user := range users {
		actions[i] = string(access[user])
	}
	const query = `INSERT INTO extension_access (request_id, user_id, action)
SELECT $1, u.user_id, u.action FROM unnest($2::text[], $3::text[]) AS u(user_id, action)`
	if _, err := w.tx.ExecContext(ctx, query, requestID, pq.Array(users), pq.Array(actions)); err != nil {
		return fmt.Errorf("store access: %w", err)
	}
	return nil
}

func (w *requestTx) Touch(ctx context.Context, requestID, actorID string, at time.Time) error {
	result, err := w.tx.ExecContext(ctx, `UPDATE extension_requests SET lastmod = $1, lastmod_by = $2 WHERE id = $3`, at, actorID, requestID)
	if err != nil {
		return fmt.Errorf("touch request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check touch rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
