package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-adp-extension/internal/models"
)

const ruleColumns = `id, datatype, name, priority, parent_id, length_comparator, length_threshold_days,
       elapsed_comparator, elapsed_threshold_days, role, action, notify_subject, notify_body,
       requester_subject, requester_body, created_at, updated_at`

const upsertRuleQuery = `INSERT INTO extension_rules (id, datatype, name, priority, parent_id, length_comparator,
       length_threshold_days, elapsed_comparator, elapsed_threshold_days, role, action, notify_subject,
       notify_body, requester_subject, requester_body, created_at, updated_at)
VALUES (:id, :datatype, :name, :priority, :parent_id, :length_comparator, :length_threshold_days,
        :elapsed_comparator, :elapsed_threshold_days, :role, :action, :notify_subject, :notify_body,
        :requester_subject, :requester_body, :created_at, :updated_at)
ON CONFLICT (id)
DO UPDATE SET datatype = EXCLUDED.datatype, name = EXCLUDED.name, priority = EXCLUDED.priority,
              parent_id = EXCLUDED.parent_id, length_comparator = EXCLUDED.length_comparator,
              length_threshold_days = EXCLUDED.length_threshold_days,
              elapsed_comparator = EXCLUDED.elapsed_comparator,
              elapsed_threshold_days = EXCLUDED.elapsed_threshold_days, role = EXCLUDED.role,
              action = EXCLUDED.action, notify_subject = EXCLUDED.notify_subject,
              notify_body = EXCLUDED.notify_body, requester_subject = EXCLUDED.requester_subject,
              requester_body = EXCLUDED.requester_body, updated_at = EXCLUDED.updated_at`

// RuleRepository persists trigger rule records.
type RuleRepository struct {
	db *sqlx.DB
}

// NewRuleRepository constructs the repository.
func NewRuleRepository(db *sqlx.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// ListByDataType returns every rule record of a data type as flat rows.
func (r *RuleRepository) ListByDataType(ctx context.Context, dataType string) ([]models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM extension_rules WHERE datatype = $1 ORDER BY priority ASC, id ASC`
	var rules []models.Rule
	if err := r.db.SelectContext(ctx, &rules, query, dataType); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// GetByID fetches a rule by identifier.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM extension_rules WHERE id = $1`
	var rule models.Rule
	if err := r.db.GetContext(ctx, &rule, query, id); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Upsert inserts or updates a rule record.
func (r *RuleRepository) Upsert(ctx context.Context, rule *models.Rule) error {
	stampRule(rule)
	if _, err := r.db.NamedExecContext(ctx, upsertRuleQuery, rule); err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

// BulkUpsert upserts rules within a transaction. Parents must precede children.
func (r *RuleRepository) BulkUpsert(ctx context.Context, rules []models.Rule) error {
	if len(rules) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk rule tx: %w", err)
	}
	for i := range rules {
		stampRule(&rules[i])
		if _, err := tx.NamedExecContext(ctx, upsertRuleQuery, rules[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bulk upsert rule %s: %w", rules[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk rule tx: %w", err)
	}
	return nil
}

// Delete removes a rule and moves its children onto the deleted rule's parent,
// so no subtree is left pointing at a missing record.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete rule tx: %w", err)
	}

	var parent sql.NullString
	if err := tx.GetContext(ctx, &parent, `SELECT parent_id FROM extension_rules WHERE id = $1 FOR UPDATE`, id); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("lock rule %s: %w", id, err)
	}

	var newParent interface{}
	if parent.Valid && parent.String != "" {
		newParent = parent.String
	}
	if _, err := tx.ExecContext(ctx, `UPDATE extension_rules SET parent_id = $1, updated_at = $2 WHERE parent_id = $3`,
		newParent, time.Now().UTC(), id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reparent children of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM extension_rules WHERE id = $1`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete rule tx: %w", err)
	}
	return nil
}

func stampRule(rule *models.Rule) {
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if rule.ParentID != nil && *rule.ParentID == "" {
		rule.ParentID = nil
	}
}
