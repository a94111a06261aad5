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

// DirectoryRepository reads the host platform's users, course role
// assignments, role capabilities and course modules. The tables are owned by
// the host; this service only queries them.
type DirectoryRepository struct {
	db *sqlx.DB
}

// NewDirectoryRepository creates a new instance of DirectoryRepository.
func NewDirectoryRepository(db *sqlx.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

type directoryUser struct {
	ID       string         `db:"id"`
	Email    string         `db:"email"`
	FullName string         `db:"full_name"`
	Locale   sql.NullString `db:"locale"`
	Active   bool           `db:"active"`
}

// FindUser returns a recipient by identifier. Inactive users resolve without
// an address so they are never mailed.
func (r *DirectoryRepository) FindUser(ctx context.Context, id string) (*models.Recipient, error) {
	const query = `SELECT id, email, full_name, locale, active FROM users WHERE id = $1 LIMIT 1`
	var user directoryUser
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	recipient := &models.Recipient{ID: user.ID, FullName: user.FullName, Locale: user.Locale.String}
	if user.Active {
		recipient.Email = user.Email
	}
	return recipient, nil
}

// UsersWithRole returns active users assigned role in a course.
func (r *DirectoryRepository) UsersWithRole(ctx context.Context, role, courseID string) ([]string, error) {
	const query = `SELECT a.user_id FROM course_role_assignments a
JOIN users u ON u.id = a.user_id
WHERE a.role = $1 AND a.course_id = $2 AND u.active
ORDER BY a.user_id ASC`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, role, courseID); err != nil {
		return nil, fmt.Errorf("list users with role: %w", err)
	}
	return ids, nil
}

// UserHasCapability reports whether any of the user's course roles grants capability.
func (r *DirectoryRepository) UserHasCapability(ctx context.Context, userID, capability, courseID string) (bool, error) {
	const query = `SELECT EXISTS (
    SELECT 1 FROM course_role_assignments a
    JOIN role_capabilities c ON c.role = a.role
    WHERE a.user_id = $1 AND a.course_id = $2 AND c.capability = $3
)`
	var ok bool
	if err := r.db.GetContext(ctx, &ok, query, userID, courseID, capability); err != nil {
		return false, fmt.Errorf("check capability: %w", err)
	}
	return ok, nil
}

// CourseModule is a row of the host course_modules table.
type CourseModule struct {
	ID       string    `db:"id"`
	CourseID string    `db:"course_id"`
	Kind     string    `db:"kind"`
	Name     string    `db:"name"`
	DueDate  time.Time `db:"due_date"`
}

// FindModule returns a course module by identifier.
func (r *DirectoryRepository) FindModule(ctx context.Context, id string) (*CourseModule, error) {
	const query = `SELECT id, course_id, kind, name, due_date FROM course_modules WHERE id = $1 LIMIT 1`
	var module CourseModule
	if err := r.db.GetContext(ctx, &module, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find course module: %w", err)
	}
	return &module, nil
}
