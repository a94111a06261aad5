package service

import (
	"context"
	"time"

	"github.com/noah-isme/sma-adp-extension/internal/models"
)

// CapabilityForceApprove authorizes a manual override without a rule match.
const CapabilityForceApprove = "force-approve"

// PrincipalResolver maps a role to the users holding it within a course.
type PrincipalResolver interface {
	ResolvePrincipals(ctx context.Context, role, courseID string) ([]string, error)
}

// PrincipalResolverFunc allows using plain functions.
type PrincipalResolverFunc func(ctx context.Context, role, courseID string) ([]string, error)

// ResolvePrincipals implements PrincipalResolver.
func (f PrincipalResolverFunc) ResolvePrincipals(ctx context.Context, role, courseID string) ([]string, error) {
	return f(ctx, role, courseID)
}

// CapabilityChecker authorizes override paths.
type CapabilityChecker interface {
	HasCapability(ctx context.Context, userID, capability, courseID string) (bool, error)
}

// CapabilityCheckerFunc allows using plain functions.
type CapabilityCheckerFunc func(ctx context.Context, userID, capability, courseID string) (bool, error)

// HasCapability implements CapabilityChecker.
func (f CapabilityCheckerFunc) HasCapability(ctx context.Context, userID, capability, courseID string) (bool, error) {
	return f(ctx, userID, capability, courseID)
}

// ModuleSnapshot is what the course catalogue knows about an activity.
type ModuleSnapshot struct {
	ModuleID string
	CourseID string
	Kind     string
	Name     string
	DueDate  time.Time
}

// ModuleSnapshotProvider looks up course-module facts.
type ModuleSnapshotProvider interface {
	ModuleSnapshot(ctx context.Context, moduleID string) (ModuleSnapshot, error)
}

// UserDirectory resolves user ids to deliverable recipients.
type UserDirectory interface {
	User(ctx context.Context, id string) (models.Recipient, error)
}

// UserDirectoryFunc allows using plain functions.
type UserDirectoryFunc func(ctx context.Context, id string) (models.Recipient, error)

// User implements UserDirectory.
func (f UserDirectoryFunc) User(ctx context.Context, id string) (models.Recipient, error) {
	return f(ctx, id)
}
