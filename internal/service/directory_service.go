package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	"github.com/noah-isme/sma-adp-extension/internal/repository"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
)

type directoryStore interface {
	FindUser(ctx context.Context, id string) (*models.Recipient, error)
	UsersWithRole(ctx context.Context, role, courseID string) ([]string, error)
	UserHasCapability(ctx context.Context, userID, capability, courseID string) (bool, error)
	FindModule(ctx context.Context, id string) (*repository.CourseModule, error)
}

// DirectoryService answers role, capability, module and recipient lookups from
// the host platform tables.
type DirectoryService struct {
	repo directoryStore
}

// NewDirectoryService constructs the service.
func NewDirectoryService(repo directoryStore) *DirectoryService {
	return &DirectoryService{repo: repo}
}

// ResolvePrincipals implements PrincipalResolver.
func (s *DirectoryService) ResolvePrincipals(ctx context.Context, role, courseID string) ([]string, error) {
	ids, err := s.repo.UsersWithRole(ctx, role, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve role")
	}
	return ids, nil
}

// HasCapability implements CapabilityChecker.
func (s *DirectoryService) HasCapability(ctx context.Context, userID, capability, courseID string) (bool, error) {
	ok, err := s.repo.UserHasCapability(ctx, userID, capability, courseID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check capability")
	}
	return ok, nil
}

// ModuleSnapshot implements ModuleSnapshotProvider.
func (s *DirectoryService) ModuleSnapshot(ctx context.Context, moduleID string) (ModuleSnapshot, error) {
	module, err := s.repo.FindModule(ctx, moduleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModuleSnapshot{}, appErrors.Clone(appErrors.ErrNotFound, "course module not found")
		}
		return ModuleSnapshot{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course module")
	}
	return ModuleSnapshot{
		ModuleID: module.ID,
		CourseID: module.CourseID,
		Kind:     module.Kind,
		Name:     module.Name,
		DueDate:  module.DueDate,
	}, nil
}

// User implements UserDirectory.
func (s *DirectoryService) User(ctx context.Context, id string) (models.Recipient, error) {
	user, err := s.repo.FindUser(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Recipient{}, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return models.Recipient{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return *user, nil
}
