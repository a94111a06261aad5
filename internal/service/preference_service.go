package service

import (
	"context"
	"strings"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
)

type preferenceStore interface {
	Get(ctx context.Context, userID, name string) (string, bool, error)
	ListForUsers(ctx context.Context, userIDs []string, name string) (map[string]string, error)
	Set(ctx context.Context, userID, name, value string) error
}

// PreferenceService manages per-user delivery preferences.
type PreferenceService struct {
	repo preferenceStore
}

// NewPreferenceService constructs the service.
func NewPreferenceService(repo preferenceStore) *PreferenceService {
	return &PreferenceService{repo: repo}
}

// SetDigest switches a user between immediate and digest delivery.
func (s *PreferenceService) SetDigest(ctx context.Context, userID string, enabled bool) error {
	if strings.TrimSpace(userID) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}
	value := "0"
	if enabled {
		value = "1"
	}
	if err := s.repo.Set(ctx, userID, models.PreferenceMailDigest, value); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store preference")
	}
	return nil
}

// DigestEnabled reports whether the user receives digests. Users without a
// stored preference get immediate mail.
func (s *PreferenceService) DigestEnabled(ctx context.Context, userID string) (bool, error) {
	value, ok, err := s.repo.Get(ctx, userID, models.PreferenceMailDigest)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load preference")
	}
	return ok && digestValue(value), nil
}

// DigestUsers returns the subset of userIDs that prefer digests.
func (s *PreferenceService) DigestUsers(ctx context.Context, userIDs []string) (map[string]bool, error) {
	values, err := s.repo.ListForUsers(ctx, userIDs, models.PreferenceMailDigest)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load preferences")
	}
	out := make(map[string]bool, len(values))
	for user, value := range values {
		if digestValue(value) {
			out[user] = true
		}
	}
	return out, nil
}

func digestValue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "digest":
		return true
	default:
		return false
	}
}
