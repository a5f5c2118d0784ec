package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sosmoto/sosmoto-service/internal/cache"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/store"
	"golang.org/x/sync/singleflight"
)

// ErrProfileUnavailable is returned for unknown and not-yet-active profiles
// alike, so the public endpoint does not leak which ids exist.
var ErrProfileUnavailable = errors.New("profile not available")

// ProfileReader serves active profiles, cache first.
type ProfileReader struct {
	store  store.ProfileStore
	cache  ProfileCache
	group  singleflight.Group
	logger *slog.Logger
}

func NewProfileReader(profiles store.ProfileStore, profileCache ProfileCache, logger *slog.Logger) *ProfileReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileReader{
		store:  profiles,
		cache:  profileCache,
		logger: logger.With("component", "profile_reader"),
	}
}

// GetActiveProfile returns the profile behind uniqueURL if it is ACTIVE.
func (r *ProfileReader) GetActiveProfile(ctx context.Context, uniqueURL string) (*domain.Profile, error) {
	if uniqueURL == "" {
		return nil, ErrProfileUnavailable
	}

	if r.cache != nil {
		cached, found, err := r.cache.GetProfile(ctx, uniqueURL)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "profile cache read failed; using store", "profile_id", uniqueURL, "error", err)
		case found && cached.IsActive():
			return cached, nil
		}
	}

	v, err, _ := r.group.Do(uniqueURL, func() (any, error) {
		return r.loadFromStore(ctx, uniqueURL)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Profile), nil
}

func (r *ProfileReader) loadFromStore(ctx context.Context, uniqueURL string) (*domain.Profile, error) {
	profile, err := r.store.GetProfile(ctx, uniqueURL)
	if errors.Is(err, store.ErrProfileNotFound) {
		return nil, ErrProfileUnavailable
	}
	if err != nil {
		return nil, err
	}
	if !profile.IsActive() {
		return nil, ErrProfileUnavailable
	}
	if r.cache != nil {
		if err := r.cache.SetProfile(ctx, profile, cache.ProfileTTL); err != nil {
			r.logger.WarnContext(ctx, "failed to populate profile cache", "profile_id", uniqueURL, "error", err)
		}
	}
	return profile, nil
}
