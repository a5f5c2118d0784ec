package app

import (
	"context"
	"testing"

	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedActiveProfile(t *testing.T, repo *store.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.UpsertApprovedProfile(ctx, pendingProfile(id)))
	activated, err := repo.ActivateProfile(ctx, id, QRCodeObjectKey(id), "https://sosmoto.example/memorial/"+id, testNow)
	require.NoError(t, err)
	require.True(t, activated)
}

func TestProfileReader_LoadsActiveProfileAndCachesIt(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	seedActiveProfile(t, repo, "abc123")
	profileCache := newProfileCacheStub()
	reader := NewProfileReader(repo, profileCache, testLogger)

	profile, err := reader.GetActiveProfile(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", profile.PersonalData.Name)
	assert.Contains(t, profileCache.profiles, "abc123")
}

func TestProfileReader_ServesCacheHits(t *testing.T) {
	profileCache := newProfileCacheStub()
	cached := pendingProfile("abc123")
	cached.Status = domain.ProfileActive
	profileCache.profiles["abc123"] = cached

	// empty store: the cache is the only source
	reader := NewProfileReader(store.NewMemoryStore(), profileCache, testLogger)
	profile, err := reader.GetActiveProfile(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Same(t, cached, profile)
}

func TestProfileReader_CacheErrorFallsBackToStore(t *testing.T) {
	repo := store.NewMemoryStore()
	seedActiveProfile(t, repo, "abc123")
	profileCache := newProfileCacheStub()
	profileCache.getErr = errBoom

	profile, err := NewProfileReader(repo, profileCache, testLogger).GetActiveProfile(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.ProfileActive, profile.Status)
}

func TestProfileReader_HidesUnknownAndInactiveProfiles(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	require.NoError(t, repo.CreatePendingProfile(ctx, pendingProfile("pending1")))
	reader := NewProfileReader(repo, nil, testLogger)

	for _, id := range []string{"pending1", "missing", ""} {
		_, err := reader.GetActiveProfile(ctx, id)
		assert.ErrorIs(t, err, ErrProfileUnavailable, id)
	}
}
