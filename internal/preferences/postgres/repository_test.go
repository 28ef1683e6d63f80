//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/preferences"
	"github.com/bissquit/digest-garden/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	testPool, err = container.Pool(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		log.Fatalf("connect postgres: %v", err)
	}

	code := m.Run()

	testPool.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	require.NoError(t, testutil.Truncate(context.Background(), testPool, "user_preferences"))
	return NewRepository(testPool)
}

func TestRepository_UpsertAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	pref := &domain.Preference{
		UserID:     "user-1",
		Categories: []string{"technology", "science"},
		Frequency:  domain.FrequencyWeekly,
		Email:      "reader@example.com",
		IsActive:   true,
	}
	require.NoError(t, repo.Upsert(ctx, pref))

	got, err := repo.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"technology", "science"}, got.Categories)
	assert.Equal(t, domain.FrequencyWeekly, got.Frequency)
	assert.True(t, got.IsActive)
}

func TestRepository_UpsertReplacesExistingRecord(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &domain.Preference{
		UserID:     "user-1",
		Categories: []string{"technology"},
		Frequency:  domain.FrequencyDaily,
		Email:      "old@example.com",
		IsActive:   true,
	}))
	require.NoError(t, repo.SetActive(ctx, "user-1", false))

	require.NoError(t, repo.Upsert(ctx, &domain.Preference{
		UserID:     "user-1",
		Categories: []string{"sports"},
		Frequency:  domain.FrequencyBiweekly,
		Email:      "new@example.com",
		IsActive:   true,
	}))

	got, err := repo.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sports"}, got.Categories)
	assert.Equal(t, domain.FrequencyBiweekly, got.Frequency)
	assert.Equal(t, "new@example.com", got.Email)
	assert.True(t, got.IsActive)
}

func TestRepository_MissingRecord(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Get(ctx, "nobody")
	assert.ErrorIs(t, err, preferences.ErrPreferenceNotFound)

	err = repo.SetActive(ctx, "nobody", true)
	assert.ErrorIs(t, err, preferences.ErrPreferenceNotFound)
}

func TestRepository_Ping(t *testing.T) {
	repo := newTestRepository(t)
	assert.NoError(t, repo.Ping(context.Background()))
}
