package universe

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoutso/tickerd/internal/database"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db, zerolog.Nop())
}

func TestRepository_ResolveUniverseFilters(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	seed := []Symbol{
		{Symbol: "AAPL", Name: "Apple", IsActive: true},
		{Symbol: "MSFT", Name: "Microsoft", IsActive: true},
		{Symbol: "ZTEST", Name: "Test issue", IsActive: true, IsTest: true},
		{Symbol: "DEAD", Name: "Delisted", IsActive: false},
		{Symbol: "ACME.W", Name: "Acme warrants", IsActive: true},
		{Symbol: "ACME.U", Name: "Acme units", IsActive: true},
	}
	for _, s := range seed {
		require.NoError(t, repo.Upsert(ctx, s))
	}

	symbols, err := repo.ResolveUniverse(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
}

func TestRepository_EmptyUniverse(t *testing.T) {
	repo := testRepo(t)

	symbols, err := repo.ResolveUniverse(context.Background())
	require.NoError(t, err)
	assert.Empty(t, symbols)
}

func TestRepository_ReplaceAll(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, Symbol{Symbol: "OLD", IsActive: true}))
	require.NoError(t, repo.ReplaceAll(ctx, []Symbol{
		{Symbol: "NEW1", IsActive: true},
		{Symbol: "NEW2", IsActive: true},
	}))

	symbols, err := repo.ResolveUniverse(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"NEW1", "NEW2"}, symbols)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
