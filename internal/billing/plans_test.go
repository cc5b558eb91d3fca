package billing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crosslogic/finance-service/pkg/database"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPlan_FallsBackToRulesFile(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlRules), 0o600))

	plan, err := LoadPlan(ctx, store, "standard", path)
	require.NoError(t, err)
	assert.Equal(t, "standard", plan.Name())

	saved, err := store.LoadPlan(ctx, "standard")
	require.NoError(t, err)
	assert.Len(t, saved.Rules, 2)
}

func TestLoadPlan_PrefersStoredPlan(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	require.NoError(t, store.SavePlan(ctx, models.PlanRecord{
		Name:     "standard",
		Version:  7,
		TimeUnit: time.Second,
		Rules:    []models.PriceRule{{Item: models.VolumeItem(1), Price: decimal.NewFromInt(1)}},
	}))

	plan, err := LoadPlan(ctx, store, "standard", "/does/not/exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, 7, plan.Version())
}

func TestLoadPlan_NothingToLoad(t *testing.T) {
	_, err := LoadPlan(context.Background(), database.NewMemoryStore(), "standard", "")
	assert.ErrorIs(t, err, models.ErrPlanNotFound)
}
