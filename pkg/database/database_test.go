package database

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/crosslogic/finance-service/internal/config"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTenant() models.TenantRecord {
	return models.TenantRecord{
		UserID:     "alice",
		ProviderID: "site-a",
		Strategy:   "postpaid",
		Properties: map[string]string{models.PropertyPaymentStatus: "waiting"},
		Credits:    decimal.RequireFromString("-4.25"),
		Invoices: []models.Invoice{{
			ID:         "inv-1",
			UserID:     "alice",
			ProviderID: "site-a",
			State:      models.InvoiceStateNew,
			Total:      decimal.NewFromInt(100),
		}},
	}
}

func samplePlan() models.PlanRecord {
	return models.PlanRecord{
		Name:     "standard",
		Version:  3,
		TimeUnit: time.Hour,
		Rules: []models.PriceRule{
			{Item: models.ComputeItem(2, 4096), Price: decimal.RequireFromString("0.25")},
		},
	}
}

func TestMemoryStore_Tenants(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.LoadTenant(ctx, "alice", "site-a")
	assert.ErrorIs(t, err, models.ErrUnknownTenant)

	require.NoError(t, store.SaveTenant(ctx, sampleTenant()))
	require.NoError(t, store.SaveTenant(ctx, models.TenantRecord{UserID: "bob", ProviderID: "site-a"}))

	rec, err := store.LoadTenant(ctx, "alice", "site-a")
	require.NoError(t, err)
	assert.Equal(t, "postpaid", rec.Strategy)
	assert.True(t, rec.Credits.Equal(decimal.RequireFromString("-4.25")))

	all, err := store.LoadTenants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].UserID)
	assert.Equal(t, "bob", all[1].UserID)
}

func TestMemoryStore_RejectsStaleTenantWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := sampleTenant()
	first.Version = 1
	require.NoError(t, store.SaveTenant(ctx, first))

	// a second writer that read version 0 loses
	other := sampleTenant()
	other.Version = 1
	other.Credits = decimal.NewFromInt(50)
	assert.ErrorIs(t, store.SaveTenant(ctx, other), models.ErrConflict)

	next := sampleTenant()
	next.Version = 2
	next.Credits = decimal.NewFromInt(1)
	require.NoError(t, store.SaveTenant(ctx, next))

	rec, err := store.LoadTenant(ctx, "alice", "site-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.True(t, rec.Credits.Equal(decimal.NewFromInt(1)))
}

func TestMemoryStore_Plans(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.LoadPlan(ctx, "standard")
	assert.ErrorIs(t, err, models.ErrPlanNotFound)

	require.NoError(t, store.SavePlan(ctx, samplePlan()))
	rec, err := store.LoadPlan(ctx, "standard")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)
	assert.Equal(t, time.Hour, rec.TimeUnit)
}

func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	port, _ := strconv.Atoi(getenv("DB_PORT", "5432"))
	db, err := NewDatabase(config.DatabaseConfig{
		Host:            getenv("DB_HOST", "localhost"),
		Port:            port,
		User:            getenv("DB_USER", "postgres"),
		Password:        getenv("DB_PASSWORD", "postgres"),
		Database:        getenv("DB_NAME", "finance_test"),
		SSLMode:         "disable",
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.EnsureSchema(context.Background()))
	_, err = db.Pool.Exec(context.Background(), `TRUNCATE finance_tenants, finance_plans`)
	require.NoError(t, err)
	return db
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestTenantStore_Integration(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	store := NewTenantStore(db)

	_, err := store.LoadTenant(ctx, "alice", "site-a")
	assert.ErrorIs(t, err, models.ErrUnknownTenant)

	rec := sampleTenant()
	rec.Version = 1
	require.NoError(t, store.SaveTenant(ctx, rec))

	rec.Strategy = ""
	rec.Version = 2
	require.NoError(t, store.SaveTenant(ctx, rec))

	stale := sampleTenant()
	stale.Version = 2
	assert.ErrorIs(t, store.SaveTenant(ctx, stale), models.ErrConflict)

	loaded, err := store.LoadTenant(ctx, "alice", "site-a")
	require.NoError(t, err)
	assert.Empty(t, loaded.Strategy)
	assert.Equal(t, int64(2), loaded.Version)
	assert.True(t, loaded.Credits.Equal(rec.Credits))
	require.Len(t, loaded.Invoices, 1)
	assert.Equal(t, "inv-1", loaded.Invoices[0].ID)
	assert.Equal(t, "waiting", loaded.Properties[models.PropertyPaymentStatus])

	all, err := store.LoadTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPlanStore_Integration(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	store := NewPlanStore(db)

	_, err := store.LoadPlan(ctx, "standard")
	assert.ErrorIs(t, err, models.ErrPlanNotFound)

	require.NoError(t, store.SavePlan(ctx, samplePlan()))
	rec, err := store.LoadPlan(ctx, "standard")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)
	assert.Equal(t, time.Hour, rec.TimeUnit)
	require.Len(t, rec.Rules, 1)
	assert.True(t, rec.Rules[0].Price.Equal(decimal.RequireFromString("0.25")))
}
