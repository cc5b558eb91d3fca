package billing

import (
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditsManager_DeductIntoDebt(t *testing.T) {
	plan := newTestPlan(t, models.PriceRule{Item: models.ComputeItem(1, 1024), Price: decimal.NewFromInt(1)})
	m := NewCreditsManager(plan)
	tenant := models.NewTenant("bob", "site-b", "prepaid", at(0))
	require.NoError(t, m.AddCredits(tenant, decimal.NewFromInt(10)))

	total, err := m.Deduct(tenant, at(0), at(15), []models.UsageRecord{computeRecord("r1", 0, nil)})
	require.NoError(t, err)

	assert.True(t, total.Equal(decimal.NewFromInt(15)))
	assert.True(t, tenant.Credits().Equal(decimal.NewFromInt(-5)), "credits = %s", tenant.Credits())
	assert.False(t, m.HasPaid(tenant))
	assert.Equal(t, models.PaymentStatusDefaulting, tenant.PaymentStatus())

	last, err := tenant.LastBillingTime()
	require.NoError(t, err)
	assert.True(t, last.Equal(at(15)))

	require.NoError(t, m.AddCredits(tenant, decimal.NewFromInt(5)))
	assert.True(t, m.HasPaid(tenant), "a zero balance is in good standing")
	assert.Equal(t, models.PaymentStatusOK, tenant.PaymentStatus())
}

func TestCreditsManager_FractionalUnits(t *testing.T) {
	plan, err := NewPlan("hourly", RuleSet{
		TimeUnit: time.Hour,
		Rules:    []models.PriceRule{{Item: models.VolumeItem(100), Price: decimal.RequireFromString("0.60")}},
	})
	require.NoError(t, err)
	m := NewCreditsManager(plan)
	tenant := models.NewTenant("bob", "site-b", "prepaid", at(0))

	record := models.UsageRecord{
		ID:           "v1",
		ResourceType: models.KindVolume,
		Spec:         &models.RecordSpec{Size: 100},
		StartTime:    at(0),
	}
	total, err := m.Deduct(tenant, at(0), at(0).Add(30*time.Minute), []models.UsageRecord{record})
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("0.3")), "total = %s", total)
}

func TestCreditsManager_UnpricedItemChangesNothing(t *testing.T) {
	m := NewCreditsManager(newTestPlan(t, models.PriceRule{Item: models.ComputeItem(1, 1024), Price: decimal.NewFromInt(1)}))
	tenant := models.NewTenant("bob", "site-b", "prepaid", at(0))

	records := []models.UsageRecord{
		computeRecord("ok", 0, nil),
		{ID: "vol", ResourceType: models.KindVolume, Spec: &models.RecordSpec{Size: 7}, StartTime: at(0)},
	}
	_, err := m.Deduct(tenant, at(0), at(10), records)
	assert.ErrorIs(t, err, ErrUnpricedItem)
	assert.True(t, tenant.Credits().IsZero())

	last, err := tenant.LastBillingTime()
	require.NoError(t, err)
	assert.True(t, last.Equal(at(0)))
}

func TestCreditsManager_AddCreditsRejectsNonPositive(t *testing.T) {
	m := NewCreditsManager(newTestPlan(t))
	tenant := models.NewTenant("bob", "site-b", "prepaid", at(0))

	assert.ErrorIs(t, m.AddCredits(tenant, decimal.Zero), models.ErrInvalidParameter)
	assert.ErrorIs(t, m.AddCredits(tenant, decimal.NewFromInt(-3)), models.ErrInvalidParameter)
	assert.True(t, tenant.Credits().IsZero())
}

func TestCreditsManager_ConcurrentMutations(t *testing.T) {
	plan := newTestPlan(t, models.PriceRule{Item: models.ComputeItem(1, 1024), Price: decimal.NewFromInt(1)})
	m := NewCreditsManager(plan)
	tenant := models.NewTenant("bob", "site-b", "prepaid", at(0))
	records := []models.UsageRecord{computeRecord("r1", 0, nil)}

	const rounds = 100
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tenant.Lock()
			defer tenant.Unlock()
			_, err := m.Deduct(tenant, at(0), at(1), records)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			tenant.Lock()
			defer tenant.Unlock()
			assert.NoError(t, m.AddCredits(tenant, decimal.NewFromInt(2)))
		}()
	}
	wg.Wait()

	tenant.Lock()
	defer tenant.Unlock()
	assert.True(t, tenant.Credits().Equal(decimal.NewFromInt(rounds)), "credits = %s", tenant.Credits())
}
