package billing

import (
	"testing"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlan(t *testing.T, rules ...models.PriceRule) *Plan {
	t.Helper()
	plan, err := NewPlan("test", RuleSet{TimeUnit: time.Millisecond, Rules: rules})
	require.NoError(t, err)
	return plan
}

func computeRecord(id string, start int64, end *time.Time) models.UsageRecord {
	return models.UsageRecord{
		ID:           id,
		ResourceType: models.KindCompute,
		Spec:         &models.RecordSpec{VCPU: 1, RAM: 1024},
		StartTime:    at(start),
		EndTime:      end,
	}
}

func TestInvoiceManager_GenerateInvoice(t *testing.T) {
	plan := newTestPlan(t, models.PriceRule{Item: models.ComputeItem(1, 1024), Price: decimal.NewFromInt(2)})
	m := NewInvoiceManager(plan)
	tenant := models.NewTenant("alice", "site-a", "postpaid", at(0))

	invoice, err := m.GenerateInvoice(tenant, at(0), at(100), []models.UsageRecord{computeRecord("r1", 50, nil)})
	require.NoError(t, err)

	assert.Equal(t, models.InvoiceStateNew, invoice.State)
	assert.True(t, invoice.Total.Equal(decimal.NewFromInt(100)), "total = %s", invoice.Total)
	require.Len(t, invoice.Items, 1)
	assert.Equal(t, 50*time.Millisecond, invoice.Items[0].TimeUsed)
	assert.NotEmpty(t, invoice.ID)

	last, err := tenant.LastBillingTime()
	require.NoError(t, err)
	assert.True(t, last.Equal(at(100)))
	assert.Equal(t, models.PaymentStatusWaiting, tenant.PaymentStatus())
	assert.Len(t, tenant.Invoices(), 1)
	assert.True(t, m.HasPaid(tenant), "a NEW invoice does not break good standing")
}

func TestInvoiceManager_SkipsRecordsOutsideWindow(t *testing.T) {
	plan := newTestPlan(t, models.PriceRule{Item: models.ComputeItem(1, 1024), Price: decimal.NewFromInt(2)})
	m := NewInvoiceManager(plan)
	tenant := models.NewTenant("alice", "site-a", "postpaid", at(0))

	invoice, err := m.GenerateInvoice(tenant, at(100), at(200), []models.UsageRecord{
		computeRecord("gone", 0, endAt(50)),
		computeRecord("live", 150, nil),
	})
	require.NoError(t, err)
	require.Len(t, invoice.Items, 1)
	assert.True(t, invoice.Total.Equal(decimal.NewFromInt(100)))
}

func TestInvoiceManager_EmptyWindow(t *testing.T) {
	m := NewInvoiceManager(newTestPlan(t))
	tenant := models.NewTenant("alice", "site-a", "postpaid", at(0))

	invoice, err := m.GenerateInvoice(tenant, at(0), at(100), nil)
	require.NoError(t, err)
	assert.True(t, invoice.Total.IsZero())
	assert.Empty(t, invoice.Items)
}

func TestInvoiceManager_UnpricedItemLeavesTenantUntouched(t *testing.T) {
	m := NewInvoiceManager(newTestPlan(t, models.PriceRule{Item: models.VolumeItem(10), Price: decimal.NewFromInt(1)}))
	tenant := models.NewTenant("alice", "site-a", "postpaid", at(0))

	_, err := m.GenerateInvoice(tenant, at(0), at(100), []models.UsageRecord{computeRecord("r1", 0, nil)})
	assert.ErrorIs(t, err, ErrUnpricedItem)

	assert.Empty(t, tenant.Invoices())
	last, err := tenant.LastBillingTime()
	require.NoError(t, err)
	assert.True(t, last.Equal(at(0)))
}

func TestInvoiceManager_LastInvoiceDefaults(t *testing.T) {
	plan := newTestPlan(t, models.PriceRule{Item: models.ComputeItem(1, 1024), Price: decimal.NewFromInt(1)})
	m := NewInvoiceManager(plan)
	tenant := models.NewTenant("alice", "site-a", "postpaid", at(0))

	invoice, err := m.GenerateLastInvoice(tenant, at(0), at(10), []models.UsageRecord{computeRecord("r1", 0, nil)})
	require.NoError(t, err)

	assert.Equal(t, models.InvoiceStateDefaulting, invoice.State)
	assert.False(t, m.HasPaid(tenant))
	assert.Equal(t, models.PaymentStatusDefaulting, tenant.PaymentStatus())
}

func TestInvoiceManager_Settle(t *testing.T) {
	plan := newTestPlan(t, models.PriceRule{Item: models.ComputeItem(1, 1024), Price: decimal.NewFromInt(1)})
	m := NewInvoiceManager(plan)
	tenant := models.NewTenant("alice", "site-a", "postpaid", at(0))

	invoice, err := m.GenerateInvoice(tenant, at(0), at(10), []models.UsageRecord{computeRecord("r1", 0, nil)})
	require.NoError(t, err)

	changed, err := m.Settle(tenant, invoice.ID, models.InvoiceStateDefaulting)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, m.HasPaid(tenant))

	changed, err = m.Settle(tenant, invoice.ID, models.InvoiceStatePaid)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, m.HasPaid(tenant))
	assert.Equal(t, models.PaymentStatusOK, tenant.PaymentStatus())

	changed, err = m.Settle(tenant, invoice.ID, models.InvoiceStatePaid)
	require.NoError(t, err)
	assert.False(t, changed)

	// amounts are never recomputed
	assert.True(t, tenant.Invoices()[0].Total.Equal(invoice.Total))

	_, err = m.Settle(tenant, invoice.ID, models.InvoiceStateNew)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	_, err = m.Settle(tenant, "missing", models.InvoiceStatePaid)
	assert.ErrorIs(t, err, models.ErrUnknownInvoice)
}

func TestInvoiceManager_PriceChangeAppliesToLaterInvoices(t *testing.T) {
	item := models.ComputeItem(1, 1024)
	plan := newTestPlan(t, models.PriceRule{Item: item, Price: decimal.NewFromInt(1)})
	m := NewInvoiceManager(plan)
	tenant := models.NewTenant("alice", "site-a", "postpaid", at(0))
	records := []models.UsageRecord{computeRecord("r1", 0, nil)}

	first, err := m.GenerateInvoice(tenant, at(0), at(10), records)
	require.NoError(t, err)

	require.NoError(t, plan.Update(RuleSet{
		TimeUnit: time.Millisecond,
		Rules:    []models.PriceRule{{Item: item, Price: decimal.NewFromInt(3)}},
	}))

	second, err := m.GenerateInvoice(tenant, at(10), at(20), records)
	require.NoError(t, err)

	assert.True(t, first.Total.Equal(decimal.NewFromInt(10)))
	assert.True(t, second.Total.Equal(decimal.NewFromInt(30)))
	assert.True(t, tenant.Invoices()[0].Total.Equal(decimal.NewFromInt(10)))
}
