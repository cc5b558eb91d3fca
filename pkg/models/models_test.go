package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTenant_Defaults(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000).UTC()
	tenant := NewTenant("alice", "site-a", "prepaid", now)

	tenant.Lock()
	defer tenant.Unlock()

	last, err := tenant.LastBillingTime()
	require.NoError(t, err)
	assert.True(t, now.Equal(last))
	assert.False(t, tenant.ResourcesPaused())
	assert.Equal(t, PaymentStatusOK, tenant.PaymentStatus())
	assert.True(t, tenant.Credits().IsZero())
	assert.Equal(t, TenantKey{UserID: "alice", ProviderID: "site-a"}, tenant.Key())
}

func TestTenant_LastBillingTimeMissing(t *testing.T) {
	tenant := TenantFromRecord(TenantRecord{UserID: "bob", ProviderID: "p"})

	_, err := tenant.LastBillingTime()
	assert.ErrorIs(t, err, ErrMissingProperty)

	tenant.SetProperty(PropertyLastBillingTime, "yesterday")
	_, err = tenant.LastBillingTime()
	assert.ErrorIs(t, err, ErrMissingProperty)
}

func TestTenant_SetInvoiceState(t *testing.T) {
	tenant := NewTenant("alice", "site-a", "postpaid", time.Now())
	tenant.AddInvoice(Invoice{ID: "inv-1", State: InvoiceStateNew})

	changed, err := tenant.SetInvoiceState("inv-1", InvoiceStateDefaulting)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, tenant.HasDefaultingInvoice())

	changed, err = tenant.SetInvoiceState("inv-1", InvoiceStateDefaulting)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = tenant.SetInvoiceState("missing", InvoiceStatePaid)
	assert.ErrorIs(t, err, ErrUnknownInvoice)
}

func TestTenant_RecordRoundTrip(t *testing.T) {
	tenant := NewTenant("alice", "site-a", "prepaid", time.Now())
	tenant.AddCredits(decimal.NewFromFloat(10.5))
	tenant.SetResourcesPaused(true)
	tenant.AddInvoice(Invoice{ID: "inv-1", State: InvoiceStatePaid})

	restored := TenantFromRecord(tenant.Record())

	assert.Equal(t, "prepaid", restored.Strategy())
	assert.True(t, restored.Credits().Equal(decimal.NewFromFloat(10.5)))
	assert.True(t, restored.ResourcesPaused())
	assert.Len(t, restored.Invoices(), 1)

	// the snapshot is detached from the original
	restored.SetResourcesPaused(false)
	assert.True(t, tenant.ResourcesPaused())
}

func TestTenant_RestoreKeepsStrategy(t *testing.T) {
	tenant := NewTenant("alice", "site-a", "prepaid", time.Now())
	tenant.AddCredits(decimal.NewFromInt(3))

	stored := TenantRecord{
		UserID:     "alice",
		ProviderID: "site-a",
		Strategy:   "postpaid",
		Properties: map[string]string{PropertyPaymentStatus: string(PaymentStatusWaiting)},
		Credits:    decimal.NewFromInt(-2),
		Invoices:   []Invoice{{ID: "inv-9", State: InvoiceStateNew}},
		Version:    4,
	}
	tenant.Restore(stored)

	assert.Equal(t, "prepaid", tenant.Strategy())
	assert.Equal(t, int64(4), tenant.Version())
	assert.True(t, tenant.Credits().Equal(decimal.NewFromInt(-2)))
	assert.Equal(t, PaymentStatusWaiting, tenant.PaymentStatus())
	require.Len(t, tenant.Invoices(), 1)

	// the tenant does not alias the record
	stored.Properties[PropertyPaymentStatus] = string(PaymentStatusOK)
	assert.Equal(t, PaymentStatusWaiting, tenant.PaymentStatus())
}

func TestParseInvoiceState(t *testing.T) {
	state, err := ParseInvoiceState(" paid ")
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatePaid, state)

	_, err = ParseInvoiceState("settled")
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestUsageRecord_Validate(t *testing.T) {
	start := time.Now()
	before := start.Add(-time.Hour)

	tests := []struct {
		name    string
		record  UsageRecord
		wantErr bool
	}{
		{name: "valid", record: UsageRecord{ResourceType: KindCompute, Spec: &RecordSpec{VCPU: 1}, StartTime: start}},
		{name: "no type", record: UsageRecord{Spec: &RecordSpec{}, StartTime: start}, wantErr: true},
		{name: "no spec", record: UsageRecord{ResourceType: KindVolume, StartTime: start}, wantErr: true},
		{name: "no start", record: UsageRecord{ResourceType: KindVolume, Spec: &RecordSpec{}}, wantErr: true},
		{name: "inverted", record: UsageRecord{ResourceType: KindVolume, Spec: &RecordSpec{}, StartTime: start, EndTime: &before}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRecord)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
