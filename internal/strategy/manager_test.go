package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *PrePaid, *PostPaid, *fixture) {
	t.Helper()
	f := newFixture(t)
	pre := newTestPrePaid(t, f)
	post := newTestPostPaid(t, f)

	m := NewManager()
	require.NoError(t, m.Add(pre))
	require.NoError(t, m.Add(post))
	return m, pre, post, f
}

func TestManager_AddAndGet(t *testing.T) {
	m, pre, _, f := newTestManager(t)

	err := m.Add(newTestPrePaid(t, f))
	assert.ErrorIs(t, err, ErrDuplicateStrategy)

	got, err := m.Get("prepaid")
	require.NoError(t, err)
	assert.Same(t, pre, got)

	_, err = m.Get("freemium")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	assert.Equal(t, []string{"prepaid", "postpaid"}, m.Names())
}

func TestManager_RoutesByTenant(t *testing.T) {
	ctx := context.Background()
	m, _, post, _ := newTestManager(t)

	require.NoError(t, m.RegisterTenant(ctx, "alice", "site-a", "postpaid"))
	require.NoError(t, m.RegisterTenant(ctx, "bob", "site-a", "prepaid"))

	s, err := m.ManagerOf("alice", "site-a")
	require.NoError(t, err)
	assert.Same(t, post, s)

	err = m.RegisterTenant(ctx, "carol", "site-a", "freemium")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	require.NoError(t, m.AddCredits(ctx, "bob", "site-a", decimal.NewFromInt(12)))
	credits, err := m.FinanceState(ctx, "bob", "site-a", PropertyCredits)
	require.NoError(t, err)
	assert.Equal(t, "12", credits)

	ok, err := m.IsAuthorized(ctx, "bob", "site-a", OperationCreate)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_UnmanagedTenant(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	_, err := m.IsAuthorized(ctx, "ghost", "site-a", OperationCreate)
	assert.ErrorIs(t, err, ErrUnmanagedTenant)
	assert.True(t, errors.Is(err, models.ErrUnknownTenant))

	_, err = m.FinanceState(ctx, "ghost", "site-a", PropertyCredits)
	assert.ErrorIs(t, err, ErrUnmanagedTenant)

	err = m.UnregisterTenant(ctx, "ghost", "site-a")
	assert.ErrorIs(t, err, ErrUnmanagedTenant)

	err = m.ReportInvoiceState(ctx, "ghost", "site-a", "inv-1", models.InvoiceStatePaid)
	assert.ErrorIs(t, err, ErrUnmanagedTenant)
}

func TestManager_ReportInvoiceState(t *testing.T) {
	ctx := context.Background()
	m, _, post, f := newTestManager(t)

	require.NoError(t, m.RegisterTenant(ctx, "alice", "site-a", "postpaid"))
	rewind(t, f.holder, "alice", "site-a", at(0))
	f.clock.Set(at(100))
	require.NoError(t, post.newBillingUnit().RunOnce(ctx))
	invoiceID := invoicesOf(t, post, "alice", "site-a")[0].ID

	require.NoError(t, m.ReportInvoiceState(ctx, "alice", "site-a", invoiceID, models.InvoiceStatePaid))
	status, err := m.FinanceState(ctx, "alice", "site-a", PropertyPaymentStatus)
	require.NoError(t, err)
	assert.Equal(t, string(models.PaymentStatusOK), status)

	// a credit purchase for a postpaid tenant is refused
	err = m.AddCredits(ctx, "alice", "site-a", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}

func TestManager_UnregisterThenUnmanaged(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	require.NoError(t, m.RegisterTenant(ctx, "bob", "site-a", "prepaid"))
	require.NoError(t, m.UnregisterTenant(ctx, "bob", "site-a"))

	_, err := m.ManagerOf("bob", "site-a")
	assert.ErrorIs(t, err, ErrUnmanagedTenant)
}

func TestManager_StartStopAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, pre, post, _ := newTestManager(t)

	m.StartAll(ctx)
	assert.True(t, pre.WorkersActive())
	assert.True(t, post.WorkersActive())

	m.StopAll()
	assert.False(t, pre.WorkersActive())
	assert.False(t, post.WorkersActive())
}

func TestManager_ReportInvoiceStateAfterUnregister(t *testing.T) {
	ctx := context.Background()
	m, _, post, f := newTestManager(t)

	require.NoError(t, m.RegisterTenant(ctx, "alice", "site-a", "postpaid"))
	rewind(t, f.holder, "alice", "site-a", at(0))
	f.usage.set("alice", "site-a", computeRecord("r1", 0))
	f.clock.Set(at(30))
	require.NoError(t, m.UnregisterTenant(ctx, "alice", "site-a"))

	rec, err := f.store.LoadTenant(ctx, "alice", "site-a")
	require.NoError(t, err)
	require.Len(t, rec.Invoices, 1)
	require.Equal(t, models.InvoiceStateDefaulting, rec.Invoices[0].State)

	err = m.ReportInvoiceState(ctx, "alice", "site-a", "inv-missing", models.InvoiceStatePaid)
	assert.ErrorIs(t, err, models.ErrUnknownInvoice)

	require.NoError(t, m.ReportInvoiceState(ctx, "alice", "site-a", rec.Invoices[0].ID, models.InvoiceStatePaid))

	// the settled debt no longer blocks a returning tenant
	require.NoError(t, m.RegisterTenant(ctx, "alice", "site-a", "postpaid"))
	ok, err := m.IsAuthorized(ctx, "alice", "site-a", OperationCreate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.InvoiceStatePaid, invoicesOf(t, post, "alice", "site-a")[0].State)
}
