package billing

import (
	"fmt"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// invoiceBuilder accumulates the lines of one invoice. A builder is created
// per invoice and discarded after build.
type invoiceBuilder struct {
	userID     string
	providerID string
	items      []models.InvoiceItem
	total      decimal.Decimal
}

func newInvoiceBuilder(userID, providerID string) *invoiceBuilder {
	return &invoiceBuilder{userID: userID, providerID: providerID}
}

func (b *invoiceBuilder) addItem(item models.ResourceItem, price decimal.Decimal, used time.Duration, amount decimal.Decimal) {
	b.items = append(b.items, models.InvoiceItem{
		Item:      item,
		UnitPrice: price,
		TimeUsed:  used,
		Amount:    amount,
	})
	b.total = b.total.Add(amount)
}

func (b *invoiceBuilder) build(state models.InvoiceState, start, end, now time.Time) models.Invoice {
	return models.Invoice{
		ID:         uuid.NewString(),
		UserID:     b.userID,
		ProviderID: b.providerID,
		State:      state,
		Items:      b.items,
		Total:      b.total,
		Start:      start,
		End:        end,
		CreatedAt:  now,
	}
}

// InvoiceManager is the postpaid ledger.
type InvoiceManager struct {
	plan *Plan
	now  func() time.Time
}

func NewInvoiceManager(plan *Plan) *InvoiceManager {
	return &InvoiceManager{plan: plan, now: time.Now}
}

func (m *InvoiceManager) Plan() *Plan { return m.plan }

// GenerateInvoice bills tenant for [start, end] and appends a NEW invoice.
// The caller holds the tenant lock.
func (m *InvoiceManager) GenerateInvoice(tenant *models.Tenant, start, end time.Time, records []models.UsageRecord) (models.Invoice, error) {
	return m.generate(tenant, start, end, records, models.InvoiceStateNew)
}

// GenerateLastInvoice bills the tenant's final window. The invoice goes in
// as DEFAULTING: it is a debt, not a bill awaiting payment.
// The caller holds the tenant lock.
func (m *InvoiceManager) GenerateLastInvoice(tenant *models.Tenant, start, end time.Time, records []models.UsageRecord) (models.Invoice, error) {
	return m.generate(tenant, start, end, records, models.InvoiceStateDefaulting)
}

func (m *InvoiceManager) generate(tenant *models.Tenant, start, end time.Time, records []models.UsageRecord, state models.InvoiceState) (models.Invoice, error) {
	m.plan.mu.Lock()
	defer m.plan.mu.Unlock()

	b := newInvoiceBuilder(tenant.UserID, tenant.ProviderID)
	for _, record := range records {
		item, err := ItemFromRecord(record)
		if err != nil {
			return models.Invoice{}, fmt.Errorf("failed to price record %s: %w", record.ID, err)
		}
		price, err := m.plan.priceLocked(item)
		if err != nil {
			return models.Invoice{}, fmt.Errorf("failed to price record %s: %w", record.ID, err)
		}

		used := TimeUsed(record, start, end)
		if used <= 0 {
			continue
		}
		b.addItem(item, price, used, m.plan.chargeLocked(price, used))
	}

	invoice := b.build(state, start, end, m.now().UTC())
	tenant.AddInvoice(invoice)
	tenant.SetLastBillingTime(end)
	refreshPaymentStatus(tenant)
	return invoice, nil
}

// HasPaid reports good standing: no invoice is in DEFAULTING.
// The caller holds the tenant lock.
func (m *InvoiceManager) HasPaid(tenant *models.Tenant) bool {
	return !tenant.HasDefaultingInvoice()
}

// Settle applies a settlement report to one invoice. Amounts are never
// recomputed. It returns false when the invoice already had that state.
// The caller holds the tenant lock.
func (m *InvoiceManager) Settle(tenant *models.Tenant, invoiceID string, state models.InvoiceState) (bool, error) {
	if state == models.InvoiceStateNew {
		return false, fmt.Errorf("%w: an invoice cannot be settled back to %s", models.ErrInvalidParameter, state)
	}
	changed, err := tenant.SetInvoiceState(invoiceID, state)
	if err != nil {
		return false, err
	}
	if changed {
		refreshPaymentStatus(tenant)
	}
	return changed, nil
}

func refreshPaymentStatus(tenant *models.Tenant) {
	status := models.PaymentStatusOK
	for _, inv := range tenant.Invoices() {
		switch inv.State {
		case models.InvoiceStateDefaulting:
			tenant.SetPaymentStatus(models.PaymentStatusDefaulting)
			return
		case models.InvoiceStateNew:
			status = models.PaymentStatusWaiting
		}
	}
	tenant.SetPaymentStatus(status)
}
