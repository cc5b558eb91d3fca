package billing

import (
	"fmt"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
)

// CreditsManager is the prepaid ledger.
type CreditsManager struct {
	plan *Plan
}

func NewCreditsManager(plan *Plan) *CreditsManager {
	return &CreditsManager{plan: plan}
}

func (m *CreditsManager) Plan() *Plan { return m.plan }

// Deduct charges tenant for every record over [start, end] and moves its last
// billing time to end. Nothing is changed if any record cannot be priced.
// It returns the total deducted. The caller holds the tenant lock.
func (m *CreditsManager) Deduct(tenant *models.Tenant, start, end time.Time, records []models.UsageRecord) (decimal.Decimal, error) {
	total, err := m.charge(start, end, records)
	if err != nil {
		return decimal.Zero, err
	}

	tenant.DeductCredits(total)
	tenant.SetLastBillingTime(end)
	m.refresh(tenant)
	return total, nil
}

func (m *CreditsManager) charge(start, end time.Time, records []models.UsageRecord) (decimal.Decimal, error) {
	m.plan.mu.Lock()
	defer m.plan.mu.Unlock()

	total := decimal.Zero
	for _, record := range records {
		item, err := ItemFromRecord(record)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to price record %s: %w", record.ID, err)
		}
		price, err := m.plan.priceLocked(item)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to price record %s: %w", record.ID, err)
		}
		if used := TimeUsed(record, start, end); used > 0 {
			total = total.Add(m.plan.chargeLocked(price, used))
		}
	}
	return total, nil
}

// AddCredits tops up the balance. The caller holds the tenant lock.
func (m *CreditsManager) AddCredits(tenant *models.Tenant, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: credits to add must be positive, got %s", models.ErrInvalidParameter, amount)
	}
	tenant.AddCredits(amount)
	m.refresh(tenant)
	return nil
}

// HasPaid reports good standing: a non-negative balance.
// The caller holds the tenant lock.
func (m *CreditsManager) HasPaid(tenant *models.Tenant) bool {
	return !tenant.Credits().IsNegative()
}

func (m *CreditsManager) refresh(tenant *models.Tenant) {
	if m.HasPaid(tenant) {
		tenant.SetPaymentStatus(models.PaymentStatusOK)
	} else {
		tenant.SetPaymentStatus(models.PaymentStatusDefaulting)
	}
}
