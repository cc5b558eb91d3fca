package strategy

import (
	"context"
	"time"

	"github.com/crosslogic/finance-service/internal/billing"
	"github.com/crosslogic/finance-service/internal/tenants"
	"github.com/crosslogic/finance-service/pkg/events"
	"github.com/crosslogic/finance-service/pkg/metrics"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/crosslogic/finance-service/pkg/registry"
	"go.uber.org/zap"
)

// billingUnit invoices every postpaid tenant whose billing interval has
// elapsed since its last invoice.
type billingUnit struct {
	strategy string
	tenants  *registry.Registry[*models.Tenant]
	invoices *billing.InvoiceManager
	usage    UsageSource
	holder   *tenants.Holder
	events   events.Publisher
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func (u *billingUnit) RunOnce(ctx context.Context) error {
	return forEachTenant(ctx, u.tenants, func(t *models.Tenant) {
		u.bill(ctx, t)
	})
}

func (u *billingUnit) bill(ctx context.Context, t *models.Tenant) {
	t.Lock()
	defer t.Unlock()

	if !stillManaged(ctx, u.holder, t, u.strategy, u.logger) {
		return
	}

	last, err := t.LastBillingTime()
	if err != nil {
		u.logger.Error("cannot bill tenant", append(tenantFields(t), zap.Error(err))...)
		return
	}
	now := u.now()
	if now.Sub(last) < u.interval {
		return
	}

	records, err := fetchUsage(ctx, u.usage, u.timeout, t, last, now)
	if err != nil {
		u.logger.Warn("failed to fetch usage, invoice postponed", append(tenantFields(t), zap.Error(err))...)
		return
	}

	invoice, err := u.invoices.GenerateInvoice(t, last, now, records)
	if err != nil {
		u.logger.Error("failed to generate invoice", append(tenantFields(t), zap.Error(err))...)
		return
	}
	recordInvoice(ctx, u.holder, u.events, u.strategy, t, invoice)
	u.logger.Info("invoice generated",
		append(tenantFields(t),
			zap.String("invoice_id", invoice.ID),
			zap.String("total", invoice.Total.String()),
			zap.Int("items", len(invoice.Items)),
		)...,
	)
}

func fetchUsage(ctx context.Context, usage UsageSource, timeout time.Duration, t *models.Tenant, start, end time.Time) ([]models.UsageRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return usage.Fetch(callCtx, t.UserID, t.ProviderID, start, end)
}

// recordInvoice persists a freshly generated invoice and announces it. The
// caller holds the tenant lock.
func recordInvoice(ctx context.Context, holder *tenants.Holder, pub events.Publisher, strategy string, t *models.Tenant, invoice models.Invoice) {
	metrics.Invoices.WithLabelValues(strategy, string(invoice.State)).Inc()
	holder.Save(ctx, t)
	pub.Publish(ctx, events.NewEvent(events.EventInvoiceCreated, t.Key().String(), map[string]interface{}{
		"user_id":     t.UserID,
		"provider_id": t.ProviderID,
		"invoice_id":  invoice.ID,
		"state":       string(invoice.State),
		"total":       invoice.Total.String(),
		"start":       invoice.Start,
		"end":         invoice.End,
	}))
}
