package strategy

import (
	"context"
	"time"

	"github.com/crosslogic/finance-service/internal/billing"
	"github.com/crosslogic/finance-service/internal/tenants"
	"github.com/crosslogic/finance-service/pkg/metrics"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/crosslogic/finance-service/pkg/registry"
	"go.uber.org/zap"
)

// deductionUnit drains prepaid balances by the usage accrued since each
// tenant's last deduction.
type deductionUnit struct {
	strategy string
	tenants  *registry.Registry[*models.Tenant]
	credits  *billing.CreditsManager
	usage    UsageSource
	holder   *tenants.Holder
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func (u *deductionUnit) RunOnce(ctx context.Context) error {
	return forEachTenant(ctx, u.tenants, func(t *models.Tenant) {
		u.deduct(ctx, t)
	})
}

func (u *deductionUnit) deduct(ctx context.Context, t *models.Tenant) {
	t.Lock()
	defer t.Unlock()

	if !stillManaged(ctx, u.holder, t, u.strategy, u.logger) {
		return
	}

	last, err := t.LastBillingTime()
	if err != nil {
		u.logger.Error("cannot deduct credits", append(tenantFields(t), zap.Error(err))...)
		return
	}
	now := u.now()

	records, err := fetchUsage(ctx, u.usage, u.timeout, t, last, now)
	if err != nil {
		u.logger.Warn("failed to fetch usage, deduction postponed", append(tenantFields(t), zap.Error(err))...)
		return
	}

	total, err := u.credits.Deduct(t, last, now, records)
	if err != nil {
		u.logger.Error("failed to deduct credits", append(tenantFields(t), zap.Error(err))...)
		return
	}

	metrics.UpdateCreditBalance(t.UserID, t.ProviderID, t.Credits())
	u.holder.Save(ctx, t)
	if !total.IsZero() {
		u.logger.Debug("credits deducted",
			append(tenantFields(t),
				zap.String("amount", total.String()),
				zap.String("balance", t.Credits().String()),
			)...,
		)
	}
}
