package strategy

import (
	"context"
	"time"

	"github.com/crosslogic/finance-service/internal/tenants"
	"github.com/crosslogic/finance-service/pkg/events"
	"github.com/crosslogic/finance-service/pkg/metrics"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/crosslogic/finance-service/pkg/registry"
	"go.uber.org/zap"
)

// enforcementUnit pauses the resources of tenants out of good standing and
// resumes them once the tenant is back in it. A failed command is not
// retried within the cycle; the next cycle sees the same state and tries
// again.
type enforcementUnit struct {
	strategy     string
	tenants      *registry.Registry[*models.Tenant]
	checker      StandingChecker
	orchestrator Orchestrator
	holder       *tenants.Holder
	events       events.Publisher
	timeout      time.Duration
	logger       *zap.Logger
}

func (u *enforcementUnit) RunOnce(ctx context.Context) error {
	return forEachTenant(ctx, u.tenants, func(t *models.Tenant) {
		u.enforce(ctx, t)
	})
}

func (u *enforcementUnit) enforce(ctx context.Context, t *models.Tenant) {
	t.Lock()
	defer t.Unlock()

	if !stillManaged(ctx, u.holder, t, u.strategy, u.logger) {
		return
	}

	paid := u.checker.HasPaid(t)
	paused := t.ResourcesPaused()

	switch {
	case !paid && !paused:
		u.apply(ctx, t, "pause", true)
	case paid && paused:
		u.apply(ctx, t, "resume", false)
	}
}

func (u *enforcementUnit) apply(ctx context.Context, t *models.Tenant, action string, pause bool) {
	callCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	var err error
	if pause {
		err = u.orchestrator.PauseResources(callCtx, t.UserID, t.ProviderID)
	} else {
		err = u.orchestrator.ResumeResources(callCtx, t.UserID, t.ProviderID)
	}
	if err != nil {
		metrics.EnforcementActions.WithLabelValues(u.strategy, action, "error").Inc()
		u.logger.Warn("failed to "+action+" tenant resources",
			append(tenantFields(t), zap.Error(err))...,
		)
		return
	}

	t.SetResourcesPaused(pause)
	metrics.EnforcementActions.WithLabelValues(u.strategy, action, "ok").Inc()
	u.holder.Save(ctx, t)

	eventType := events.EventResourcesResumed
	if pause {
		eventType = events.EventResourcesPaused
	}
	u.events.Publish(ctx, events.NewEvent(eventType, t.Key().String(), map[string]interface{}{
		"user_id":        t.UserID,
		"provider_id":    t.ProviderID,
		"strategy":       u.strategy,
		"payment_status": string(t.PaymentStatus()),
	}))
	u.logger.Info("tenant resources "+action+"d", tenantFields(t)...)
}
