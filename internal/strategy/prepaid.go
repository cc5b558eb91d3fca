package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/finance-service/internal/billing"
	"github.com/crosslogic/finance-service/internal/scheduler"
	"github.com/crosslogic/finance-service/pkg/events"
	"github.com/crosslogic/finance-service/pkg/metrics"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PrePaid charges tenants from a credit balance. A deduction worker drains
// balances as usage accrues and an enforcement worker pauses tenants whose
// balance went negative.
type PrePaid struct {
	base

	credits *billing.CreditsManager
	now     func() time.Time

	// guarded by base.mu
	deductionWait time.Duration
}

// NewPrePaid creates the strategy. deductionWait is the pause between
// deduction and enforcement cycles.
func NewPrePaid(name string, plan *billing.Plan, deductionWait time.Duration, deps Deps) *PrePaid {
	s := &PrePaid{
		credits:       billing.NewCreditsManager(plan),
		now:           time.Now,
		deductionWait: deductionWait,
	}
	s.init(name, deps, s.buildWorkers)
	return s
}

func (s *PrePaid) buildWorkers() []*scheduler.Worker {
	return []*scheduler.Worker{
		s.newWorker("deduction", s.deductionWait, s.newDeductionUnit()),
		s.newWorker("enforcement", s.deductionWait, s.newEnforcementUnit()),
	}
}

func (s *PrePaid) newDeductionUnit() *deductionUnit {
	return &deductionUnit{
		strategy: s.name,
		tenants:  s.registry(),
		credits:  s.credits,
		usage:    s.deps.Usage,
		holder:   s.deps.Holder,
		timeout:  s.deps.CallTimeout,
		now:      s.now,
		logger:   s.logger.Named("deduction"),
	}
}

func (s *PrePaid) newEnforcementUnit() *enforcementUnit {
	return &enforcementUnit{
		strategy:     s.name,
		tenants:      s.registry(),
		checker:      s.credits,
		orchestrator: s.deps.Orchestrator,
		holder:       s.deps.Holder,
		events:       s.deps.Events,
		timeout:      s.deps.CallTimeout,
		logger:       s.logger.Named("enforcement"),
	}
}

func (s *PrePaid) IsAuthorized(ctx context.Context, userID, providerID string, op Operation) (bool, error) {
	if op != OperationCreate {
		return true, nil
	}
	t, err := s.lockTenant(ctx, userID, providerID)
	if err != nil {
		return false, err
	}
	defer t.Unlock()
	return s.credits.HasPaid(t), nil
}

func (s *PrePaid) RegisterTenant(ctx context.Context, userID, providerID string) error {
	t, err := s.deps.Holder.Register(ctx, userID, providerID, s.name)
	if err != nil {
		return err
	}

	t.Lock()
	balance := t.Credits()
	t.Unlock()
	metrics.UpdateCreditBalance(userID, providerID, balance)

	s.deps.Events.Publish(ctx, events.NewEvent(events.EventTenantRegistered, t.Key().String(), map[string]interface{}{
		"user_id":     userID,
		"provider_id": providerID,
		"strategy":    s.name,
	}))
	return nil
}

// UnregisterTenant deducts usage since the last deduction and archives the
// tenant, debt included. If usage cannot be fetched the tenant stays
// registered.
func (s *PrePaid) UnregisterTenant(ctx context.Context, userID, providerID string) error {
	final := func(t *models.Tenant) error {
		start, err := t.LastBillingTime()
		if err != nil {
			return err
		}
		end := s.now()
		records, err := fetchUsage(ctx, s.deps.Usage, s.deps.CallTimeout, t, start, end)
		if err != nil {
			return fmt.Errorf("failed to fetch final usage: %w", err)
		}
		total, err := s.credits.Deduct(t, start, end, records)
		if err != nil {
			return err
		}
		s.logger.Info("final credits deducted",
			append(tenantFields(t),
				zap.String("amount", total.String()),
				zap.String("balance", t.Credits().String()),
			)...,
		)
		return nil
	}

	if err := s.deps.Holder.Remove(ctx, userID, providerID, s.name, final); err != nil {
		return err
	}
	metrics.DeleteCreditBalance(userID, providerID)

	key := models.TenantKey{UserID: userID, ProviderID: providerID}
	s.deps.Events.Publish(ctx, events.NewEvent(events.EventTenantUnregistered, key.String(), map[string]interface{}{
		"user_id":     userID,
		"provider_id": providerID,
		"strategy":    s.name,
	}))
	return nil
}

func (s *PrePaid) Options() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{
		OptionDeductionWaitTime: s.deductionWait.String(),
		OptionPlanRules:         rulesOption(s.credits.Plan()),
	}
}

func (s *PrePaid) SetOptions(ctx context.Context, opts map[string]string) error {
	if err := checkKeys(opts, OptionDeductionWaitTime, OptionPlanRules, OptionPlanRulesFile); err != nil {
		return err
	}

	var wait time.Duration
	if raw, ok := opts[OptionDeductionWaitTime]; ok {
		d, err := billing.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", OptionDeductionWaitTime, err)
		}
		if err := s.checkInterval(OptionDeductionWaitTime, d); err != nil {
			return err
		}
		wait = d
	}
	rules, err := parseRulesOption(opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rules != nil {
		if err := s.applyRules(ctx, s.credits.Plan(), *rules); err != nil {
			return err
		}
	}
	if wait > 0 && wait != s.deductionWait {
		s.deductionWait = wait
		s.restartLocked()
	}
	return nil
}

func (s *PrePaid) FinanceState(ctx context.Context, userID, providerID, property string) (string, error) {
	t, err := s.lockTenant(ctx, userID, providerID)
	if err != nil {
		return "", err
	}
	defer t.Unlock()

	switch property {
	case PropertyCredits:
		return t.Credits().String(), nil
	case PropertyPaymentStatus:
		return string(t.PaymentStatus()), nil
	}
	return "", fmt.Errorf("%w: unknown finance property %q", models.ErrInvalidParameter, property)
}

// UpdateFinanceState accepts credits_to_add, a positive decimal.
func (s *PrePaid) UpdateFinanceState(ctx context.Context, userID, providerID string, update map[string]string) error {
	if err := checkKeys(update, UpdateCreditsToAdd); err != nil {
		return err
	}
	raw, ok := update[UpdateCreditsToAdd]
	if !ok {
		return fmt.Errorf("%w: %s is required", models.ErrInvalidParameter, UpdateCreditsToAdd)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%w: %s %q", models.ErrInvalidParameter, UpdateCreditsToAdd, raw)
	}

	t, err := s.lockTenant(ctx, userID, providerID)
	if err != nil {
		return err
	}
	defer t.Unlock()

	if err := s.credits.AddCredits(t, amount); err != nil {
		return err
	}
	if err := s.deps.Holder.Save(ctx, t); errors.Is(err, models.ErrConflict) {
		return err
	}
	metrics.UpdateCreditBalance(userID, providerID, t.Credits())

	s.deps.Events.Publish(ctx, events.NewEvent(events.EventCreditsAdded, t.Key().String(), map[string]interface{}{
		"user_id":     userID,
		"provider_id": providerID,
		"amount":      amount.String(),
		"balance":     t.Credits().String(),
	}))
	s.logger.Info("credits added",
		append(tenantFields(t),
			zap.String("amount", amount.String()),
			zap.String("balance", t.Credits().String()),
		)...,
	)
	return nil
}
