package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/finance-service/internal/billing"
	"github.com/crosslogic/finance-service/internal/scheduler"
	"github.com/crosslogic/finance-service/pkg/events"
	"github.com/crosslogic/finance-service/pkg/models"
	"go.uber.org/zap"
)

// PostPaid bills tenants with periodic invoices. Resources are paused only
// once an invoice is reported DEFAULTING.
type PostPaid struct {
	base

	invoices *billing.InvoiceManager
	now      func() time.Time

	// guarded by base.mu
	billingInterval time.Duration
	invoiceWait     time.Duration
}

// PostPaidOptions are the worker timings of a PostPaid strategy.
type PostPaidOptions struct {
	// BillingInterval is the length of an invoiced window.
	BillingInterval time.Duration
	// InvoiceWait is the pause between billing and enforcement cycles.
	InvoiceWait time.Duration
}

func NewPostPaid(name string, plan *billing.Plan, opts PostPaidOptions, deps Deps) *PostPaid {
	s := &PostPaid{
		invoices:        billing.NewInvoiceManager(plan),
		now:             time.Now,
		billingInterval: opts.BillingInterval,
		invoiceWait:     opts.InvoiceWait,
	}
	s.init(name, deps, s.buildWorkers)
	return s
}

func (s *PostPaid) buildWorkers() []*scheduler.Worker {
	return []*scheduler.Worker{
		s.newWorker("billing", s.invoiceWait, s.newBillingUnit()),
		s.newWorker("enforcement", s.invoiceWait, s.newEnforcementUnit()),
	}
}

// newBillingUnit snapshots the billing interval; the caller holds base.mu.
func (s *PostPaid) newBillingUnit() *billingUnit {
	return &billingUnit{
		strategy: s.name,
		tenants:  s.registry(),
		invoices: s.invoices,
		usage:    s.deps.Usage,
		holder:   s.deps.Holder,
		events:   s.deps.Events,
		interval: s.billingInterval,
		timeout:  s.deps.CallTimeout,
		now:      s.now,
		logger:   s.logger.Named("billing"),
	}
}

func (s *PostPaid) newEnforcementUnit() *enforcementUnit {
	return &enforcementUnit{
		strategy:     s.name,
		tenants:      s.registry(),
		checker:      s.invoices,
		orchestrator: s.deps.Orchestrator,
		holder:       s.deps.Holder,
		events:       s.deps.Events,
		timeout:      s.deps.CallTimeout,
		logger:       s.logger.Named("enforcement"),
	}
}

func (s *PostPaid) IsAuthorized(ctx context.Context, userID, providerID string, op Operation) (bool, error) {
	if op != OperationCreate {
		return true, nil
	}
	t, err := s.lockTenant(ctx, userID, providerID)
	if err != nil {
		return false, err
	}
	defer t.Unlock()
	return s.invoices.HasPaid(t), nil
}

func (s *PostPaid) RegisterTenant(ctx context.Context, userID, providerID string) error {
	t, err := s.deps.Holder.Register(ctx, userID, providerID, s.name)
	if err != nil {
		return err
	}
	s.deps.Events.Publish(ctx, events.NewEvent(events.EventTenantRegistered, t.Key().String(), map[string]interface{}{
		"user_id":     userID,
		"provider_id": providerID,
		"strategy":    s.name,
	}))
	return nil
}

// UnregisterTenant bills the window since the last invoice and archives the
// tenant. The final invoice is a debt and goes in as DEFAULTING. If usage
// cannot be fetched the tenant stays registered.
func (s *PostPaid) UnregisterTenant(ctx context.Context, userID, providerID string) error {
	var last models.Invoice
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
		last, err = s.invoices.GenerateLastInvoice(t, start, end, records)
		if err != nil {
			return err
		}
		recordInvoice(ctx, s.deps.Holder, s.deps.Events, s.name, t, last)
		return nil
	}

	if err := s.deps.Holder.Remove(ctx, userID, providerID, s.name, final); err != nil {
		return err
	}

	key := models.TenantKey{UserID: userID, ProviderID: providerID}
	s.deps.Events.Publish(ctx, events.NewEvent(events.EventTenantUnregistered, key.String(), map[string]interface{}{
		"user_id":          userID,
		"provider_id":      providerID,
		"strategy":         s.name,
		"final_invoice_id": last.ID,
	}))
	return nil
}

func (s *PostPaid) Options() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{
		OptionBillingInterval: s.billingInterval.String(),
		OptionInvoiceWaitTime: s.invoiceWait.String(),
		OptionPlanRules:       rulesOption(s.invoices.Plan()),
	}
}

func (s *PostPaid) SetOptions(ctx context.Context, opts map[string]string) error {
	if err := checkKeys(opts, OptionBillingInterval, OptionInvoiceWaitTime, OptionPlanRules, OptionPlanRulesFile); err != nil {
		return err
	}

	var interval, wait time.Duration
	if raw, ok := opts[OptionBillingInterval]; ok {
		d, err := billing.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", OptionBillingInterval, err)
		}
		interval = d
	}
	if raw, ok := opts[OptionInvoiceWaitTime]; ok {
		d, err := billing.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", OptionInvoiceWaitTime, err)
		}
		if err := s.checkInterval(OptionInvoiceWaitTime, d); err != nil {
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
		if err := s.applyRules(ctx, s.invoices.Plan(), *rules); err != nil {
			return err
		}
	}

	changed := false
	if interval > 0 && interval != s.billingInterval {
		s.billingInterval = interval
		changed = true
	}
	if wait > 0 && wait != s.invoiceWait {
		s.invoiceWait = wait
		changed = true
	}
	if changed {
		s.restartLocked()
	}
	return nil
}

func (s *PostPaid) FinanceState(ctx context.Context, userID, providerID, property string) (string, error) {
	t, err := s.lockTenant(ctx, userID, providerID)
	if err != nil {
		return "", err
	}
	defer t.Unlock()

	switch property {
	case PropertyInvoices:
		doc, err := json.Marshal(t.Invoices())
		if err != nil {
			return "", fmt.Errorf("failed to encode invoices: %w", err)
		}
		return string(doc), nil
	case PropertyPaymentStatus:
		return string(t.PaymentStatus()), nil
	}
	return "", fmt.Errorf("%w: unknown finance property %q", models.ErrInvalidParameter, property)
}

// UpdateFinanceState maps invoice ids to their settled state, PAID or
// DEFAULTING. Every id and state is checked before any is applied.
func (s *PostPaid) UpdateFinanceState(ctx context.Context, userID, providerID string, update map[string]string) error {
	states, err := parseSettlement(update)
	if err != nil {
		return err
	}

	t, err := s.lockTenant(ctx, userID, providerID)
	if err != nil {
		return err
	}
	defer t.Unlock()
	return s.settleLocked(ctx, t, states)
}

// SettleInvoices is UpdateFinanceState for payment callbacks. It also
// reaches archived tenants, whose final invoice is still outstanding.
func (s *PostPaid) SettleInvoices(ctx context.Context, userID, providerID string, update map[string]string) error {
	states, err := parseSettlement(update)
	if err != nil {
		return err
	}

	t, err := s.deps.Holder.Lookup(ctx, userID, providerID)
	if err != nil {
		return err
	}
	t.Lock()
	defer t.Unlock()

	current, err := s.deps.Holder.Refresh(ctx, t)
	if err != nil {
		return err
	}
	if current != s.name && current != "" {
		return fmt.Errorf("%w: %s is not billed by %s", models.ErrUnknownTenant, t.Key(), s.name)
	}
	return s.settleLocked(ctx, t, states)
}

func parseSettlement(update map[string]string) (map[string]models.InvoiceState, error) {
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: no invoice states given", models.ErrInvalidParameter)
	}
	states := make(map[string]models.InvoiceState, len(update))
	for id, raw := range update {
		state, err := models.ParseInvoiceState(raw)
		if err != nil {
			return nil, err
		}
		if state == models.InvoiceStateNew {
			return nil, fmt.Errorf("%w: invoice %s cannot be settled as %s", models.ErrInvalidParameter, id, state)
		}
		states[id] = state
	}
	return states, nil
}

// settleLocked applies states to t's invoices. The caller holds the tenant
// lock.
func (s *PostPaid) settleLocked(ctx context.Context, t *models.Tenant, states map[string]models.InvoiceState) error {
	known := make(map[string]bool)
	for _, inv := range t.Invoices() {
		known[inv.ID] = true
	}
	for id := range states {
		if !known[id] {
			return fmt.Errorf("%w: %s for %s", models.ErrUnknownInvoice, id, t.Key())
		}
	}

	var settled []string
	for id, state := range states {
		changed, err := s.invoices.Settle(t, id, state)
		if err != nil {
			return err
		}
		if changed {
			settled = append(settled, id)
		}
	}
	if len(settled) == 0 {
		return nil
	}

	if err := s.deps.Holder.Save(ctx, t); errors.Is(err, models.ErrConflict) {
		return err
	}
	for _, id := range settled {
		s.deps.Events.Publish(ctx, events.NewEvent(events.EventInvoiceSettled, t.Key().String(), map[string]interface{}{
			"user_id":     t.UserID,
			"provider_id": t.ProviderID,
			"invoice_id":  id,
			"state":       string(states[id]),
		}))
	}
	s.logger.Info("invoices settled",
		append(tenantFields(t),
			zap.Strings("invoice_ids", settled),
			zap.String("payment_status", string(t.PaymentStatus())),
		)...,
	)
	return nil
}
