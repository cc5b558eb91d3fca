package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
)

// Manager routes finance operations to strategies, either by name or by
// finding the strategy that manages a tenant.
type Manager struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	order      []string
}

func NewManager() *Manager {
	return &Manager{strategies: make(map[string]Strategy)}
}

// Add registers s. Strategy names are unique.
func (m *Manager) Add(s Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.strategies[s.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, s.Name())
	}
	m.strategies[s.Name()] = s
	m.order = append(m.order, s.Name())
	return nil
}

func (m *Manager) Get(name string) (Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Names lists strategies in the order they were added.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) all() []Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Strategy, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.strategies[name])
	}
	return out
}

// ManagerOf returns the strategy managing the tenant, or ErrUnmanagedTenant.
func (m *Manager) ManagerOf(userID, providerID string) (Strategy, error) {
	for _, s := range m.all() {
		if s.IsRegistered(userID, providerID) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnmanagedTenant, models.TenantKey{UserID: userID, ProviderID: providerID})
}

func (m *Manager) RegisterTenant(ctx context.Context, userID, providerID, strategy string) error {
	s, err := m.Get(strategy)
	if err != nil {
		return err
	}
	return s.RegisterTenant(ctx, userID, providerID)
}

func (m *Manager) UnregisterTenant(ctx context.Context, userID, providerID string) error {
	s, err := m.ManagerOf(userID, providerID)
	if err != nil {
		return err
	}
	return s.UnregisterTenant(ctx, userID, providerID)
}

func (m *Manager) IsAuthorized(ctx context.Context, userID, providerID string, op Operation) (bool, error) {
	s, err := m.ManagerOf(userID, providerID)
	if err != nil {
		return false, err
	}
	return s.IsAuthorized(ctx, userID, providerID, op)
}

func (m *Manager) FinanceState(ctx context.Context, userID, providerID, property string) (string, error) {
	s, err := m.ManagerOf(userID, providerID)
	if err != nil {
		return "", err
	}
	return s.FinanceState(ctx, userID, providerID, property)
}

func (m *Manager) UpdateFinanceState(ctx context.Context, userID, providerID string, update map[string]string) error {
	s, err := m.ManagerOf(userID, providerID)
	if err != nil {
		return err
	}
	return s.UpdateFinanceState(ctx, userID, providerID, update)
}

// invoiceSettler is a strategy that can settle invoices of tenants it no
// longer manages.
type invoiceSettler interface {
	SettleInvoices(ctx context.Context, userID, providerID string, update map[string]string) error
}

// ReportInvoiceState applies a payment provider's verdict on an invoice.
// Payments for unregistered tenants still settle their final invoice.
func (m *Manager) ReportInvoiceState(ctx context.Context, userID, providerID, invoiceID string, state models.InvoiceState) error {
	update := map[string]string{invoiceID: string(state)}
	err := m.UpdateFinanceState(ctx, userID, providerID, update)
	if !errors.Is(err, ErrUnmanagedTenant) {
		return err
	}
	for _, s := range m.all() {
		settler, ok := s.(invoiceSettler)
		if !ok {
			continue
		}
		serr := settler.SettleInvoices(ctx, userID, providerID, update)
		if !errors.Is(serr, models.ErrUnknownTenant) {
			return serr
		}
	}
	return err
}

// AddCredits tops up a prepaid balance after a purchase.
func (m *Manager) AddCredits(ctx context.Context, userID, providerID string, amount decimal.Decimal) error {
	return m.UpdateFinanceState(ctx, userID, providerID, map[string]string{UpdateCreditsToAdd: amount.String()})
}

func (m *Manager) StartAll(ctx context.Context) {
	for _, s := range m.all() {
		s.StartWorkers(ctx)
	}
}

func (m *Manager) StopAll() {
	for _, s := range m.all() {
		s.StopWorkers()
	}
}
