package models

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Property keys stored in a tenant's property bag.
const (
	PropertyLastBillingTime = "last_billing_time"
	PropertyResourcesPaused = "resources_paused"
	PropertyPaymentStatus   = "payment_status"
)

// PaymentStatus is a coarse marker of where a tenant stands financially.
type PaymentStatus string

const (
	PaymentStatusOK         PaymentStatus = "ok"
	PaymentStatusWaiting    PaymentStatus = "waiting"
	PaymentStatusDefaulting PaymentStatus = "defaulting"
)

// TenantKey identifies a tenant across providers.
type TenantKey struct {
	UserID     string
	ProviderID string
}

func (k TenantKey) String() string {
	return k.UserID + "@" + k.ProviderID
}

// Tenant is a billed identity. Apart from UserID and ProviderID, every field
// is guarded by the tenant lock: callers must hold Lock for all accessors.
type Tenant struct {
	mu sync.Mutex

	UserID     string
	ProviderID string

	strategy   string
	properties map[string]string
	credits    decimal.Decimal
	invoices   []Invoice

	// version of the stored record this state was read from or last saved as
	version int64
}

// NewTenant creates a tenant managed by strategy. The last billing time starts
// at now.
func NewTenant(userID, providerID, strategy string, now time.Time) *Tenant {
	t := &Tenant{
		UserID:     userID,
		ProviderID: providerID,
		strategy:   strategy,
		properties: make(map[string]string),
	}
	t.SetLastBillingTime(now)
	t.SetResourcesPaused(false)
	t.SetPaymentStatus(PaymentStatusOK)
	return t
}

func (t *Tenant) Lock()   { t.mu.Lock() }
func (t *Tenant) Unlock() { t.mu.Unlock() }

func (t *Tenant) Key() TenantKey {
	return TenantKey{UserID: t.UserID, ProviderID: t.ProviderID}
}

func (t *Tenant) Strategy() string            { return t.strategy }
func (t *Tenant) SetStrategy(strategy string) { t.strategy = strategy }

func (t *Tenant) Property(key string) (string, bool) {
	v, ok := t.properties[key]
	return v, ok
}

func (t *Tenant) SetProperty(key, value string) {
	t.properties[key] = value
}

// LastBillingTime returns the end of the last billed window.
func (t *Tenant) LastBillingTime() (time.Time, error) {
	raw, ok := t.properties[PropertyLastBillingTime]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrMissingProperty, PropertyLastBillingTime)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s=%q", ErrMissingProperty, PropertyLastBillingTime, raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (t *Tenant) SetLastBillingTime(at time.Time) {
	t.properties[PropertyLastBillingTime] = strconv.FormatInt(at.UnixMilli(), 10)
}

func (t *Tenant) ResourcesPaused() bool {
	paused, _ := strconv.ParseBool(t.properties[PropertyResourcesPaused])
	return paused
}

func (t *Tenant) SetResourcesPaused(paused bool) {
	t.properties[PropertyResourcesPaused] = strconv.FormatBool(paused)
}

func (t *Tenant) PaymentStatus() PaymentStatus {
	return PaymentStatus(t.properties[PropertyPaymentStatus])
}

func (t *Tenant) SetPaymentStatus(status PaymentStatus) {
	t.properties[PropertyPaymentStatus] = string(status)
}

// Version is the stored record version the tenant's state matches.
func (t *Tenant) Version() int64           { return t.version }
func (t *Tenant) SetVersion(version int64) { t.version = version }

// Credits returns the prepaid balance.
func (t *Tenant) Credits() decimal.Decimal { return t.credits }

func (t *Tenant) AddCredits(amount decimal.Decimal) {
	t.credits = t.credits.Add(amount)
}

func (t *Tenant) DeductCredits(amount decimal.Decimal) {
	t.credits = t.credits.Sub(amount)
}

// Invoices returns a copy of the invoice list in creation order.
func (t *Tenant) Invoices() []Invoice {
	out := make([]Invoice, len(t.invoices))
	copy(out, t.invoices)
	return out
}

func (t *Tenant) AddInvoice(inv Invoice) {
	t.invoices = append(t.invoices, inv)
}

// SetInvoiceState records a settlement report. It returns false when the
// invoice was already in that state.
func (t *Tenant) SetInvoiceState(invoiceID string, state InvoiceState) (bool, error) {
	for i := range t.invoices {
		if t.invoices[i].ID != invoiceID {
			continue
		}
		if t.invoices[i].State == state {
			return false, nil
		}
		t.invoices[i].State = state
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownInvoice, invoiceID)
}

// HasDefaultingInvoice reports whether any invoice is an outstanding debt.
func (t *Tenant) HasDefaultingInvoice() bool {
	for _, inv := range t.invoices {
		if inv.State == InvoiceStateDefaulting {
			return true
		}
	}
	return false
}

// TenantRecord is the persisted form of a tenant.
type TenantRecord struct {
	UserID     string            `json:"user_id"`
	ProviderID string            `json:"provider_id"`
	Strategy   string            `json:"strategy"`
	Properties map[string]string `json:"properties"`
	Credits    decimal.Decimal   `json:"credits"`
	Invoices   []Invoice         `json:"invoices"`
	Version    int64             `json:"version"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Record snapshots the tenant. The caller holds the tenant lock.
func (t *Tenant) Record() TenantRecord {
	props := make(map[string]string, len(t.properties))
	for k, v := range t.properties {
		props[k] = v
	}
	return TenantRecord{
		UserID:     t.UserID,
		ProviderID: t.ProviderID,
		Strategy:   t.strategy,
		Properties: props,
		Credits:    t.credits,
		Invoices:   t.Invoices(),
		Version:    t.version,
		UpdatedAt:  time.Now().UTC(),
	}
}

// TenantFromRecord rebuilds a tenant from its persisted form.
func TenantFromRecord(rec TenantRecord) *Tenant {
	props := make(map[string]string, len(rec.Properties))
	for k, v := range rec.Properties {
		props[k] = v
	}
	invoices := make([]Invoice, len(rec.Invoices))
	copy(invoices, rec.Invoices)
	return &Tenant{
		UserID:     rec.UserID,
		ProviderID: rec.ProviderID,
		strategy:   rec.Strategy,
		properties: props,
		credits:    rec.Credits,
		invoices:   invoices,
		version:    rec.Version,
	}
}

// Restore replaces the tenant's ledger with the one in rec. The managing
// strategy is left alone since registry membership follows it. The caller
// holds the tenant lock.
func (t *Tenant) Restore(rec TenantRecord) {
	fresh := TenantFromRecord(rec)
	t.properties = fresh.properties
	t.credits = fresh.credits
	t.invoices = fresh.invoices
	t.version = fresh.version
}
