package tenants

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/finance-service/pkg/metrics"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/crosslogic/finance-service/pkg/registry"
	"go.uber.org/zap"
)

var (
	ErrUnknownTenant = models.ErrUnknownTenant

	// ErrAlreadyRegistered is returned when a tenant is registered twice.
	ErrAlreadyRegistered = errors.New("tenant already registered")
)

// Store persists tenant records. LoadTenant returns models.ErrUnknownTenant
// when no record exists.
type Store interface {
	LoadTenants(ctx context.Context) ([]models.TenantRecord, error)
	LoadTenant(ctx context.Context, userID, providerID string) (models.TenantRecord, error)
	SaveTenant(ctx context.Context, record models.TenantRecord) error
}

// Holder owns every tenant known to the process. Active tenants live in the
// registry of the strategy managing them; unregistered tenants stay in the
// holder, archived, so their ledger survives.
//
// The holder lock is never taken while a tenant lock is held.
type Holder struct {
	mu         sync.Mutex
	store      Store
	logger     *zap.Logger
	registries map[string]*registry.Registry[*models.Tenant]
	tenants    map[models.TenantKey]*models.Tenant
	now        func() time.Time
}

func NewHolder(store Store, logger *zap.Logger) *Holder {
	return &Holder{
		store:      store,
		logger:     logger.Named("tenants"),
		registries: make(map[string]*registry.Registry[*models.Tenant]),
		tenants:    make(map[models.TenantKey]*models.Tenant),
		now:        time.Now,
	}
}

// Load reads every persisted tenant and files the active ones under their
// strategy.
func (h *Holder) Load(ctx context.Context) error {
	records, err := h.store.LoadTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, rec := range records {
		h.adoptLocked(rec)
	}

	for name, reg := range h.registries {
		metrics.TenantsRegistered.WithLabelValues(name).Set(float64(reg.Len()))
	}
	h.logger.Info("tenants loaded", zap.Int("count", len(records)))
	return nil
}

// Registry returns the registry of tenants managed by strategy.
func (h *Holder) Registry(strategy string) *registry.Registry[*models.Tenant] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registryLocked(strategy)
}

func (h *Holder) registryLocked(strategy string) *registry.Registry[*models.Tenant] {
	reg, ok := h.registries[strategy]
	if !ok {
		reg = registry.New[*models.Tenant]()
		h.registries[strategy] = reg
	}
	return reg
}

// Register puts the tenant under strategy. An archived tenant is revived
// with its ledger intact and billing restarting from now.
func (h *Holder) Register(ctx context.Context, userID, providerID, strategy string) (*models.Tenant, error) {
	if userID == "" || providerID == "" || strategy == "" {
		return nil, fmt.Errorf("%w: user id, provider id and strategy are required", models.ErrInvalidParameter)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := models.TenantKey{UserID: userID, ProviderID: providerID}
	t, known := h.tenants[key]
	if !known {
		rec, err := h.store.LoadTenant(ctx, userID, providerID)
		switch {
		case err == nil:
			t = models.TenantFromRecord(rec)
		case errors.Is(err, models.ErrUnknownTenant):
			t = models.NewTenant(userID, providerID, "", h.now())
		default:
			return nil, fmt.Errorf("failed to look up tenant %s: %w", key, err)
		}
	}

	t.Lock()
	defer t.Unlock()

	if known {
		rec, err := h.store.LoadTenant(ctx, userID, providerID)
		switch {
		case err == nil:
			h.applyLocked(t, rec)
		case !errors.Is(err, models.ErrUnknownTenant):
			return nil, fmt.Errorf("failed to look up tenant %s: %w", key, err)
		}
	}

	if current := t.Strategy(); current != "" {
		return nil, fmt.Errorf("%w: %s is managed by %s", ErrAlreadyRegistered, key, current)
	}

	reg := h.registryLocked(strategy)
	if err := reg.Add(t); err != nil {
		return nil, fmt.Errorf("failed to register tenant %s: %w", key, err)
	}
	h.tenants[key] = t

	t.SetStrategy(strategy)
	t.SetLastBillingTime(h.now())
	metrics.TenantsRegistered.WithLabelValues(strategy).Set(float64(reg.Len()))

	h.save(ctx, t)
	h.logger.Info("tenant registered",
		zap.String("user_id", userID),
		zap.String("provider_id", providerID),
		zap.String("strategy", strategy),
		zap.Bool("revived", known),
	)
	return t, nil
}

// Remove takes the tenant out of strategy's registry and archives it. The
// optional final func runs under the tenant lock first; if it fails the
// tenant stays registered.
func (h *Holder) Remove(ctx context.Context, userID, providerID, strategy string, final func(*models.Tenant) error) error {
	t, err := h.Get(userID, providerID)
	if err != nil {
		return err
	}

	reg := h.Registry(strategy)

	// wait for any cycle working on this tenant
	t.Lock()
	defer t.Unlock()

	current, err := h.Refresh(ctx, t)
	if err != nil {
		return err
	}
	if t.Strategy() != strategy || current != strategy {
		return fmt.Errorf("%w: %s is not managed by %s", ErrUnknownTenant, t.Key(), strategy)
	}

	if final != nil {
		if err := final(t); err != nil {
			return err
		}
	}

	if err := reg.Remove(t); err != nil {
		return fmt.Errorf("failed to unregister tenant %s: %w", t.Key(), err)
	}
	t.SetStrategy("")
	metrics.TenantsRegistered.WithLabelValues(strategy).Set(float64(reg.Len()))

	h.save(ctx, t)
	h.logger.Info("tenant unregistered",
		zap.String("user_id", userID),
		zap.String("provider_id", providerID),
		zap.String("strategy", strategy),
	)
	return nil
}

// Get returns an active tenant.
func (h *Holder) Get(userID, providerID string) (*models.Tenant, error) {
	h.mu.Lock()
	t, ok := h.tenants[models.TenantKey{UserID: userID, ProviderID: providerID}]
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrUnknownTenant, userID, providerID)
	}

	t.Lock()
	active := t.Strategy() != ""
	t.Unlock()
	if !active {
		return nil, fmt.Errorf("%w: %s@%s is archived", ErrUnknownTenant, userID, providerID)
	}
	return t, nil
}

// Lookup returns a tenant whether it is active or archived, reading it from
// the store when this replica has not seen it yet. The tenant is not locked.
func (h *Holder) Lookup(ctx context.Context, userID, providerID string) (*models.Tenant, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.tenants[models.TenantKey{UserID: userID, ProviderID: providerID}]; ok {
		return t, nil
	}
	rec, err := h.store.LoadTenant(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}
	return h.adoptLocked(rec), nil
}

// Refresh brings t up to date with its stored record and reports the
// strategy the store has for it. When the stored strategy differs the
// ledger is left as is; Sync moves the tenant. The caller holds the tenant
// lock.
func (h *Holder) Refresh(ctx context.Context, t *models.Tenant) (string, error) {
	rec, err := h.store.LoadTenant(ctx, t.UserID, t.ProviderID)
	if errors.Is(err, models.ErrUnknownTenant) {
		return t.Strategy(), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to refresh tenant %s: %w", t.Key(), err)
	}
	if rec.Version <= t.Version() {
		return t.Strategy(), nil
	}
	if rec.Strategy == t.Strategy() {
		t.Restore(rec)
	}
	return rec.Strategy, nil
}

// Sync folds in what other replicas wrote to the store: tenants registered,
// moved or archived elsewhere and ledgers saved elsewhere.
func (h *Holder) Sync(ctx context.Context) error {
	records, err := h.store.LoadTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to sync tenants: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, rec := range records {
		t, ok := h.tenants[models.TenantKey{UserID: rec.UserID, ProviderID: rec.ProviderID}]
		if !ok {
			h.adoptLocked(rec)
			continue
		}
		t.Lock()
		h.applyLocked(t, rec)
		t.Unlock()
	}
	return nil
}

// adoptLocked files a tenant first seen in the store. The caller holds the
// holder lock.
func (h *Holder) adoptLocked(rec models.TenantRecord) *models.Tenant {
	t := models.TenantFromRecord(rec)
	h.tenants[t.Key()] = t
	if rec.Strategy != "" {
		reg := h.registryLocked(rec.Strategy)
		if err := reg.Add(t); err != nil {
			h.logger.Error("failed to file tenant", zap.String("tenant", t.Key().String()), zap.Error(err))
		}
		metrics.TenantsRegistered.WithLabelValues(rec.Strategy).Set(float64(reg.Len()))
	}
	return t
}

// applyLocked takes a newer stored record into a known tenant and moves it
// between registries when its strategy changed elsewhere. The caller holds
// the holder lock and the tenant lock.
func (h *Holder) applyLocked(t *models.Tenant, rec models.TenantRecord) {
	if rec.Version <= t.Version() {
		return
	}
	t.Restore(rec)

	from, to := t.Strategy(), rec.Strategy
	if from == to {
		return
	}
	if from != "" {
		reg := h.registryLocked(from)
		if err := reg.Remove(t); err != nil && !errors.Is(err, registry.ErrNotFound) {
			h.logger.Error("failed to move tenant", zap.String("tenant", t.Key().String()), zap.Error(err))
		}
		metrics.TenantsRegistered.WithLabelValues(from).Set(float64(reg.Len()))
	}
	if to != "" {
		reg := h.registryLocked(to)
		if err := reg.Add(t); err != nil && !errors.Is(err, registry.ErrDuplicate) {
			h.logger.Error("failed to move tenant", zap.String("tenant", t.Key().String()), zap.Error(err))
		}
		metrics.TenantsRegistered.WithLabelValues(to).Set(float64(reg.Len()))
	}
	t.SetStrategy(to)
	h.logger.Info("tenant strategy changed by another replica",
		zap.String("user_id", t.UserID),
		zap.String("provider_id", t.ProviderID),
		zap.String("from", from),
		zap.String("to", to),
	)
}

// Save persists the tenant. The caller holds the tenant lock. Failures are
// logged and returned; nothing is retried. On models.ErrConflict the local
// change is dropped and the tenant reloaded from the store.
func (h *Holder) Save(ctx context.Context, t *models.Tenant) error {
	return h.save(ctx, t)
}

func (h *Holder) save(ctx context.Context, t *models.Tenant) error {
	rec := t.Record()
	rec.Version = t.Version() + 1

	err := h.store.SaveTenant(ctx, rec)
	if err == nil {
		t.SetVersion(rec.Version)
		return nil
	}

	if errors.Is(err, models.ErrConflict) {
		h.logger.Warn("tenant changed by another replica, local change dropped",
			zap.String("user_id", t.UserID),
			zap.String("provider_id", t.ProviderID),
		)
		if _, rerr := h.Refresh(ctx, t); rerr != nil {
			h.logger.Error("failed to reload tenant", zap.String("tenant", t.Key().String()), zap.Error(rerr))
		}
		return fmt.Errorf("failed to save tenant %s: %w", t.Key(), err)
	}

	h.logger.Error("failed to save tenant",
		zap.String("user_id", t.UserID),
		zap.String("provider_id", t.ProviderID),
		zap.Error(err),
	)
	return fmt.Errorf("failed to save tenant %s: %w", t.Key(), err)
}
