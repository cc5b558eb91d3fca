package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crosslogic/finance-service/internal/billing"
	"github.com/crosslogic/finance-service/internal/scheduler"
	"github.com/crosslogic/finance-service/internal/tenants"
	"github.com/crosslogic/finance-service/pkg/events"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/crosslogic/finance-service/pkg/registry"
	"go.uber.org/zap"
)

var (
	// ErrUnmanagedTenant is returned for a tenant no strategy manages.
	ErrUnmanagedTenant = fmt.Errorf("%w: tenant is not managed by any billing strategy", models.ErrUnknownTenant)

	ErrUnknownStrategy   = errors.New("unknown billing strategy")
	ErrDuplicateStrategy = errors.New("billing strategy already registered")
)

// Option keys accepted by SetOptions.
const (
	OptionDeductionWaitTime = "credits_deduction_wait_time"
	OptionBillingInterval   = "billing_interval"
	OptionInvoiceWaitTime   = "invoice_wait_time"
	OptionPlanRules         = "finance_plan_rules"
	OptionPlanRulesFile     = "finance_plan_rules_file_path"
)

// Finance state properties and update keys.
const (
	PropertyCredits       = "credits"
	PropertyInvoices      = "invoices"
	PropertyPaymentStatus = models.PropertyPaymentStatus
	UpdateCreditsToAdd    = "credits_to_add"
)

// Operation is an action a tenant asks permission for.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationGet    Operation = "GET"
	OperationGetAll Operation = "GET_ALL"
	OperationDelete Operation = "DELETE"
	OperationPause  Operation = "PAUSE"
	OperationResume Operation = "RESUME"
)

// ParseOperation accepts operation names case-insensitively.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	switch op {
	case OperationCreate, OperationGet, OperationGetAll, OperationDelete, OperationPause, OperationResume:
		return op, nil
	}
	return "", fmt.Errorf("%w: operation %q", models.ErrInvalidParameter, s)
}

// Strategy is a billing model: how tenants are charged and when their
// resources are paused.
type Strategy interface {
	Name() string

	// IsAuthorized reports whether the tenant may perform op. Only
	// OperationCreate depends on good standing.
	IsAuthorized(ctx context.Context, userID, providerID string, op Operation) (bool, error)
	IsRegistered(userID, providerID string) bool
	RegisterTenant(ctx context.Context, userID, providerID string) error
	UnregisterTenant(ctx context.Context, userID, providerID string) error

	Options() map[string]string
	// SetOptions validates every option before applying any. Running workers
	// are restarted so new intervals take effect.
	SetOptions(ctx context.Context, opts map[string]string) error

	FinanceState(ctx context.Context, userID, providerID, property string) (string, error)
	UpdateFinanceState(ctx context.Context, userID, providerID string, update map[string]string) error

	// StartWorkers and StopWorkers are idempotent. StopWorkers returns once
	// every worker has finished its current unit.
	StartWorkers(ctx context.Context)
	StopWorkers()
}

// UsageSource fetches accounting records. Transient failures wrap
// models.ErrUnavailable.
type UsageSource interface {
	Fetch(ctx context.Context, userID, providerID string, start, end time.Time) ([]models.UsageRecord, error)
}

// Orchestrator pauses and resumes a tenant's resources.
type Orchestrator interface {
	PauseResources(ctx context.Context, userID, providerID string) error
	ResumeResources(ctx context.Context, userID, providerID string) error
}

// StandingChecker decides good standing. The caller holds the tenant lock.
type StandingChecker interface {
	HasPaid(tenant *models.Tenant) bool
}

// Deps are the collaborators shared by strategies.
type Deps struct {
	Holder       *tenants.Holder
	Usage        UsageSource
	Orchestrator Orchestrator

	// Optional
	Plans       billing.PlanStore
	Events      events.Publisher
	Lease       scheduler.Lease
	CallTimeout time.Duration

	// LeaseTTL bounds worker intervals when Lease is shared between
	// replicas; an interval at or above it would let the lease lapse
	// between cycles.
	LeaseTTL time.Duration

	Logger *zap.Logger
}

const defaultCallTimeout = 30 * time.Second

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = nopPublisher{}
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = defaultCallTimeout
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) {}

// base carries what both strategies share: identity, tenant lookup and the
// worker lifecycle.
type base struct {
	name   string
	deps   Deps
	logger *zap.Logger

	// mu guards workers, runCtx and the strategy's options
	mu      sync.Mutex
	workers []*scheduler.Worker
	runCtx  context.Context
	build   func() []*scheduler.Worker
}

func (b *base) init(name string, deps Deps, build func() []*scheduler.Worker) {
	b.name = name
	b.deps = deps.withDefaults()
	b.logger = b.deps.Logger.Named("strategy").With(zap.String("strategy", name))
	b.build = build
}

func (b *base) Name() string { return b.name }

func (b *base) registry() *registry.Registry[*models.Tenant] {
	return b.deps.Holder.Registry(b.name)
}

func (b *base) IsRegistered(userID, providerID string) bool {
	t, err := b.deps.Holder.Get(userID, providerID)
	if err != nil {
		return false
	}
	t.Lock()
	defer t.Unlock()
	return t.Strategy() == b.name
}

// lockTenant returns a tenant this strategy manages, locked and brought up
// to date with the store. The caller unlocks it.
func (b *base) lockTenant(ctx context.Context, userID, providerID string) (*models.Tenant, error) {
	t, err := b.deps.Holder.Get(userID, providerID)
	if err != nil {
		return nil, err
	}
	t.Lock()
	current, err := b.deps.Holder.Refresh(ctx, t)
	if err != nil {
		t.Unlock()
		return nil, err
	}
	if t.Strategy() != b.name || current != b.name {
		t.Unlock()
		return nil, fmt.Errorf("%w: %s is not managed by %s", models.ErrUnknownTenant, t.Key(), b.name)
	}
	return t, nil
}

func (b *base) StartWorkers(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startLocked(ctx)
}

func (b *base) startLocked(ctx context.Context) {
	if b.workers != nil {
		if !b.exitedLocked() {
			return
		}
		// the context they ran under ended
		b.stopLocked()
	}
	b.runCtx = ctx
	b.workers = b.build()
	for _, w := range b.workers {
		w.Start(ctx)
	}
}

func (b *base) StopWorkers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *base) stopLocked() {
	for _, w := range b.workers {
		w.Stop()
	}
	for _, w := range b.workers {
		<-w.Done()
	}
	b.workers = nil
}

// exitedLocked reports whether any worker has stopped on its own.
func (b *base) exitedLocked() bool {
	for _, w := range b.workers {
		select {
		case <-w.Done():
			return true
		default:
		}
	}
	return false
}

// restartLocked replaces running workers with fresh ones built from the
// current options. Stopped workers stay stopped.
func (b *base) restartLocked() {
	if b.workers == nil {
		return
	}
	if b.exitedLocked() {
		b.stopLocked()
		return
	}
	ctx := b.runCtx
	b.stopLocked()
	b.startLocked(ctx)
	b.logger.Info("workers restarted with new options")
}

// WorkersActive reports whether the strategy's workers are running.
func (b *base) WorkersActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.workers) == 0 {
		return false
	}
	for _, w := range b.workers {
		if !w.IsActive() {
			return false
		}
	}
	return true
}

func (b *base) newWorker(kind string, interval time.Duration, unit scheduler.Unit) *scheduler.Worker {
	var opts []scheduler.Option
	if b.deps.Lease != nil {
		opts = append(opts, scheduler.WithLease(b.deps.Lease))
	}
	return scheduler.NewWorker(b.name+"-"+kind, interval, unit, b.deps.Logger.Named("scheduler"), opts...)
}

// applyRules parses a plan rules option and installs it, persisting the new
// plan version when a store is configured.
func (b *base) applyRules(ctx context.Context, plan *billing.Plan, rs billing.RuleSet) error {
	if err := plan.Update(rs); err != nil {
		return err
	}
	b.logger.Info("plan rules updated",
		zap.String("plan", plan.Name()),
		zap.Int("version", plan.Version()),
	)
	if b.deps.Plans == nil {
		return nil
	}
	if err := b.deps.Plans.SavePlan(ctx, plan.Record()); err != nil {
		b.logger.Error("failed to save plan", zap.String("plan", plan.Name()), zap.Error(err))
		return fmt.Errorf("failed to save plan %s: %w", plan.Name(), err)
	}
	return nil
}

// checkInterval rejects a worker interval that would outlast the worker
// lease.
func (b *base) checkInterval(option string, d time.Duration) error {
	if b.deps.LeaseTTL > 0 && d >= b.deps.LeaseTTL {
		return fmt.Errorf("%w: %s %s must be shorter than the worker lease ttl %s",
			models.ErrInvalidParameter, option, d, b.deps.LeaseTTL)
	}
	return nil
}

// parseRulesOption reads the rules carried by opts, if any. Inline rules and
// a rules file are mutually exclusive.
func parseRulesOption(opts map[string]string) (*billing.RuleSet, error) {
	_, inline := opts[OptionPlanRules]
	_, file := opts[OptionPlanRulesFile]
	if inline && file {
		return nil, fmt.Errorf("%w: %s and %s cannot be set together",
			models.ErrInvalidParameter, OptionPlanRules, OptionPlanRulesFile)
	}

	if doc, ok := opts[OptionPlanRules]; ok {
		rs, err := billing.ParseRules([]byte(doc))
		if err != nil {
			return nil, err
		}
		return &rs, nil
	}
	if path, ok := opts[OptionPlanRulesFile]; ok {
		rs, err := billing.LoadRulesFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidParameter, err)
		}
		return &rs, nil
	}
	return nil, nil
}

func rulesOption(plan *billing.Plan) string {
	doc, err := plan.Rules().Marshal()
	if err != nil {
		return ""
	}
	return doc
}

func checkKeys(opts map[string]string, allowed ...string) error {
	for key := range opts {
		known := false
		for _, a := range allowed {
			if key == a {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown option %q", models.ErrInvalidParameter, key)
		}
	}
	return nil
}

// forEachTenant visits every tenant of reg with a fresh cursor. It stops at
// the first registry error, which is returned; registry.ErrModified means
// the population changed and the cycle should end.
func forEachTenant(ctx context.Context, reg *registry.Registry[*models.Tenant], visit func(*models.Tenant)) error {
	id := reg.StartIterating()
	defer reg.StopIterating(id)

	for {
		if ctx.Err() != nil {
			return nil
		}
		t, ok, err := reg.GetNext(id)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		visit(t)
	}
}

// stillManaged re-reads t from the store before a unit commits to it and
// reports whether strategy still manages it. The caller holds the tenant
// lock.
func stillManaged(ctx context.Context, holder *tenants.Holder, t *models.Tenant, strategy string, logger *zap.Logger) bool {
	if t.Strategy() != strategy {
		return false
	}
	current, err := holder.Refresh(ctx, t)
	if err != nil {
		logger.Warn("failed to refresh tenant, skipped this cycle", append(tenantFields(t), zap.Error(err))...)
		return false
	}
	return current == strategy
}

func tenantFields(t *models.Tenant) []zap.Field {
	return []zap.Field{
		zap.String("user_id", t.UserID),
		zap.String("provider_id", t.ProviderID),
	}
}
