package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/finance-service/internal/billing"
	"github.com/crosslogic/finance-service/internal/tenants"
	"github.com/crosslogic/finance-service/pkg/database"
	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func at(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeUsage struct {
	mu      sync.Mutex
	records map[string][]models.UsageRecord
	err     error
	calls   int
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{records: make(map[string][]models.UsageRecord)}
}

func (f *fakeUsage) Fetch(ctx context.Context, userID, providerID string, start, end time.Time) ([]models.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records[userID+"@"+providerID], nil
}

func (f *fakeUsage) set(userID, providerID string, records ...models.UsageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[userID+"@"+providerID] = records
}

func (f *fakeUsage) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeOrchestrator struct {
	mu      sync.Mutex
	paused  map[string]int
	resumed map[string]int
	err     error
	onPause func(userID string)
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{paused: make(map[string]int), resumed: make(map[string]int)}
}

func (f *fakeOrchestrator) PauseResources(ctx context.Context, userID, providerID string) error {
	f.mu.Lock()
	err, hook := f.err, f.onPause
	if err == nil {
		f.paused[userID]++
	}
	f.mu.Unlock()

	if err == nil && hook != nil {
		hook(userID)
	}
	return err
}

func (f *fakeOrchestrator) ResumeResources(ctx context.Context, userID, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.resumed[userID]++
	return nil
}

func (f *fakeOrchestrator) pauses(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[userID]
}

func (f *fakeOrchestrator) resumes(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumed[userID]
}

func (f *fakeOrchestrator) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixture struct {
	store        *database.MemoryStore
	holder       *tenants.Holder
	usage        *fakeUsage
	orchestrator *fakeOrchestrator
	clock        *fakeClock
	deps         Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewMemoryStore()
	f := &fixture{
		store:        store,
		holder:       tenants.NewHolder(store, zap.NewNop()),
		usage:        newFakeUsage(),
		orchestrator: newFakeOrchestrator(),
		clock:        &fakeClock{now: at(0)},
	}
	f.deps = Deps{
		Holder:       f.holder,
		Usage:        f.usage,
		Orchestrator: f.orchestrator,
		Plans:        store,
		CallTimeout:  time.Second,
		Logger:       zap.NewNop(),
	}
	return f
}

// computePlan prices one small compute shape at price per millisecond.
func computePlan(t *testing.T, price int64) *billing.Plan {
	t.Helper()
	plan, err := billing.NewPlan("test-plan", billing.RuleSet{
		TimeUnit: time.Millisecond,
		Rules:    []models.PriceRule{{Item: models.ComputeItem(1, 1024), Price: decimal.NewFromInt(price)}},
	})
	require.NoError(t, err)
	return plan
}

func computeRecord(id string, start int64) models.UsageRecord {
	return models.UsageRecord{
		ID:           id,
		ResourceType: models.KindCompute,
		Spec:         &models.RecordSpec{VCPU: 1, RAM: 1024},
		StartTime:    at(start),
	}
}

// rewind moves a tenant's last billing time, which registration sets to the
// wall clock.
func rewind(t *testing.T, h *tenants.Holder, userID, providerID string, to time.Time) *models.Tenant {
	t.Helper()
	tenant, err := h.Get(userID, providerID)
	require.NoError(t, err)
	tenant.Lock()
	tenant.SetLastBillingTime(to)
	tenant.Unlock()
	return tenant
}
