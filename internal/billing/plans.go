package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/finance-service/pkg/models"
)

// PlanStore persists plans. LoadPlan returns models.ErrPlanNotFound when no
// plan has the name.
type PlanStore interface {
	LoadPlan(ctx context.Context, name string) (models.PlanRecord, error)
	SavePlan(ctx context.Context, rec models.PlanRecord) error
}

// LoadPlan restores the named plan from store. A plan that was never saved is
// built from rulesFile and saved.
func LoadPlan(ctx context.Context, store PlanStore, name, rulesFile string) (*Plan, error) {
	rec, err := store.LoadPlan(ctx, name)
	if err == nil {
		return PlanFromRecord(rec)
	}
	if !errors.Is(err, models.ErrPlanNotFound) {
		return nil, fmt.Errorf("failed to load plan %s: %w", name, err)
	}

	if rulesFile == "" {
		return nil, fmt.Errorf("%w: plan %s is not stored and no rules file is configured", models.ErrPlanNotFound, name)
	}
	rs, err := LoadRulesFile(rulesFile)
	if err != nil {
		return nil, err
	}
	plan, err := NewPlan(name, rs)
	if err != nil {
		return nil, err
	}
	if err := store.SavePlan(ctx, plan.Record()); err != nil {
		return nil, fmt.Errorf("failed to save plan %s: %w", name, err)
	}
	return plan, nil
}
