package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// TenantStore persists tenants in finance_tenants.
type TenantStore struct {
	db *Database
}

func NewTenantStore(db *Database) *TenantStore {
	return &TenantStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (models.TenantRecord, error) {
	var (
		rec         models.TenantRecord
		properties  []byte
		invoices    []byte
		creditsText string
	)
	if err := row.Scan(&rec.UserID, &rec.ProviderID, &rec.Strategy, &properties, &creditsText, &invoices, &rec.Version, &rec.UpdatedAt); err != nil {
		return models.TenantRecord{}, err
	}

	credits, err := decimal.NewFromString(creditsText)
	if err != nil {
		return models.TenantRecord{}, fmt.Errorf("tenant %s@%s has malformed credits: %w", rec.UserID, rec.ProviderID, err)
	}
	rec.Credits = credits

	if err := json.Unmarshal(properties, &rec.Properties); err != nil {
		return models.TenantRecord{}, fmt.Errorf("tenant %s@%s has malformed properties: %w", rec.UserID, rec.ProviderID, err)
	}
	if err := json.Unmarshal(invoices, &rec.Invoices); err != nil {
		return models.TenantRecord{}, fmt.Errorf("tenant %s@%s has malformed invoices: %w", rec.UserID, rec.ProviderID, err)
	}
	return rec, nil
}

// LoadTenants returns every tenant, archived ones included.
func (s *TenantStore) LoadTenants(ctx context.Context) ([]models.TenantRecord, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT user_id, provider_id, strategy, properties, credits::text, invoices, version, updated_at
		FROM finance_tenants
		ORDER BY user_id, provider_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var records []models.TenantRecord
	for rows.Next() {
		rec, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tenants: %w", err)
	}
	return records, nil
}

func (s *TenantStore) LoadTenant(ctx context.Context, userID, providerID string) (models.TenantRecord, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT user_id, provider_id, strategy, properties, credits::text, invoices, version, updated_at
		FROM finance_tenants
		WHERE user_id = $1 AND provider_id = $2
	`, userID, providerID)

	rec, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TenantRecord{}, fmt.Errorf("%w: %s@%s", models.ErrUnknownTenant, userID, providerID)
	}
	if err != nil {
		return models.TenantRecord{}, fmt.Errorf("failed to load tenant %s@%s: %w", userID, providerID, err)
	}
	return rec, nil
}

// SaveTenant upserts the full tenant record. The write only lands when
// rec.Version is newer than the stored version; otherwise it fails with
// models.ErrConflict.
func (s *TenantStore) SaveTenant(ctx context.Context, rec models.TenantRecord) error {
	properties, err := json.Marshal(rec.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	invoices := rec.Invoices
	if invoices == nil {
		invoices = []models.Invoice{}
	}
	invoicesJSON, err := json.Marshal(invoices)
	if err != nil {
		return fmt.Errorf("failed to encode invoices: %w", err)
	}

	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO finance_tenants (user_id, provider_id, strategy, properties, credits, invoices, version, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, NOW())
		ON CONFLICT (user_id, provider_id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			properties = EXCLUDED.properties,
			credits = EXCLUDED.credits,
			invoices = EXCLUDED.invoices,
			version = EXCLUDED.version,
			updated_at = NOW()
		WHERE finance_tenants.version < EXCLUDED.version
	`, rec.UserID, rec.ProviderID, rec.Strategy, properties, rec.Credits.String(), invoicesJSON, rec.Version)
	if err != nil {
		return fmt.Errorf("failed to save tenant %s@%s: %w", rec.UserID, rec.ProviderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s@%s at version %d", models.ErrConflict, rec.UserID, rec.ProviderID, rec.Version)
	}
	return nil
}

// PlanStore persists pricing plans in finance_plans.
type PlanStore struct {
	db *Database
}

func NewPlanStore(db *Database) *PlanStore {
	return &PlanStore{db: db}
}

// LoadPlan returns models.ErrPlanNotFound when no plan has that name.
func (s *PlanStore) LoadPlan(ctx context.Context, name string) (models.PlanRecord, error) {
	var (
		rec        models.PlanRecord
		timeUnitMS int64
		rules      []byte
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT name, version, time_unit_ms, rules, updated_at
		FROM finance_plans
		WHERE name = $1
	`, name).Scan(&rec.Name, &rec.Version, &timeUnitMS, &rules, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PlanRecord{}, fmt.Errorf("%w: %s", models.ErrPlanNotFound, name)
	}
	if err != nil {
		return models.PlanRecord{}, fmt.Errorf("failed to load plan %s: %w", name, err)
	}

	rec.TimeUnit = time.Duration(timeUnitMS) * time.Millisecond
	if err := json.Unmarshal(rules, &rec.Rules); err != nil {
		return models.PlanRecord{}, fmt.Errorf("plan %s has malformed rules: %w", name, err)
	}
	return rec, nil
}

func (s *PlanStore) SavePlan(ctx context.Context, rec models.PlanRecord) error {
	rules, err := json.Marshal(rec.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode plan rules: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO finance_plans (name, version, time_unit_ms, rules, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE SET
			version = EXCLUDED.version,
			time_unit_ms = EXCLUDED.time_unit_ms,
			rules = EXCLUDED.rules,
			updated_at = NOW()
	`, rec.Name, rec.Version, rec.TimeUnit.Milliseconds(), rules)
	if err != nil {
		return fmt.Errorf("failed to save plan %s: %w", rec.Name, err)
	}
	return nil
}
