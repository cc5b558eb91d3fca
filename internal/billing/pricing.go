package billing

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultTimeUnit is the unit prices are quoted in when a rule set does not
// say otherwise.
const DefaultTimeUnit = time.Millisecond

var ErrUnpricedItem = errors.New("no pricing rule for resource item")

// RuleSet is the full content of a plan: a time unit and a price per item.
type RuleSet struct {
	TimeUnit time.Duration
	Rules    []models.PriceRule
}

// ruleFile is the on-disk shape of a RuleSet. JSON documents parse too.
type ruleFile struct {
	TimeUnit string     `yaml:"time_unit,omitempty"`
	Rules    []ruleLine `yaml:"rules"`
}

type ruleLine struct {
	Kind  models.ResourceKind `yaml:"kind"`
	VCPU  int                 `yaml:"vcpu,omitempty"`
	RAM   int                 `yaml:"ram,omitempty"`
	Size  int                 `yaml:"size,omitempty"`
	Price string              `yaml:"price"`
}

// ParseRules reads a YAML or JSON rule set.
func ParseRules(data []byte) (RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return RuleSet{}, fmt.Errorf("%w: plan rules: %v", models.ErrInvalidParameter, err)
	}

	rs := RuleSet{TimeUnit: DefaultTimeUnit}
	if f.TimeUnit != "" {
		unit, err := ParseDuration(f.TimeUnit)
		if err != nil {
			return RuleSet{}, err
		}
		rs.TimeUnit = unit
	}

	for i, line := range f.Rules {
		price, err := decimal.NewFromString(line.Price)
		if err != nil {
			return RuleSet{}, fmt.Errorf("%w: rule %d price %q", models.ErrInvalidParameter, i, line.Price)
		}
		rs.Rules = append(rs.Rules, models.PriceRule{
			Item:  models.ResourceItem{Kind: line.Kind, VCPU: line.VCPU, RAM: line.RAM, Size: line.Size},
			Price: price,
		})
	}

	if _, err := compile(rs); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// LoadRulesFile reads a rule set from path.
func LoadRulesFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("failed to read plan rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// Marshal renders the rule set in the YAML form ParseRules accepts.
func (rs RuleSet) Marshal() (string, error) {
	f := ruleFile{TimeUnit: rs.TimeUnit.String()}
	for _, r := range rs.Rules {
		f.Rules = append(f.Rules, ruleLine{
			Kind:  r.Item.Kind,
			VCPU:  r.Item.VCPU,
			RAM:   r.Item.RAM,
			Size:  r.Item.Size,
			Price: r.Price.String(),
		})
	}
	out, err := yaml.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to marshal plan rules: %w", err)
	}
	return string(out), nil
}

// ParseDuration accepts Go durations ("1h") or a bare count of
// milliseconds. Only positive values are valid.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("%w: duration %q must be positive", models.ErrInvalidParameter, s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: duration %q", models.ErrInvalidParameter, s)
	}
	return d, nil
}

func compile(rs RuleSet) (map[models.ResourceItem]decimal.Decimal, error) {
	if rs.TimeUnit <= 0 {
		return nil, fmt.Errorf("%w: time unit must be positive", models.ErrInvalidParameter)
	}

	prices := make(map[models.ResourceItem]decimal.Decimal, len(rs.Rules))
	for _, r := range rs.Rules {
		switch r.Item.Kind {
		case models.KindCompute, models.KindVolume:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownItemType, r.Item.Kind)
		}
		if r.Price.IsNegative() {
			return nil, fmt.Errorf("%w: negative price for %s", models.ErrInvalidParameter, r.Item)
		}
		if _, dup := prices[r.Item]; dup {
			return nil, fmt.Errorf("%w: duplicate rule for %s", models.ErrInvalidParameter, r.Item)
		}
		prices[r.Item] = r.Price
	}
	return prices, nil
}

// Plan is a named, versioned price table shared by every tenant of one
// strategy. All access goes through the plan lock. Code that also needs a
// tenant lock takes the tenant lock first.
type Plan struct {
	mu       sync.Mutex
	name     string
	version  int
	timeUnit time.Duration
	prices   map[models.ResourceItem]decimal.Decimal
}

// NewPlan builds version 1 of a plan.
func NewPlan(name string, rs RuleSet) (*Plan, error) {
	prices, err := compile(rs)
	if err != nil {
		return nil, err
	}
	return &Plan{name: name, version: 1, timeUnit: rs.TimeUnit, prices: prices}, nil
}

// PlanFromRecord restores a persisted plan.
func PlanFromRecord(rec models.PlanRecord) (*Plan, error) {
	p, err := NewPlan(rec.Name, RuleSet{TimeUnit: rec.TimeUnit, Rules: rec.Rules})
	if err != nil {
		return nil, err
	}
	p.version = rec.Version
	return p, nil
}

func (p *Plan) Name() string { return p.name }

func (p *Plan) Version() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Update replaces every rule and bumps the version.
func (p *Plan) Update(rs RuleSet) error {
	prices, err := compile(rs)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices = prices
	p.timeUnit = rs.TimeUnit
	p.version++
	return nil
}

// Rules returns the current rule set in a stable order.
func (p *Plan) Rules() RuleSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rulesLocked()
}

// Record snapshots the plan for persistence.
func (p *Plan) Record() models.PlanRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs := p.rulesLocked()
	return models.PlanRecord{
		Name:      p.name,
		Version:   p.version,
		TimeUnit:  rs.TimeUnit,
		Rules:     rs.Rules,
		UpdatedAt: time.Now().UTC(),
	}
}

// Price looks up the price of item per time unit.
func (p *Plan) Price(item models.ResourceItem) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priceLocked(item)
}

func (p *Plan) priceLocked(item models.ResourceItem) (decimal.Decimal, error) {
	price, ok := p.prices[item]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s in plan %s", ErrUnpricedItem, item, p.name)
	}
	return price, nil
}

// chargeLocked is price × used expressed in plan time units.
func (p *Plan) chargeLocked(price decimal.Decimal, used time.Duration) decimal.Decimal {
	units := decimal.NewFromInt(int64(used)).Div(decimal.NewFromInt(int64(p.timeUnit)))
	return price.Mul(units)
}

func (p *Plan) rulesLocked() RuleSet {
	rules := make([]models.PriceRule, 0, len(p.prices))
	for item, price := range p.prices {
		rules = append(rules, models.PriceRule{Item: item, Price: price})
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Item.String() < rules[j].Item.String()
	})
	return RuleSet{TimeUnit: p.timeUnit, Rules: rules}
}
