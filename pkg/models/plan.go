package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrPlanNotFound = errors.New("plan not found")

// PriceRule prices one resource item per plan time unit.
type PriceRule struct {
	Item  ResourceItem    `json:"item"`
	Price decimal.Decimal `json:"price"`
}

// PlanRecord is the persisted form of a pricing plan.
type PlanRecord struct {
	Name      string        `json:"name"`
	Version   int           `json:"version"`
	TimeUnit  time.Duration `json:"time_unit"`
	Rules     []PriceRule   `json:"rules"`
	UpdatedAt time.Time     `json:"updated_at"`
}
