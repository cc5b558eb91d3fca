package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceState tracks settlement of an invoice.
type InvoiceState string

const (
	InvoiceStateNew        InvoiceState = "NEW"
	InvoiceStatePaid       InvoiceState = "PAID"
	InvoiceStateDefaulting InvoiceState = "DEFAULTING"
)

// ParseInvoiceState accepts the state names case-insensitively.
func ParseInvoiceState(s string) (InvoiceState, error) {
	switch InvoiceState(strings.ToUpper(strings.TrimSpace(s))) {
	case InvoiceStateNew:
		return InvoiceStateNew, nil
	case InvoiceStatePaid:
		return InvoiceStatePaid, nil
	case InvoiceStateDefaulting:
		return InvoiceStateDefaulting, nil
	}
	return "", fmt.Errorf("%w: invoice state %q", ErrInvalidParameter, s)
}

// InvoiceItem is one priced line of an invoice.
type InvoiceItem struct {
	Item      ResourceItem    `json:"item"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TimeUsed  time.Duration   `json:"time_used"`
	Amount    decimal.Decimal `json:"amount"`
}

// Invoice bills a tenant for one window. Items are never modified after the
// invoice is built; only State changes.
type Invoice struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	ProviderID string          `json:"provider_id"`
	State      InvoiceState    `json:"state"`
	Items      []InvoiceItem   `json:"items"`
	Total      decimal.Decimal `json:"total"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	CreatedAt  time.Time       `json:"created_at"`
}
