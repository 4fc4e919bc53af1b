package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ems/backend/internal/core"
)

// Pricing resolves the charge for an endorsement when its payload carries no
// explicit amount. Insurer-specific plan pricing lives outside this module;
// this contract is the seam it plugs into.
type Pricing interface {
	Price(requestType string, payload map[string]interface{}) (decimal.Decimal, error)
}

// StaticPricing prices by request type from a fixed table.
type StaticPricing struct {
	prices map[string]decimal.Decimal
}

// NewStaticPricing parses a type -> price table. Types without an entry price
// at zero.
func NewStaticPricing(table map[string]string) (*StaticPricing, error) {
	prices := make(map[string]decimal.Decimal, len(table))
	for requestType, raw := range table {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse price for %s: %w", requestType, err)
		}
		prices[requestType] = price
	}
	return &StaticPricing{prices: prices}, nil
}

func (p *StaticPricing) Price(requestType string, _ map[string]interface{}) (decimal.Decimal, error) {
	if price, ok := p.prices[requestType]; ok {
		return price, nil
	}
	return decimal.Zero, nil
}

// resolveAmount applies the amount precedence: explicit event amount, then
// payload.amount, then payload.coverage.amount, then the pricing table.
// Negative values clamp to zero.
func resolveAmount(event *amountSource, pricing Pricing) (decimal.Decimal, error) {
	if event.Amount != nil {
		return clampAmount(*event.Amount), nil
	}
	if amount, ok := toDecimal(event.Payload["amount"]); ok {
		return clampAmount(amount), nil
	}
	if coverage, ok := event.Payload["coverage"].(map[string]interface{}); ok {
		if amount, ok := toDecimal(coverage["amount"]); ok {
			return clampAmount(amount), nil
		}
	}
	amount, err := pricing.Price(event.RequestType, event.Payload)
	if err != nil {
		return decimal.Zero, err
	}
	return clampAmount(amount), nil
}

type amountSource struct {
	Amount      *decimal.Decimal
	RequestType string
	Payload     map[string]interface{}
}

func clampAmount(amount decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// toDecimal converts JSON-decoded payload values. Numbers arrive as float64,
// amounts written by careful clients as strings.
func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch value := v.(type) {
	case float64:
		return decimal.NewFromFloat(value), true
	case string:
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, false
		}
		return amount, true
	case int:
		return decimal.NewFromInt(int64(value)), true
	}
	return decimal.Zero, false
}

// isCredit reports whether a request type releases funds.
func isCredit(requestType string) bool {
	return requestType == core.TypeDeletion
}
