package models

import "github.com/shopspring/decimal"

type CreditPackage struct {
	ID       string          `json:"id" toml:"id"`
	Name     string          `json:"name" toml:"name"`
	Credits  int64           `json:"credits" toml:"credits"`
	Price    decimal.Decimal `json:"price" toml:"price"`
	Currency string          `json:"currency" toml:"currency"`
	IsActive bool            `json:"is_active" toml:"is_active"`
}

// UnitAmount returns the price in the currency's minor unit, as payment
// providers expect it.
func (p CreditPackage) UnitAmount() int64 {
	return p.Price.Shift(2).Round(0).IntPart()
}
