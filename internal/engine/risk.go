package engine

import (
	"fmt"
	"math"

	"pyramid/internal/broker"
	"pyramid/internal/domain"
)

// RiskManager sizes orders and checks them against available funds.
type RiskManager struct {
	capitalPerTrade float64
}

// NewRiskManager creates a RiskManager that commits at most capitalPerTrade
// per order.
func NewRiskManager(capitalPerTrade float64) *RiskManager {
	return &RiskManager{capitalPerTrade: capitalPerTrade}
}

// CapitalPerTrade returns the configured per-order capital.
func (rm *RiskManager) CapitalPerTrade() float64 { return rm.capitalPerTrade }

// Size returns the whole-share quantity to buy at price: capital per trade
// divided by price, capped by what available funds can pay for. Zero means
// the order should be skipped.
func (rm *RiskManager) Size(price, available float64) float64 {
	if price <= 0 || rm.capitalPerTrade <= 0 {
		return 0
	}
	qty := math.Floor(rm.capitalPerTrade / price)
	if affordable := math.Floor(available / price); affordable < qty {
		qty = affordable
	}
	if qty < 0 {
		return 0
	}
	return qty
}

// CheckFunds returns an error wrapping broker.ErrInsufficientFunds when a buy
// of qty at price costs more than funds.Available. Sells always pass.
func (rm *RiskManager) CheckFunds(side domain.OrderSide, qty, price float64, funds broker.Funds) error {
	if side != domain.OrderSideBuy {
		return nil
	}
	if need := qty * price; need > funds.Available {
		return fmt.Errorf("funds check: %w: need %.2f have %.2f", broker.ErrInsufficientFunds, need, funds.Available)
	}
	return nil
}
