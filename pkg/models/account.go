package models

import (
	"time"
)

// AccountSummary is a brokerage account as reported by the broker.
type AccountSummary struct {
	ID        string
	IDKey     string // opaque broker key used in resource paths
	Name      string
	Type      string
	Status    string
	IsPaper   bool
	Balance   AccountBalance
	UpdatedAt time.Time
}

// AccountBalance holds the computed real-time balance figures for an
// account. A negative BuyingPower (margin call) is passed through as
// reported, never clamped.
type AccountBalance struct {
	Currency      string
	TotalEquity   float64
	AvailableCash float64
	BuyingPower   float64
}

// Position is a single holding. Quantity is signed: negative denotes a
// short position.
type Position struct {
	Symbol          string
	Quantity        float64
	CostPerShare    float64
	MarketValue     float64
	CurrentPrice    float64
	UnrealizedPL    float64
	UnrealizedPLPct float64
}
