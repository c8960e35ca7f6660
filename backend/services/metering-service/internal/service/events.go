package service

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies live feed events.
type EventKind string

const (
	EventTick     EventKind = "tick"
	EventShutdown EventKind = "shutdown"
)

// TickEvent summarises one metering tick for the live feed.
type TickEvent struct {
	Kind         EventKind       `json:"kind"`
	AccountID    string          `json:"account_id"`
	MeterID      string          `json:"meter_id"`
	Funds        decimal.Decimal `json:"funds"`
	EnergyKWh    decimal.Decimal `json:"energy_kwh"`
	Cost         decimal.Decimal `json:"cost"`
	AppliancesOn []string        `json:"appliances_on"`
	Reason       string          `json:"reason,omitempty"`
	At           time.Time       `json:"at"`
}

// Publisher receives tick events. Implementations must not block.
type Publisher interface {
	Publish(event TickEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(TickEvent) {}
