package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApplianceType classifies an appliance for the occupancy model.
type ApplianceType string

const (
	ApplianceRefrigerator   ApplianceType = "refrigerator"
	ApplianceTV             ApplianceType = "tv"
	ApplianceFan            ApplianceType = "fan"
	ApplianceComputers      ApplianceType = "computers"
	AppliancePhones         ApplianceType = "phones"
	ApplianceWashingMachine ApplianceType = "washing_machine"
	ApplianceCookingGas     ApplianceType = "cooking_gas"
)

// ApplianceSession tracks the current on-period of an appliance.
type ApplianceSession struct {
	StartedAt *time.Time      `db:"session_started_at" json:"started_at,omitempty"`
	AccumKWh  decimal.Decimal `db:"session_accum_kwh" json:"accum_kwh_session"`
}

// Appliance is a power-consuming device attached to a meter.
type Appliance struct {
	ID            string           `db:"id" json:"appliance_id"`
	MeterID       string           `db:"meter_id" json:"meter_id"`
	Type          ApplianceType    `db:"type" json:"type"`
	Location      string           `db:"location" json:"location"`
	PowerRatingW  int              `db:"power_rating_w" json:"power_rating_w"`
	IsOn          bool             `db:"is_on" json:"is_on"`
	ManualControl bool             `db:"manual_control" json:"manual_control"`
	Session       ApplianceSession `json:"session"`
	TotalAccumKWh decimal.Decimal  `db:"total_accum_kwh" json:"total_accum_kwh"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
}

// ApplianceStateUpdate is a partial update of an appliance's switching state.
// A non-nil StartedAt opens a new session and resets the session accumulator.
type ApplianceStateUpdate struct {
	IsOn          bool
	ManualControl *bool
	StartedAt     *time.Time
}

// ApplianceSpec describes an appliance installed at registration.
type ApplianceSpec struct {
	Type         ApplianceType
	Location     string
	PowerRatingW int
}

// DefaultAppliances is the fixed set installed on every new meter.
func DefaultAppliances() []ApplianceSpec {
	return []ApplianceSpec{
		{Type: ApplianceRefrigerator, Location: "kitchen", PowerRatingW: 150},
		{Type: ApplianceTV, Location: "parlour", PowerRatingW: 120},
		{Type: ApplianceFan, Location: "bedroom", PowerRatingW: 60},
		{Type: ApplianceComputers, Location: "bedroom", PowerRatingW: 200},
		{Type: AppliancePhones, Location: "bedroom", PowerRatingW: 10},
		{Type: ApplianceWashingMachine, Location: "kitchen", PowerRatingW: 500},
		{Type: ApplianceCookingGas, Location: "kitchen", PowerRatingW: 1000},
	}
}
