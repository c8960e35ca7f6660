package service

import (
	"time"

	"github.com/shopspring/decimal"

	"prepaidmeter/backend/services/metering-service/internal/models"
)

// occupancy is the switch-on probability of an appliance type. Peak windows are
// inclusive hour ranges; a zero window means the peak value applies all day.
type occupancy struct {
	peak     float64
	offPeak  float64
	fromHour int
	toHour   int
}

var occupancyTable = map[models.ApplianceType]occupancy{
	models.ApplianceTV:             {peak: 0.35, offPeak: 0.08, fromHour: 18, toHour: 23},
	models.ApplianceRefrigerator:   {peak: 0.9, offPeak: 0.9},
	models.ApplianceFan:            {peak: 0.4, offPeak: 0.15, fromHour: 9, toHour: 21},
	models.ApplianceComputers:      {peak: 0.2, offPeak: 0.05, fromHour: 8, toHour: 22},
	models.AppliancePhones:         {peak: 0.5, offPeak: 0.5},
	models.ApplianceWashingMachine: {peak: 0.05, offPeak: 0.05},
	models.ApplianceCookingGas:     {peak: 0.12, offPeak: 0.12},
}

var defaultOccupancy = occupancy{peak: 0.08, offPeak: 0.08}

// OnProbability returns the chance that an automatically controlled appliance of type t
// is on during the given hour of day.
func OnProbability(t models.ApplianceType, hour int) float64 {
	o, ok := occupancyTable[t]
	if !ok {
		o = defaultOccupancy
	}
	if o.fromHour == 0 && o.toHour == 0 {
		return o.peak
	}
	if hour >= o.fromHour && hour <= o.toHour {
		return o.peak
	}
	return o.offPeak
}

var wattSecondsPerKWh = decimal.NewFromInt(3_600_000)

// EnergyForTick returns the kWh drawn by powerW watts over one tick.
func EnergyForTick(powerW int, tick time.Duration) decimal.Decimal {
	if powerW <= 0 || tick <= 0 {
		return decimal.Zero
	}
	seconds := decimal.NewFromInt(int64(tick)).Div(decimal.NewFromInt(int64(time.Second)))
	return decimal.NewFromInt(int64(powerW)).Mul(seconds).Div(wattSecondsPerKWh)
}
