package api

import "solarwatch/internal/models"

// Field selectors for DailyTotalKWh. The upstream reports energy in Wh;
// daily totals divide by 1000 to get kWh.

func WhDelivered(iv models.TelemetryInterval) float64 { return iv.WhDelivered }
func WhReceived(iv models.TelemetryInterval) float64  { return iv.WhReceived }
func EnergyWh(iv models.TelemetryInterval) float64    { return iv.EnergyWh }
func WhImported(iv models.TelemetryInterval) float64  { return iv.WhImported }
func WhExported(iv models.TelemetryInterval) float64  { return iv.WhExported }

func ChargeWh(iv models.TelemetryInterval) float64 {
	if iv.Charge == nil {
		return 0
	}
	return iv.Charge.EnergyWh
}

func DischargeWh(iv models.TelemetryInterval) float64 {
	if iv.Discharge == nil {
		return 0
	}
	return iv.Discharge.EnergyWh
}

// DailyTotalKWh sums the selected field across all intervals and converts
// Wh to kWh.
func DailyTotalKWh(intervals []models.TelemetryInterval, field func(models.TelemetryInterval) float64) float64 {
	var totalWh float64
	for _, iv := range intervals {
		totalWh += field(iv)
	}
	return totalWh / 1000
}

// DailyTotalKWhFlat flattens a list of per-meter interval arrays before
// summing. Grid import/export responses nest one array per meter.
func DailyTotalKWhFlat(groups [][]models.TelemetryInterval, field func(models.TelemetryInterval) float64) float64 {
	var totalWh float64
	for _, intervals := range groups {
		for _, iv := range intervals {
			totalWh += field(iv)
		}
	}
	return totalWh / 1000
}

// LastSOCPercent returns the state of charge from the last interval that
// carries one. The most recent sample wins; no averaging.
func LastSOCPercent(intervals []models.TelemetryInterval) float64 {
	for i := len(intervals) - 1; i >= 0; i-- {
		if intervals[i].SOC != nil {
			return intervals[i].SOC.Percent
		}
	}
	return 0
}
