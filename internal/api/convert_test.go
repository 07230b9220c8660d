package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"solarwatch/internal/models"
)

func TestDailyTotalKWh(t *testing.T) {
	intervals := []models.TelemetryInterval{
		{WhDelivered: 1000},
		{WhDelivered: 500},
		{WhDelivered: 250},
	}

	total := DailyTotalKWh(intervals, WhDelivered)
	assert.Equal(t, 1.75, total, "Wh sum should convert to kWh")
}

func TestDailyTotalKWhEmpty(t *testing.T) {
	assert.Equal(t, 0.0, DailyTotalKWh(nil, WhDelivered))
}

func TestDailyTotalKWhFlat(t *testing.T) {
	// One interval array per meter; the flatten sums across both.
	groups := [][]models.TelemetryInterval{
		{{WhImported: 1000}, {WhImported: 500}},
		{{WhImported: 250}},
	}

	total := DailyTotalKWhFlat(groups, WhImported)
	assert.Equal(t, 1.75, total)
}

func TestBatteryFieldSelectors(t *testing.T) {
	intervals := []models.TelemetryInterval{
		{Charge: &models.EnergyBlock{EnergyWh: 2000}, Discharge: &models.EnergyBlock{EnergyWh: 500}},
		{Charge: &models.EnergyBlock{EnergyWh: 1000}},
		{},
	}

	assert.Equal(t, 3.0, DailyTotalKWh(intervals, ChargeWh))
	assert.Equal(t, 0.5, DailyTotalKWh(intervals, DischargeWh))
}

func TestLastSOCPercent(t *testing.T) {
	tests := []struct {
		name      string
		intervals []models.TelemetryInterval
		want      float64
	}{
		{
			name: "last sample wins",
			intervals: []models.TelemetryInterval{
				{SOC: &models.SOCBlock{Percent: 40}},
				{SOC: &models.SOCBlock{Percent: 85}},
			},
			want: 85,
		},
		{
			name: "trailing interval without SOC is skipped",
			intervals: []models.TelemetryInterval{
				{SOC: &models.SOCBlock{Percent: 61}},
				{},
			},
			want: 61,
		},
		{
			name:      "no samples",
			intervals: []models.TelemetryInterval{{}, {}},
			want:      0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LastSOCPercent(tt.intervals))
		})
	}
}
