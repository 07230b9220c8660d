package models

import "time"

// EnergyBlock is a nested energy reading inside a battery interval.
type EnergyBlock struct {
	EnergyWh float64 `json:"energy_wh"`
}

// SOCBlock is the state-of-charge reading inside a battery interval.
type SOCBlock struct {
	Percent float64 `json:"percent"`
}

// TelemetryInterval represents one reporting interval from the upstream API.
// Only the fields relevant to the requested endpoint family are populated;
// the rest decode to their zero values.
type TelemetryInterval struct {
	EndAt       int64        `json:"end_at"`
	WhDelivered float64      `json:"wh_del,omitempty"`
	WhReceived  float64      `json:"wh_received,omitempty"`
	EnergyWh    float64      `json:"enwh,omitempty"`
	WhImported  float64      `json:"wh_imported,omitempty"`
	WhExported  float64      `json:"wh_exported,omitempty"`
	Charge      *EnergyBlock `json:"charge,omitempty"`
	Discharge   *EnergyBlock `json:"discharge,omitempty"`
	SOC         *SOCBlock    `json:"soc,omitempty"`
}

// TelemetryResponse is the decoded body for the production, consumption and
// battery telemetry endpoints.
type TelemetryResponse struct {
	SystemID  string              `json:"system_id"`
	Intervals []TelemetryInterval `json:"intervals"`
}

// MeterTelemetryResponse is the decoded body for the grid import/export
// endpoints, which nest one interval array per meter.
type MeterTelemetryResponse struct {
	SystemID  string                `json:"system_id"`
	Intervals [][]TelemetryInterval `json:"intervals"`
}

// SystemMetrics is the daily rollup for a single site. Energy values are in
// kWh. Never mutated after construction.
type SystemMetrics struct {
	SiteID               string  `json:"site_id"`
	Name                 string  `json:"name"`
	ProductionKWh        float64 `json:"production_kwh"`
	ConsumptionKWh       float64 `json:"consumption_kwh"`
	BatterySOCPercent    float64 `json:"battery_soc_percent"`
	GridImportKWh        float64 `json:"grid_import_kwh"`
	GridExportKWh        float64 `json:"grid_export_kwh"`
	BatteryChargedKWh    float64 `json:"battery_charged_kwh"`
	BatteryDischargedKWh float64 `json:"battery_discharged_kwh"`
	NetImportedKWh       float64 `json:"net_imported_kwh"`
}

// AggregatedMetrics is the combined daily rollup across all configured
// sites, in configuration order. This is the unit published to the display
// layer and stored in the report cache.
type AggregatedMetrics struct {
	Timestamp      time.Time       `json:"timestamp"`
	ProductionKWh  float64         `json:"production_kwh"`
	ConsumptionKWh float64         `json:"consumption_kwh"`
	GridImportKWh  float64         `json:"grid_import_kwh"`
	GridExportKWh  float64         `json:"grid_export_kwh"`
	NetImportKWh   float64         `json:"net_import_kwh"`
	Systems        []SystemMetrics `json:"systems"`
}
