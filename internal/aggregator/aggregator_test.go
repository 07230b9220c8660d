package aggregator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarwatch/internal/api"
	"solarwatch/internal/cache"
	"solarwatch/internal/metrics"
	"solarwatch/internal/models"
)

// fakeFetcher scripts per-family responses and records calls.
type fakeFetcher struct {
	mu         sync.Mutex
	calls      []string
	starts     []time.Time
	ends       []time.Time
	telemetry  func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.TelemetryResponse, error)
	meter      func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.MeterTelemetryResponse, error)
	callsSoFar int
}

func (f *fakeFetcher) record(family api.EndpointFamily, siteID string, start, end time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(family)+":"+siteID)
	f.starts = append(f.starts, start)
	f.ends = append(f.ends, end)
	f.callsSoFar++
	return f.callsSoFar
}

func (f *fakeFetcher) FetchTelemetry(ctx context.Context, family api.EndpointFamily, siteID string, start, end time.Time) (*models.TelemetryResponse, error) {
	n := f.record(family, siteID, start, end)
	return f.telemetry(ctx, family, siteID, n)
}

func (f *fakeFetcher) FetchMeterTelemetry(ctx context.Context, family api.EndpointFamily, siteID string, start, end time.Time) (*models.MeterTelemetryResponse, error) {
	n := f.record(family, siteID, start, end)
	return f.meter(ctx, family, siteID, n)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fixtureFetcher serves the two-site fixture: production 10.0/8.0 kWh,
// consumption 5.0/6.0, import 2.0/1.0, export 0.5/0.2.
func fixtureFetcher() *fakeFetcher {
	production := map[string]float64{"1001": 10000, "1002": 8000}
	consumption := map[string]float64{"1001": 5000, "1002": 6000}
	imports := map[string]float64{"1001": 2000, "1002": 1000}
	exports := map[string]float64{"1001": 500, "1002": 200}

	f := &fakeFetcher{}
	f.telemetry = func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.TelemetryResponse, error) {
		switch family {
		case api.FamilyProduction:
			return &models.TelemetryResponse{Intervals: []models.TelemetryInterval{{WhDelivered: production[siteID]}}}, nil
		case api.FamilyConsumption:
			return &models.TelemetryResponse{Intervals: []models.TelemetryInterval{{EnergyWh: consumption[siteID]}}}, nil
		case api.FamilyBattery:
			return &models.TelemetryResponse{Intervals: []models.TelemetryInterval{
				{SOC: &models.SOCBlock{Percent: 40}},
				{SOC: &models.SOCBlock{Percent: 75}, Charge: &models.EnergyBlock{EnergyWh: 1200}},
			}}, nil
		}
		return &models.TelemetryResponse{}, nil
	}
	f.meter = func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.MeterTelemetryResponse, error) {
		if family == api.FamilyGridExport {
			return &models.MeterTelemetryResponse{Intervals: [][]models.TelemetryInterval{
				{{WhExported: exports[siteID]}},
			}}, nil
		}
		return &models.MeterTelemetryResponse{Intervals: [][]models.TelemetryInterval{
			{{WhImported: imports[siteID]}},
		}}, nil
	}
	return f
}

var testSites = []Site{
	{ID: "1001", Name: "Home"},
	{ID: "1002", Name: "Cabin"},
}

func newTestAggregator(t *testing.T, f TelemetryFetcher) *Aggregator {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	m := metrics.New(prometheus.NewRegistry())
	reports := cache.NewReportCache(filepath.Join(dir, "report.json"), logger)
	responses := cache.NewResponseCache(filepath.Join(dir, "responses.json"), m, logger)

	a := New(f, reports, responses, testSites, m, logger)
	a.grace = 10 * time.Millisecond
	return a
}

func TestFetchMetricsAggregatesAcrossSites(t *testing.T) {
	f := fixtureFetcher()
	a := newTestAggregator(t, f)

	a.FetchMetrics(context.Background())

	snap := a.Snapshot()
	require.Equal(t, StateReady, snap.State)
	require.NotNil(t, snap.Report)

	report := *snap.Report
	assert.Equal(t, 18.0, report.ProductionKWh)
	assert.Equal(t, 11.0, report.ConsumptionKWh)
	assert.Equal(t, 3.0, report.GridImportKWh)
	assert.Equal(t, 0.7, report.GridExportKWh)
	assert.InDelta(t, 2.3, report.NetImportKWh, 1e-9)

	require.Len(t, report.Systems, 2)
	assert.Equal(t, "Home", report.Systems[0].Name, "Systems keep configuration order")
	assert.Equal(t, 10.0, report.Systems[0].ProductionKWh)
	assert.InDelta(t, 1.5, report.Systems[0].NetImportedKWh, 1e-9)
	assert.Equal(t, 75.0, report.Systems[0].BatterySOCPercent, "Last SOC sample wins")
	assert.Equal(t, 1.2, report.Systems[0].BatteryChargedKWh)

	// Five endpoint families per site, sites strictly sequential.
	require.Equal(t, 10, f.callCount())
	assert.Equal(t, "production:1001", f.calls[0])
	assert.Equal(t, "production:1002", f.calls[5], "Second site starts only after the first completes")

	// The window runs from start of day to now.
	start := f.starts[0]
	assert.Equal(t, 0, start.Hour())
	assert.Equal(t, 0, start.Minute())
	assert.True(t, f.ends[0].After(start))
}

func TestFetchMetricsServedFromFreshReportCache(t *testing.T) {
	f := fixtureFetcher()
	a := newTestAggregator(t, f)

	a.FetchMetrics(context.Background())
	require.Equal(t, 10, f.callCount())

	// A second trigger within the TTL performs zero network calls.
	a.FetchMetrics(context.Background())
	assert.Equal(t, 10, f.callCount(), "Fresh cached report should satisfy the fetch")
	assert.Equal(t, StateReady, a.Snapshot().State)
}

func TestRateLimitRetrySucceeds(t *testing.T) {
	f := fixtureFetcher()
	base := f.telemetry
	var productionFailures int
	f.telemetry = func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.TelemetryResponse, error) {
		if family == api.FamilyProduction && productionFailures < 2 {
			productionFailures++
			return nil, &api.RateLimitedError{WaitSeconds: 60}
		}
		return base(ctx, family, siteID, call)
	}

	a := newTestAggregator(t, f)

	var sleeps []time.Duration
	a.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	a.FetchMetrics(context.Background())

	snap := a.Snapshot()
	require.Equal(t, StateReady, snap.State)
	assert.Equal(t, 18.0, snap.Report.ProductionKWh)

	require.Len(t, sleeps, 2, "Two 429s should cost exactly two sleeps")
	assert.Equal(t, 60*time.Second, sleeps[0])
	assert.Equal(t, 60*time.Second, sleeps[1])
}

func TestRateLimitRetriesExhausted(t *testing.T) {
	f := fixtureFetcher()
	f.telemetry = func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.TelemetryResponse, error) {
		return nil, &api.RateLimitedError{WaitSeconds: 60}
	}

	a := newTestAggregator(t, f)

	var sleeps int
	a.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}

	a.FetchMetrics(context.Background())

	snap := a.Snapshot()
	assert.Equal(t, StateFailed, snap.State, "No cached report leaves the error visible")
	assert.NotEmpty(t, snap.Message)
	assert.Equal(t, 2, sleeps, "Three attempts total")
}

func TestBestEffortGridMeters(t *testing.T) {
	f := fixtureFetcher()
	f.meter = func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.MeterTelemetryResponse, error) {
		return nil, &api.HTTPError{Status: 404, Body: "no meter"}
	}

	a := newTestAggregator(t, f)
	a.FetchMetrics(context.Background())

	snap := a.Snapshot()
	require.Equal(t, StateReady, snap.State, "Missing grid meters must not fail the fetch")
	assert.Equal(t, 0.0, snap.Report.GridImportKWh)
	assert.Equal(t, 0.0, snap.Report.GridExportKWh)
	assert.Equal(t, 0.0, snap.Report.NetImportKWh)
	assert.Equal(t, 18.0, snap.Report.ProductionKWh)
}

func TestFailureFallsBackToStaleReport(t *testing.T) {
	dir := t.TempDir()
	logger := logrus.New()
	m := metrics.New(prometheus.NewRegistry())

	// Seed a stale report on disk, older than the TTL.
	stale := cache.ReportEntry{
		Metrics:   models.AggregatedMetrics{ProductionKWh: 4.2},
		Timestamp: time.Now().Add(-10 * time.Minute),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.json"), data, 0o644))

	reports := cache.NewReportCache(filepath.Join(dir, "report.json"), logger)
	responses := cache.NewResponseCache(filepath.Join(dir, "responses.json"), m, logger)

	f := fixtureFetcher()
	f.telemetry = func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.TelemetryResponse, error) {
		return nil, &api.HTTPError{Status: 500, Body: "boom"}
	}

	a := New(f, reports, responses, testSites, m, logger)
	a.FetchMetrics(context.Background())

	snap := a.Snapshot()
	assert.Equal(t, StateReady, snap.State, "Stale report should be served on failure")
	assert.Equal(t, 4.2, snap.Report.ProductionKWh)
	assert.NoError(t, snap.Err)
	assert.Empty(t, snap.Message)
}

func TestFetchOutlivesCallerCancellation(t *testing.T) {
	f := fixtureFetcher()
	base := f.telemetry
	f.telemetry = func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.TelemetryResponse, error) {
		time.Sleep(50 * time.Millisecond)
		return base(ctx, family, siteID, call)
	}

	a := newTestAggregator(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.FetchMetrics(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FetchMetrics did not return after caller cancellation")
	}

	// The detached run keeps going and eventually publishes.
	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.State == StateReady && snap.Report != nil && snap.Report.ProductionKWh == 18.0
	}, 3*time.Second, 20*time.Millisecond, "Detached fetch should complete despite trigger cancellation")
}

func TestRefreshCancelsInFlightFetch(t *testing.T) {
	f := fixtureFetcher()
	base := f.telemetry
	firstStarted := make(chan struct{})
	var once sync.Once
	f.telemetry = func(ctx context.Context, family api.EndpointFamily, siteID string, call int) (*models.TelemetryResponse, error) {
		if call == 1 {
			once.Do(func() { close(firstStarted) })
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return base(ctx, family, siteID, call)
	}

	a := newTestAggregator(t, f)

	// Start a run that blocks until its context is cancelled.
	a.ensureRun()
	<-firstStarted

	a.RefreshMetrics(context.Background())

	snap := a.Snapshot()
	require.Equal(t, StateReady, snap.State)
	assert.Equal(t, 18.0, snap.Report.ProductionKWh)
}

func TestClearCaches(t *testing.T) {
	f := fixtureFetcher()
	a := newTestAggregator(t, f)

	a.FetchMetrics(context.Background())
	require.Equal(t, 10, f.callCount())

	a.ClearCaches()

	// With the report cache gone the next trigger fetches live again.
	a.FetchMetrics(context.Background())
	assert.Equal(t, 20, f.callCount())
}
