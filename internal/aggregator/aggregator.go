// Package aggregator orchestrates telemetry fetches across all configured
// sites and reduces raw intervals into the combined daily report published
// to the display layer.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"solarwatch/internal/api"
	"solarwatch/internal/cache"
	"solarwatch/internal/metrics"
	"solarwatch/internal/models"
)

// State is the aggregator's publication state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// maxAttempts bounds rate-limit retries: the initial fetch plus two more.
const maxAttempts = 3

// defaultGrace is how long a refresh waits for a cancelled in-flight fetch
// to settle before starting a new one.
const defaultGrace = 250 * time.Millisecond

// Site identifies one configured system.
type Site struct {
	ID   string
	Name string
}

// TelemetryFetcher is the slice of the API client the aggregator needs.
type TelemetryFetcher interface {
	FetchTelemetry(ctx context.Context, family api.EndpointFamily, siteID string, start, end time.Time) (*models.TelemetryResponse, error)
	FetchMeterTelemetry(ctx context.Context, family api.EndpointFamily, siteID string, start, end time.Time) (*models.MeterTelemetryResponse, error)
}

// Snapshot is what the display layer reads: the current state, the last
// published report if any, and a user-facing message when publication
// failed.
type Snapshot struct {
	State   State
	Report  *models.AggregatedMetrics
	Err     error
	Message string
}

// optionalKWh distinguishes a definitive reading from "not available for
// this site". Unavailable readings contribute zero to the rollup.
type optionalKWh struct {
	kwh       float64
	available bool
}

// fetchRun is one detached aggregation fetch. The run owns its own
// cancellation; a caller that stops waiting does not stop the work.
type fetchRun struct {
	done       chan struct{}
	cancel     context.CancelFunc
	superseded bool
	err        error
}

// Aggregator drives the fetch pipeline and maintains the report cache.
// Sites are fetched strictly sequentially in configuration order to bound
// request bursts against the rate-limited upstream.
type Aggregator struct {
	fetcher   TelemetryFetcher
	reports   *cache.ReportCache
	responses *cache.ResponseCache
	sites     []Site
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	grace time.Duration

	mu       sync.Mutex
	run      *fetchRun
	snapshot Snapshot
}

// New creates an aggregator over the given sites.
func New(fetcher TelemetryFetcher, reports *cache.ReportCache, responses *cache.ResponseCache, sites []Site, m *metrics.Metrics, logger logrus.FieldLogger) *Aggregator {
	return &Aggregator{
		fetcher:   fetcher,
		reports:   reports,
		responses: responses,
		sites:     sites,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		sleep:     sleepCtx,
		grace:     defaultGrace,
		snapshot:  Snapshot{State: StateIdle},
	}
}

// Snapshot returns the current publication state for the display layer.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// ClearCaches drops both the response cache and the report cache. Exposed
// to the settings UI.
func (a *Aggregator) ClearCaches() {
	a.responses.Clear()
	a.reports.Clear()
}

// FetchMetrics publishes a fresh cached report without any network
// activity when one exists, and otherwise joins or starts a fetch run and
// waits for it. The wait is bounded by ctx; the run itself is not.
func (a *Aggregator) FetchMetrics(ctx context.Context) {
	if m, ok := a.reports.Fresh(); ok {
		a.publishReady(m)
		return
	}
	run := a.ensureRun()
	a.await(ctx, run)
}

// RefreshMetrics is the pull-to-refresh path: cancel any in-flight fetch,
// give it a brief grace period to settle, re-check the report cache, and
// otherwise launch a new detached fetch. An unrelated cancellation of ctx
// only stops the wait, never the fetch.
func (a *Aggregator) RefreshMetrics(ctx context.Context) {
	a.mu.Lock()
	inflight := a.run
	if inflight != nil {
		inflight.superseded = true
	}
	a.mu.Unlock()

	if inflight != nil {
		inflight.cancel()
		t := time.NewTimer(a.grace)
		select {
		case <-inflight.done:
			t.Stop()
		case <-t.C:
		}
	}

	if m, ok := a.reports.Fresh(); ok {
		a.publishReady(m)
		return
	}

	run := a.ensureRun()
	a.await(ctx, run)
}

// ensureRun returns the in-flight run, starting one if none exists. The
// run's context derives from context.Background, not from any caller, so
// the work outlives its trigger.
func (a *Aggregator) ensureRun() *fetchRun {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.run != nil && !a.run.superseded {
		return a.run
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &fetchRun{done: make(chan struct{}), cancel: cancel}
	a.run = run
	a.snapshot = Snapshot{State: StateLoading, Report: a.snapshot.Report}

	go a.execute(runCtx, run)
	return run
}

func (a *Aggregator) await(ctx context.Context, run *fetchRun) {
	select {
	case <-run.done:
	case <-ctx.Done():
		// The trigger went away; the run keeps going and will publish on
		// completion. Serve whatever report we have in the meantime.
		if m, ok := a.reports.Any(); ok {
			a.publishReady(m)
		}
	}
}

// execute runs one fetch to completion and applies the failure fallback
// ladder: cancellation silently serves the cached report; any other
// failure after retries serves the cached report even if stale; with no
// cached report the error is published.
func (a *Aggregator) execute(ctx context.Context, run *fetchRun) {
	defer run.cancel()

	log := a.logger.WithFields(logrus.Fields{
		"run_id": uuid.NewString(),
	})

	m, err := a.performFetchWithRetry(ctx, log)

	a.mu.Lock()
	superseded := run.superseded
	if a.run == run {
		a.run = nil
	}
	a.mu.Unlock()

	switch {
	case err == nil:
		a.reports.Put(m)
		a.publishReady(m)
		a.metrics.FetchRuns.WithLabelValues("success").Inc()
		log.WithFields(logrus.Fields{
			"sites":          len(m.Systems),
			"production_kwh": m.ProductionKWh,
		}).Info("Published aggregated metrics")

	case errors.Is(err, context.Canceled):
		// A superseded run was cancelled by a refresh; the replacing run
		// owns publication.
		if !superseded {
			if cached, ok := a.reports.Any(); ok {
				a.publishReady(cached)
			} else {
				a.publishIdle()
			}
		}
		a.metrics.FetchRuns.WithLabelValues("cancelled").Inc()
		log.Debug("Fetch cancelled, serving cached report")

	default:
		if cached, ok := a.reports.Any(); ok {
			a.publishReady(cached)
			a.metrics.FetchRuns.WithLabelValues("fallback").Inc()
			log.WithError(err).Warn("Fetch failed, serving stale cached report")
		} else {
			a.publishFailed(err)
			a.metrics.FetchRuns.WithLabelValues("failure").Inc()
			log.WithError(err).Error("Fetch failed with no cached report")
		}
	}

	run.err = err
	close(run.done)
}

// performFetchWithRetry retries the whole fetch when a required call is
// rate limited, sleeping out the advertised wait between attempts.
func (a *Aggregator) performFetchWithRetry(ctx context.Context, log logrus.FieldLogger) (models.AggregatedMetrics, error) {
	for attempt := 1; ; attempt++ {
		m, err := a.performFetch(ctx, log)
		if err == nil {
			return m, nil
		}

		var rl *api.RateLimitedError
		if !errors.As(err, &rl) || attempt >= maxAttempts {
			return models.AggregatedMetrics{}, err
		}

		log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"wait_seconds": rl.WaitSeconds,
		}).Warn("Rate limited, backing off before retry")
		a.metrics.RateLimitSleeps.Inc()

		if err := a.sleep(ctx, time.Duration(rl.WaitSeconds)*time.Second); err != nil {
			return models.AggregatedMetrics{}, err
		}
	}
}

// performFetch requests today's telemetry for every site sequentially in
// configuration order and reduces the per-site rollups into the combined
// report.
func (a *Aggregator) performFetch(ctx context.Context, log logrus.FieldLogger) (models.AggregatedMetrics, error) {
	now := a.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	agg := models.AggregatedMetrics{Timestamp: now}

	for _, site := range a.sites {
		sm, err := a.fetchSite(ctx, site, start, now, log)
		if err != nil {
			return models.AggregatedMetrics{}, err
		}

		agg.Systems = append(agg.Systems, sm)
		agg.ProductionKWh += sm.ProductionKWh
		agg.ConsumptionKWh += sm.ConsumptionKWh
		agg.GridImportKWh += sm.GridImportKWh
		agg.GridExportKWh += sm.GridExportKWh
	}

	agg.NetImportKWh = agg.GridImportKWh - agg.GridExportKWh
	return agg, nil
}

// fetchSite rolls up one site. Production, consumption and battery are
// required; grid import/export are best-effort because some sites lack
// those meters, and an unavailable reading contributes zero.
func (a *Aggregator) fetchSite(ctx context.Context, site Site, start, end time.Time, log logrus.FieldLogger) (models.SystemMetrics, error) {
	prod, err := a.fetcher.FetchTelemetry(ctx, api.FamilyProduction, site.ID, start, end)
	if err != nil {
		return models.SystemMetrics{}, err
	}

	cons, err := a.fetcher.FetchTelemetry(ctx, api.FamilyConsumption, site.ID, start, end)
	if err != nil {
		return models.SystemMetrics{}, err
	}

	batt, err := a.fetcher.FetchTelemetry(ctx, api.FamilyBattery, site.ID, start, end)
	if err != nil {
		return models.SystemMetrics{}, err
	}

	imp := a.tryMeterTotal(ctx, api.FamilyGridImport, site, start, end, api.WhImported, log)
	exp := a.tryMeterTotal(ctx, api.FamilyGridExport, site, start, end, api.WhExported, log)
	if !imp.available && !exp.available {
		// Indistinguishable from a site that truly moved 0 kWh through the
		// grid; the report carries zeros either way.
		log.WithFields(logrus.Fields{"site": site.ID}).Debug("No grid meter data, import/export default to zero")
	}

	sm := models.SystemMetrics{
		SiteID:               site.ID,
		Name:                 site.Name,
		ProductionKWh:        api.DailyTotalKWh(prod.Intervals, api.WhDelivered),
		ConsumptionKWh:       api.DailyTotalKWh(cons.Intervals, api.EnergyWh),
		BatterySOCPercent:    api.LastSOCPercent(batt.Intervals),
		BatteryChargedKWh:    api.DailyTotalKWh(batt.Intervals, api.ChargeWh),
		BatteryDischargedKWh: api.DailyTotalKWh(batt.Intervals, api.DischargeWh),
		GridImportKWh:        imp.kwh,
		GridExportKWh:        exp.kwh,
	}
	sm.NetImportedKWh = sm.GridImportKWh - sm.GridExportKWh

	return sm, nil
}

// tryMeterTotal fetches a best-effort grid meter total. Any failure is
// logged and reported as unavailable rather than failing the whole fetch.
func (a *Aggregator) tryMeterTotal(ctx context.Context, family api.EndpointFamily, site Site, start, end time.Time, field func(models.TelemetryInterval) float64, log logrus.FieldLogger) optionalKWh {
	resp, err := a.fetcher.FetchMeterTelemetry(ctx, family, site.ID, start, end)
	if err != nil {
		log.WithFields(logrus.Fields{
			"family": family,
			"site":   site.ID,
		}).WithError(err).Debug("Grid meter telemetry unavailable")
		return optionalKWh{}
	}
	return optionalKWh{kwh: api.DailyTotalKWhFlat(resp.Intervals, field), available: true}
}

func (a *Aggregator) publishReady(m models.AggregatedMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	report := m
	a.snapshot = Snapshot{State: StateReady, Report: &report}
}

func (a *Aggregator) publishIdle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshot = Snapshot{State: StateIdle, Report: a.snapshot.Report}
}

func (a *Aggregator) publishFailed(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshot = Snapshot{
		State:   StateFailed,
		Report:  a.snapshot.Report,
		Err:     err,
		Message: api.UserMessage(err),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
