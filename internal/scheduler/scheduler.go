package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"solarwatch/internal/aggregator"
)

// Scheduler triggers a periodic metrics fetch so the published report stays
// warm between display-layer requests.
type Scheduler struct {
	ctx        context.Context
	aggregator *aggregator.Aggregator
	logger     *logrus.Logger
	cron       *cron.Cron
	spec       string
}

func NewScheduler(ctx context.Context, agg *aggregator.Aggregator, spec string, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		ctx:        ctx,
		aggregator: agg,
		logger:     logger,
		cron:       cron.New(),
		spec:       spec,
	}
}

// Start the scheduler
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, s.collect)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// collect runs one fetch cycle. A fresh cached report makes this a no-op
// with zero network calls.
func (s *Scheduler) collect() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	s.aggregator.FetchMetrics(ctx)

	snap := s.aggregator.Snapshot()
	if snap.State == aggregator.StateFailed {
		s.logger.WithError(snap.Err).Error("Scheduled fetch failed")
	}
}

// Stop the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
