package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/models"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
)

// Maintenance runs the scheduled upkeep of the opportunity collection:
// the nightly reporting-period roll, dealer name refresh and the weekly
// index rebuild.
type Maintenance struct {
	cron          *cron.Cron
	opportunities *opportunities.Service
	log           logger.Logger
}

// NewMaintenance creates a maintenance scheduler over the opportunity
// service.
func NewMaintenance(svc *opportunities.Service, log logger.Logger) *Maintenance {
	if log == nil {
		log = logger.Nop()
	}
	return &Maintenance{
		cron:          cron.New(),
		opportunities: svc,
		log:           log,
	}
}

// SetupJobs registers all scheduled jobs.
func (m *Maintenance) SetupJobs() error {
	// Nightly at 1 AM: open opportunities left behind by a month boundary
	// roll into the current reporting period as carryovers.
	_, err := m.cron.AddFunc("0 1 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		rolled, err := m.RollReportingPeriods(ctx)
		if err != nil {
			m.log.Error("reporting period roll failed", "error", err)
			return
		}
		m.log.Info("reporting period roll finished", "rolled", rolled)
	})
	if err != nil {
		return err
	}

	// Nightly at 3 AM: re-pull dealer display names onto open opportunities.
	_, err = m.cron.AddFunc("0 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		updated, err := m.RefreshDealerNames(ctx)
		if err != nil {
			m.log.Error("dealer name refresh failed", "error", err)
			return
		}
		m.log.Info("dealer name refresh finished", "updated", updated)
	})
	if err != nil {
		return err
	}

	// Weekly on Sunday at 4 AM: rebuild the search indexes.
	_, err = m.cron.AddFunc("0 4 * * 0", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := m.opportunities.EnsureIndexes(ctx); err != nil {
			m.log.Error("index rebuild failed", "error", err)
			return
		}
		m.log.Info("index rebuild finished")
	})
	return err
}

// RollReportingPeriods walks every open opportunity and rolls the ones
// whose reporting period predates the current month forward. An open
// opportunity entering a new month becomes a carryover; the status change
// stamps the new period. Opportunities already carried over keep their
// status and only have the period refreshed.
func (m *Maintenance) RollReportingPeriods(ctx context.Context) (int, error) {
	period := models.ReportingPeriodAt(time.Now().UTC())

	rolled := 0
	err := m.opportunities.Each(ctx, openStatusFilter(), 500, func(o *models.Opportunity) error {
		if !beforePeriod(o.ReportingPeriod, period) {
			return nil
		}
		patch := &models.OpportunityPatch{}
		if o.Status != models.StatusCarryover {
			patch.Status = models.Some(float64(models.StatusCarryover))
		} else {
			patch.ReportingPeriod = models.Some(*period)
		}
		if _, err := m.opportunities.Update(ctx, o.ID, patch); err != nil {
			m.log.Warn("reporting period roll skipped an opportunity", "opportunity_id", o.ID.Hex(), "error", err)
			return nil
		}
		rolled++
		return nil
	})
	return rolled, err
}

// RefreshDealerNames re-resolves the denormalized dealer name for every
// dealer that has open opportunities.
func (m *Maintenance) RefreshDealerNames(ctx context.Context) (int64, error) {
	dealers := map[int]struct{}{}
	err := m.opportunities.Each(ctx, openStatusFilter(), 1000, func(o *models.Opportunity) error {
		dealers[o.DealerID] = struct{}{}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var updated int64
	for dealerID := range dealers {
		n, err := m.opportunities.RefreshDealerNames(ctx, dealerID)
		if err != nil {
			m.log.Warn("dealer name refresh skipped a dealer", "dealer_id", dealerID, "error", err)
			continue
		}
		updated += n
	}
	return updated, nil
}

func openStatusFilter() bson.M {
	statuses := make(bson.A, 0, len(models.OpenStatuses))
	for _, s := range models.OpenStatuses {
		statuses = append(statuses, int(s))
	}
	return bson.M{"status": bson.M{"$in": statuses}}
}

func beforePeriod(rp *models.ReportingPeriod, current *models.ReportingPeriod) bool {
	if rp == nil {
		return true
	}
	if rp.Year != current.Year {
		return rp.Year < current.Year
	}
	return rp.Month < current.Month
}

// Start starts the scheduler.
func (m *Maintenance) Start() {
	m.log.Info("starting maintenance scheduler")
	m.cron.Start()
}

// Stop stops the scheduler.
func (m *Maintenance) Stop() {
	m.log.Info("stopping maintenance scheduler")
	m.cron.Stop()
}
