// Package events carries opportunity lifecycle notifications to
// interested listeners. Dispatch happens after a successful commit and is
// fire-and-forget: listener failures are reported back for logging but
// never affect the mutation that produced the event.
package events

import (
	"context"
	"errors"

	"github.com/dealerdesk/crm-backend/pkg/delta"
	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

// Event names
const (
	EventOpportunityCreated          = "opportunity.created"
	EventOpportunityUpdated          = "opportunity.updated"
	EventOpportunityStatusUpdated    = "opportunity.status_updated"
	EventOpportunitySubStatusUpdated = "opportunity.sub_status_updated"
	EventOpportunityAssignment       = "opportunity.assignment"
	EventOpportunityDeleted          = "opportunity.deleted"
)

// Dispatcher receives opportunity lifecycle events.
type Dispatcher interface {
	OpportunityCreated(ctx context.Context, o *models.Opportunity) error
	OpportunityUpdated(ctx context.Context, o *models.Opportunity, changes delta.ChangeSet) error
	OpportunityStatusUpdated(ctx context.Context, o *models.Opportunity, oldStatusName string) error
	OpportunitySubStatusUpdated(ctx context.Context, o *models.Opportunity) error
	OpportunityAssignment(ctx context.Context, o *models.Opportunity, field string, members []string) error
	OpportunityDeleted(ctx context.Context, o *models.Opportunity) error
}

// Fanout dispatches each event to every listener. All listeners run even
// when earlier ones fail; their errors are joined.
type Fanout []Dispatcher

func (f Fanout) OpportunityCreated(ctx context.Context, o *models.Opportunity) error {
	return f.each(func(d Dispatcher) error { return d.OpportunityCreated(ctx, o) })
}

func (f Fanout) OpportunityUpdated(ctx context.Context, o *models.Opportunity, changes delta.ChangeSet) error {
	return f.each(func(d Dispatcher) error { return d.OpportunityUpdated(ctx, o, changes) })
}

func (f Fanout) OpportunityStatusUpdated(ctx context.Context, o *models.Opportunity, oldStatusName string) error {
	return f.each(func(d Dispatcher) error { return d.OpportunityStatusUpdated(ctx, o, oldStatusName) })
}

func (f Fanout) OpportunitySubStatusUpdated(ctx context.Context, o *models.Opportunity) error {
	return f.each(func(d Dispatcher) error { return d.OpportunitySubStatusUpdated(ctx, o) })
}

func (f Fanout) OpportunityAssignment(ctx context.Context, o *models.Opportunity, field string, members []string) error {
	return f.each(func(d Dispatcher) error { return d.OpportunityAssignment(ctx, o, field, members) })
}

func (f Fanout) OpportunityDeleted(ctx context.Context, o *models.Opportunity) error {
	return f.each(func(d Dispatcher) error { return d.OpportunityDeleted(ctx, o) })
}

func (f Fanout) each(fn func(Dispatcher) error) error {
	var errs []error
	for _, d := range f {
		if err := fn(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogDispatcher writes every event to the structured log.
type LogDispatcher struct {
	log logger.Logger
}

// NewLogDispatcher returns a dispatcher that only logs.
func NewLogDispatcher(log logger.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (l *LogDispatcher) OpportunityCreated(_ context.Context, o *models.Opportunity) error {
	l.log.Info("opportunity created", "event", EventOpportunityCreated, "opportunity_id", o.ID.Hex(), "dealer_id", o.DealerID)
	return nil
}

func (l *LogDispatcher) OpportunityUpdated(_ context.Context, o *models.Opportunity, changes delta.ChangeSet) error {
	l.log.Info("opportunity updated", "event", EventOpportunityUpdated, "opportunity_id", o.ID.Hex(), "changed_fields", changes.Fields())
	return nil
}

func (l *LogDispatcher) OpportunityStatusUpdated(_ context.Context, o *models.Opportunity, oldStatusName string) error {
	l.log.Info("opportunity status updated", "event", EventOpportunityStatusUpdated, "opportunity_id", o.ID.Hex(), "old_status", oldStatusName, "new_status", o.Status.Name())
	return nil
}

func (l *LogDispatcher) OpportunitySubStatusUpdated(_ context.Context, o *models.Opportunity) error {
	l.log.Info("opportunity sub status updated", "event", EventOpportunitySubStatusUpdated, "opportunity_id", o.ID.Hex(), "sub_status", o.SubStatus)
	return nil
}

func (l *LogDispatcher) OpportunityAssignment(_ context.Context, o *models.Opportunity, field string, members []string) error {
	l.log.Info("opportunity assignment changed", "event", EventOpportunityAssignment, "opportunity_id", o.ID.Hex(), "field", field, "members", members)
	return nil
}

func (l *LogDispatcher) OpportunityDeleted(_ context.Context, o *models.Opportunity) error {
	l.log.Info("opportunity deleted", "event", EventOpportunityDeleted, "opportunity_id", o.ID.Hex())
	return nil
}
