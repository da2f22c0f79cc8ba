package opportunities

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dealerdesk/crm-backend/pkg/delta"
	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/events"
	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/models"
	"github.com/dealerdesk/crm-backend/pkg/query"
)

type recordedEvent struct {
	name          string
	opportunityID primitive.ObjectID
	changes       delta.ChangeSet
	oldStatusName string
	field         string
	members       []string
}

type recordingDispatcher struct {
	recorded []recordedEvent
}

func (r *recordingDispatcher) OpportunityCreated(_ context.Context, o *models.Opportunity) error {
	r.recorded = append(r.recorded, recordedEvent{name: events.EventOpportunityCreated, opportunityID: o.ID})
	return nil
}

func (r *recordingDispatcher) OpportunityUpdated(_ context.Context, o *models.Opportunity, changes delta.ChangeSet) error {
	r.recorded = append(r.recorded, recordedEvent{name: events.EventOpportunityUpdated, opportunityID: o.ID, changes: changes})
	return nil
}

func (r *recordingDispatcher) OpportunityStatusUpdated(_ context.Context, o *models.Opportunity, oldStatusName string) error {
	r.recorded = append(r.recorded, recordedEvent{name: events.EventOpportunityStatusUpdated, opportunityID: o.ID, oldStatusName: oldStatusName})
	return nil
}

func (r *recordingDispatcher) OpportunitySubStatusUpdated(_ context.Context, o *models.Opportunity) error {
	r.recorded = append(r.recorded, recordedEvent{name: events.EventOpportunitySubStatusUpdated, opportunityID: o.ID})
	return nil
}

func (r *recordingDispatcher) OpportunityAssignment(_ context.Context, o *models.Opportunity, field string, members []string) error {
	r.recorded = append(r.recorded, recordedEvent{name: events.EventOpportunityAssignment, opportunityID: o.ID, field: field, members: members})
	return nil
}

func (r *recordingDispatcher) OpportunityDeleted(_ context.Context, o *models.Opportunity) error {
	r.recorded = append(r.recorded, recordedEvent{name: events.EventOpportunityDeleted, opportunityID: o.ID})
	return nil
}

func (r *recordingDispatcher) names() []string {
	out := make([]string, 0, len(r.recorded))
	for _, e := range r.recorded {
		out = append(out, e.name)
	}
	return out
}

func (r *recordingDispatcher) byName(name string) []recordedEvent {
	var out []recordedEvent
	for _, e := range r.recorded {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingDispatcher) reset() {
	r.recorded = nil
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *recordingDispatcher) {
	t.Helper()
	store := NewMemoryStore()
	rec := &recordingDispatcher{}
	return NewService(store, rec, nil, nil, nil, logger.Nop()), store, rec
}

func mustCreate(t *testing.T, svc *Service, dealerID int, patch models.OpportunityPatch) *models.Opportunity {
	t.Helper()
	o, err := svc.Create(context.Background(), &CreateInput{
		OrganizationID:   "org1",
		DealerID:         dealerID,
		OpportunityPatch: patch,
	})
	require.NoError(t, err)
	return o
}

func TestCreateDefaults(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o, err := svc.Create(ctx, &CreateInput{OrganizationID: "org1", DealerID: 10})
	require.NoError(t, err)

	assert.False(t, o.ID.IsZero())
	assert.Equal(t, "org1", o.OrganizationID)
	assert.Equal(t, 10, o.DealerID)
	assert.Equal(t, models.StatusFresh, o.Status)
	assert.Equal(t, o.Created, o.Updated)
	assert.Equal(t, models.DefaultPreferences(), o.Preferences)
	assert.Equal(t, models.DefaultMarketing(), o.Marketing)

	stamp, ok := o.LastStatusChange[models.StatusFresh.Key()]
	require.True(t, ok)
	assert.Equal(t, o.Created, stamp)

	require.NotNil(t, o.ReportingPeriod)
	assert.Equal(t, o.Created.Year(), o.ReportingPeriod.Year)
	assert.Equal(t, int(o.Created.Month()), o.ReportingPeriod.Month)

	require.Equal(t, []string{events.EventOpportunityCreated}, rec.names())

	stored, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.OrganizationID, stored.OrganizationID)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &CreateInput{DealerID: 10})
	assert.True(t, domain.IsValidation(err))

	_, err = svc.Create(ctx, &CreateInput{OrganizationID: "org1"})
	assert.True(t, domain.IsValidation(err))
}

func TestCreateMergesPreferencesOverDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)

	o := mustCreate(t, svc, 10, models.OpportunityPatch{
		Preferences: models.Some(bson.M{"vehicle_color": []interface{}{"red"}}),
	})

	assert.Equal(t, []interface{}{"red"}, o.Preferences["vehicle_color"])
	assert.Equal(t, 0, o.Preferences["passenger_count_lower"])
	assert.Contains(t, o.Preferences, "vehicle_features")
}

func TestCreateAppliesPatchFields(t *testing.T) {
	svc, _, _ := newTestService(t)

	o := mustCreate(t, svc, 10, models.OpportunityPatch{
		Name:      models.Some("New truck"),
		Status:    models.Some(float64(models.StatusDesk)),
		Creator:   models.Some("jsmith"),
		SalesReps: models.Some([]string{"jsmith"}),
	})

	assert.Equal(t, "New truck", o.Name)
	assert.Equal(t, models.StatusDesk, o.Status)
	assert.Equal(t, []string{"jsmith"}, o.SalesReps)
	_, ok := o.LastStatusChange[models.StatusDesk.Key()]
	assert.True(t, ok, "initial status stamp follows the created status")
}

func TestUpdateStatusStampsHistory(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	rec.reset()

	updated, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
		Status: models.Some(float64(models.StatusDesk)),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusDesk, updated.Status)
	assert.Len(t, updated.LastStatusChange, 2)
	assert.Contains(t, updated.LastStatusChange, models.StatusFresh.Key())
	assert.Contains(t, updated.LastStatusChange, models.StatusDesk.Key())
	assert.Equal(t, o.LastStatusChange[models.StatusFresh.Key()],
		updated.LastStatusChange[models.StatusFresh.Key()], "history is append-only")

	require.Equal(t, []string{
		events.EventOpportunityUpdated,
		events.EventOpportunityStatusUpdated,
	}, rec.names())
	assert.Equal(t, "Fresh", rec.byName(events.EventOpportunityStatusUpdated)[0].oldStatusName)
}

func TestUpdateSameStatusIsNotAChange(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	rec.reset()

	updated, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
		Status: models.Some(float64(models.StatusFresh)),
		Name:   models.Some("still fresh"),
	})
	require.NoError(t, err)

	assert.Equal(t, o.LastStatusChange, updated.LastStatusChange)
	assert.Empty(t, rec.byName(events.EventOpportunityStatusUpdated))
}

func TestUpdateFractionalStatusRestamps(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	_, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{Status: models.Some(5.0)})
	require.NoError(t, err)
	rec.reset()

	// 5.7 differs from the stored 5 before truncation, so the transition
	// machinery runs again even though the resulting status is the same.
	updated, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{Status: models.Some(5.7)})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSigned, updated.Status)
	assert.Len(t, rec.byName(events.EventOpportunityStatusUpdated), 1)
}

func TestUpdateStatusDateChangeDirective(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	when := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	updated, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
		Status:           models.Some(float64(models.StatusDesk)),
		StatusDateChange: models.Some(when),
	})
	require.NoError(t, err)

	assert.Equal(t, when, updated.LastStatusChange[models.StatusDesk.Key()])
}

func TestUpdatePendingBackfillsFIDate(t *testing.T) {
	t.Run("no F&I date recorded", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		o := mustCreate(t, svc, 10, models.OpportunityPatch{})

		updated, err := svc.Update(context.Background(), o.ID, &models.OpportunityPatch{
			Status: models.Some(float64(models.StatusPending)),
		})
		require.NoError(t, err)

		pending := updated.LastStatusChange[models.StatusPending.Key()]
		fi, ok := updated.LastStatusChange[models.StatusFI.Key()]
		require.True(t, ok)
		assert.Equal(t, pending, fi)
	})

	t.Run("existing F&I date is kept", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		ctx := context.Background()
		o := mustCreate(t, svc, 10, models.OpportunityPatch{})

		fiDate := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
		_, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
			Status:           models.Some(float64(models.StatusFI)),
			StatusDateChange: models.Some(fiDate),
		})
		require.NoError(t, err)

		updated, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
			Status: models.Some(float64(models.StatusPending)),
		})
		require.NoError(t, err)

		assert.Equal(t, fiDate, updated.LastStatusChange[models.StatusFI.Key()])
		assert.NotEqual(t, fiDate, updated.LastStatusChange[models.StatusPending.Key()])
	})
}

func TestUpdateStatusRefreshesReportingPeriod(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	_, err := svc.SetReportingPeriod(ctx, o.ID, 2024, 2)
	require.NoError(t, err)

	updated, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
		Status: models.Some(float64(models.StatusDesk)),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NotNil(t, updated.ReportingPeriod)
	assert.Equal(t, now.Year(), updated.ReportingPeriod.Year)
	assert.Equal(t, int(now.Month()), updated.ReportingPeriod.Month)
}

func TestUpdateExplicitReportingPeriodWins(t *testing.T) {
	svc, _, _ := newTestService(t)

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	updated, err := svc.Update(context.Background(), o.ID, &models.OpportunityPatch{
		Status:          models.Some(float64(models.StatusDesk)),
		ReportingPeriod: models.Some(models.ReportingPeriod{Year: 2024, Month: 8}),
	})
	require.NoError(t, err)

	require.NotNil(t, updated.ReportingPeriod)
	assert.Equal(t, 2024, updated.ReportingPeriod.Year)
	assert.Equal(t, 8, updated.ReportingPeriod.Month)
	assert.Equal(t, 3, updated.ReportingPeriod.Quarter, "quarter is derived, never trusted from input")
}

func TestSetReportingPeriod(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	updated, err := svc.SetReportingPeriod(ctx, o.ID, 2025, 11)
	require.NoError(t, err)
	assert.Equal(t, &models.ReportingPeriod{Year: 2025, Month: 11, Quarter: 4}, updated.ReportingPeriod)

	_, err = svc.SetReportingPeriod(ctx, o.ID, 2025, 13)
	assert.True(t, domain.IsValidation(err))
}

func TestUpdateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Update(ctx, primitive.NewObjectID(), &models.OpportunityPatch{})
	assert.True(t, domain.IsValidation(err), "empty patch")

	_, err = svc.Update(ctx, primitive.NilObjectID, &models.OpportunityPatch{Name: models.Some("x")})
	assert.True(t, domain.IsValidation(err), "zero id")

	_, err = svc.Update(ctx, primitive.NewObjectID(), &models.OpportunityPatch{Name: models.Some("x")})
	assert.True(t, domain.IsNotFound(err), "unknown id")
}

func TestUpdateLifecycle(t *testing.T) {
	// Open an opportunity, work it to DESK, land a deal number, then try to
	// move it to another dealer.
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})

	desk, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
		Status: models.Some(float64(models.StatusDesk)),
	})
	require.NoError(t, err)
	assert.Len(t, desk.LastStatusChange, 2)

	numbered, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
		DealNumber: models.Some("D100"),
	})
	require.NoError(t, err)
	assert.Equal(t, "D100", numbered.DMSDeal.DealNumber())

	_, err = svc.Update(ctx, o.ID, &models.OpportunityPatch{
		DealerID: models.Some(20),
	})
	require.True(t, domain.IsConflict(err))

	stored, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.DealerID)
	assert.Equal(t, "D100", stored.DMSDeal.DealNumber())
}

func TestUpdateDealerChangeAllowedWithoutDealNumber(t *testing.T) {
	svc, _, _ := newTestService(t)

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	updated, err := svc.Update(context.Background(), o.ID, &models.OpportunityPatch{
		DealerID:   models.Some(20),
		DealerName: models.Some("North Lot"),
	})
	require.NoError(t, err)
	assert.Equal(t, 20, updated.DealerID)
}

func TestDealNumberExclusivity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	_, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{DealNumber: models.Some("D100")})
	require.NoError(t, err)

	t.Run("same value is a no-op", func(t *testing.T) {
		updated, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{DealNumber: models.Some("D100")})
		require.NoError(t, err)
		assert.Equal(t, "D100", updated.DMSDeal.DealNumber())
	})

	t.Run("different value is rejected", func(t *testing.T) {
		_, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{DealNumber: models.Some("D200")})
		assert.True(t, domain.IsConflict(err))
	})

	t.Run("different value inside a dms_deal patch is rejected", func(t *testing.T) {
		_, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
			DMSDeal: models.Some(models.DMSDeal{"deal_number": "D200"}),
		})
		assert.True(t, domain.IsConflict(err))
	})

	t.Run("dms_deal patch merges around the deal number", func(t *testing.T) {
		updated, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
			DMSDeal: models.Some(models.DMSDeal{"deal_number": "D100", "deal_type": "used"}),
		})
		require.NoError(t, err)
		assert.Equal(t, "D100", updated.DMSDeal.DealNumber())
		assert.Equal(t, "used", updated.DMSDeal.DealType())
	})
}

func TestDealNumberAssignmentStaysOutOfDelta(t *testing.T) {
	svc, _, rec := newTestService(t)

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	rec.reset()

	_, err := svc.Update(context.Background(), o.ID, &models.OpportunityPatch{
		DealNumber: models.Some("D100"),
	})
	require.NoError(t, err)

	updates := rec.byName(events.EventOpportunityUpdated)
	require.Len(t, updates, 1)
	assert.NotContains(t, updates[0].changes, "dms_deal")
}

func TestUpdateDeltaReportsChangedFields(t *testing.T) {
	svc, _, rec := newTestService(t)

	o := mustCreate(t, svc, 10, models.OpportunityPatch{Name: models.Some("old name")})
	rec.reset()

	_, err := svc.Update(context.Background(), o.ID, &models.OpportunityPatch{
		Name:      models.Some("new name"),
		SubStatus: models.Some(""),
	})
	require.NoError(t, err)

	updates := rec.byName(events.EventOpportunityUpdated)
	require.Len(t, updates, 1)
	changes := updates[0].changes
	require.Contains(t, changes, "name")
	assert.Equal(t, "old name", changes["name"].Old)
	assert.Equal(t, "new name", changes["name"].New)
	assert.NotContains(t, changes, "sub_status", "writing the same value is not a change")
}

func TestUpdateAssignmentEvent(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	rec.reset()

	t.Run("single array fires with its members", func(t *testing.T) {
		_, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
			SalesReps: models.Some([]string{"jsmith", "mdoe"}),
		})
		require.NoError(t, err)

		assignments := rec.byName(events.EventOpportunityAssignment)
		require.Len(t, assignments, 1)
		assert.Equal(t, "sales_reps", assignments[0].field)
		assert.Equal(t, []string{"jsmith", "mdoe"}, assignments[0].members)

		// The assignment event describes intent and goes out before the
		// write lands.
		require.Equal(t, events.EventOpportunityAssignment, rec.names()[0])
	})

	t.Run("touching two arrays stays silent", func(t *testing.T) {
		rec.reset()
		_, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{
			SalesReps: models.Some([]string{"a"}),
			BDCReps:   models.Some([]string{"b"}),
		})
		require.NoError(t, err)
		assert.Empty(t, rec.byName(events.EventOpportunityAssignment))
	})
}

func TestUpdateSubStatusEvent(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	rec.reset()

	_, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{SubStatus: models.Some("negotiating")})
	require.NoError(t, err)
	assert.Len(t, rec.byName(events.EventOpportunitySubStatusUpdated), 1)

	rec.reset()
	_, err = svc.Update(ctx, o.ID, &models.OpportunityPatch{
		SubStatus: models.Some("negotiating"),
		Name:      models.Some("renamed"),
	})
	require.NoError(t, err)
	assert.Empty(t, rec.byName(events.EventOpportunitySubStatusUpdated))
}

func TestUpdateStampsUpdated(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	updated, err := svc.Update(ctx, o.ID, &models.OpportunityPatch{Name: models.Some("renamed")})
	require.NoError(t, err)
	assert.False(t, updated.Updated.Before(o.Updated))

	rec.reset()
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	updated, err = svc.Update(ctx, o.ID, &models.OpportunityPatch{Updated: models.Some(when)})
	require.NoError(t, err)
	assert.Equal(t, when, updated.Updated)

	updates := rec.byName(events.EventOpportunityUpdated)
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].changes, "updated", "a caller-supplied timestamp is a visible change")
}

func TestDelete(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	rec.reset()

	require.NoError(t, svc.Delete(ctx, o.ID))
	require.Equal(t, []string{events.EventOpportunityDeleted}, rec.names())

	_, err := svc.Get(ctx, o.ID)
	assert.True(t, domain.IsNotFound(err))
	assert.True(t, domain.IsNotFound(svc.Delete(ctx, o.ID)))
}

func TestUpdateDealData(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})

	t.Run("rejects unknown fields", func(t *testing.T) {
		_, err := svc.UpdateDealData(ctx, o.ID, "dms_deal", &DealDataPatch{})
		assert.True(t, domain.IsValidation(err))
	})

	t.Run("empty patch is a no-op", func(t *testing.T) {
		rec.reset()
		updated, err := svc.UpdateDealData(ctx, o.ID, "sales_deal", &DealDataPatch{})
		require.NoError(t, err)
		assert.Equal(t, o.Updated, updated.Updated)
		assert.Empty(t, rec.recorded)
	})

	t.Run("merges blocks and stamps them", func(t *testing.T) {
		rec.reset()
		updated, err := svc.UpdateDealData(ctx, o.ID, "sales_deal", &DealDataPatch{
			Comment:       bson.M{"text": "pending trade-in"},
			FrontendGross: bson.M{"amount": 1500},
		})
		require.NoError(t, err)

		assert.Equal(t, "pending trade-in", updated.SalesDeal.Comment["text"])
		assert.Contains(t, updated.SalesDeal.Comment, "updated")
		assert.Equal(t, 1500, updated.SalesDeal.FrontendGross["amount"])
		assert.Empty(t, updated.SalesDeal.BackendGross)
		assert.Equal(t, o.Updated, updated.Updated, "deal data edits do not touch the entity timestamp")

		updates := rec.byName(events.EventOpportunityUpdated)
		require.Len(t, updates, 1)
		assert.Contains(t, updates[0].changes, "sales_deal")
	})

	t.Run("second write merges over the first", func(t *testing.T) {
		updated, err := svc.UpdateDealData(ctx, o.ID, "sales_deal", &DealDataPatch{
			Comment: bson.M{"author": "mdoe"},
		})
		require.NoError(t, err)
		assert.Equal(t, "pending trade-in", updated.SalesDeal.Comment["text"])
		assert.Equal(t, "mdoe", updated.SalesDeal.Comment["author"])
	})

	t.Run("accounting side is independent", func(t *testing.T) {
		updated, err := svc.UpdateDealData(ctx, o.ID, "accounting_deal", &DealDataPatch{
			BackendGross: bson.M{"amount": 900},
		})
		require.NoError(t, err)
		assert.Equal(t, 900, updated.AccountingDeal.BackendGross["amount"])
		assert.Empty(t, updated.AccountingDeal.Comment)
	})
}

func TestAttachmentLedger(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})
	rec.reset()

	updated, err := svc.AddAttachment(ctx, o.ID, &AttachmentInput{
		AttachmentType: "document",
		Key:            "dealer-10/credit-app.pdf",
		Label:          "credit-app.pdf",
		CreatedBy:      "jsmith",
		ContentType:    "application/pdf",
	})
	require.NoError(t, err)
	require.Len(t, updated.Attachments, 1)
	attachmentID := updated.Attachments[0].ID

	assert.False(t, attachmentID.IsZero())
	assert.False(t, updated.Attachments[0].Deleted)
	assert.False(t, updated.Attachments[0].DateCreated.IsZero())
	assert.Len(t, updated.ActiveAttachments(), 1)
	assert.Contains(t, rec.byName(events.EventOpportunityUpdated)[0].changes, "attachments")

	updated, err = svc.ModifyAttachment(ctx, o.ID, attachmentID, &AttachmentPatch{
		Label: models.Some("signed-credit-app.pdf"),
	})
	require.NoError(t, err)
	assert.Equal(t, "signed-credit-app.pdf", updated.Attachments[0].Label)

	t.Run("removal keeps the record", func(t *testing.T) {
		updated, err := svc.RemoveAttachment(ctx, o.ID, attachmentID)
		require.NoError(t, err)
		require.Len(t, updated.Attachments, 1)
		assert.True(t, updated.Attachments[0].Deleted)
		assert.Empty(t, updated.ActiveAttachments())
	})

	t.Run("removal is idempotent", func(t *testing.T) {
		updated, err := svc.RemoveAttachment(ctx, o.ID, attachmentID)
		require.NoError(t, err)
		assert.True(t, updated.Attachments[0].Deleted)
	})

	t.Run("unknown attachment", func(t *testing.T) {
		_, err := svc.RemoveAttachment(ctx, o.ID, primitive.NewObjectID())
		assert.True(t, domain.IsNotFound(err))
	})
}

type stubResolver struct {
	err   error
	calls int
}

func (s *stubResolver) ResolveDeal(context.Context, int, string) error {
	s.calls++
	return s.err
}

func TestEditDealNumber(t *testing.T) {
	ctx := context.Background()

	t.Run("verified edit replaces the number", func(t *testing.T) {
		store := NewMemoryStore()
		rec := &recordingDispatcher{}
		resolver := &stubResolver{}
		svc := NewService(store, rec, nil, resolver, nil, logger.Nop())

		o := mustCreate(t, svc, 10, models.OpportunityPatch{DealNumber: models.Some("D100")})
		rec.reset()

		updated, err := svc.EditDealNumber(ctx, o.ID, "D200")
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, "D200", updated.DMSDeal.DealNumber())
		assert.Equal(t, 1, resolver.calls)
		assert.Len(t, rec.byName(events.EventOpportunityUpdated), 1)

		stored, err := svc.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, "D200", stored.DMSDeal.DealNumber())
	})

	t.Run("failed verification leaves the record alone", func(t *testing.T) {
		store := NewMemoryStore()
		resolver := &stubResolver{err: fmt.Errorf("deal not found")}
		svc := NewService(store, nil, nil, resolver, nil, logger.Nop())

		o := mustCreate(t, svc, 10, models.OpportunityPatch{DealNumber: models.Some("D100")})

		updated, err := svc.EditDealNumber(ctx, o.ID, "D200")
		require.NoError(t, err)
		assert.Nil(t, updated)

		stored, err := svc.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, "D100", stored.DMSDeal.DealNumber())
	})

	t.Run("no resolver configured", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		o := mustCreate(t, svc, 10, models.OpportunityPatch{})

		updated, err := svc.EditDealNumber(ctx, o.ID, "D200")
		require.NoError(t, err)
		assert.Nil(t, updated)
	})

	t.Run("unknown opportunity surfaces", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.EditDealNumber(ctx, primitive.NewObjectID(), "D200")
		assert.True(t, domain.IsNotFound(err))
	})
}

func TestSyncDMSDeal(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	t.Run("requires an assigned deal number", func(t *testing.T) {
		o := mustCreate(t, svc, 10, models.OpportunityPatch{})
		_, err := svc.SyncDMSDeal(ctx, o.ID, models.DMSDeal{"deal_type": "used"})
		assert.True(t, domain.IsConflict(err))
	})

	t.Run("rejects a deal number in the payload", func(t *testing.T) {
		o := mustCreate(t, svc, 10, models.OpportunityPatch{DealNumber: models.Some("D100")})
		_, err := svc.SyncDMSDeal(ctx, o.ID, models.DMSDeal{"deal_number": "D200"})
		assert.True(t, domain.IsValidation(err))
	})

	t.Run("merges fields and derives the stock type", func(t *testing.T) {
		o := mustCreate(t, svc, 10, models.OpportunityPatch{DealNumber: models.Some("D100")})
		rec.reset()

		updated, err := svc.SyncDMSDeal(ctx, o.ID, models.DMSDeal{
			"deal_type":   "Used",
			"total_gross": 2500,
		})
		require.NoError(t, err)

		assert.Equal(t, "D100", updated.DMSDeal.DealNumber())
		assert.Equal(t, "Used", updated.DMSDeal.DealType())
		assert.Equal(t, 2500, updated.DMSDeal["total_gross"])
		assert.Equal(t, models.StockTypeUsed, updated.StockType)
		assert.Len(t, rec.byName(events.EventOpportunityUpdated), 2)
	})

	t.Run("unknown deal type falls back", func(t *testing.T) {
		o := mustCreate(t, svc, 10, models.OpportunityPatch{DealNumber: models.Some("D300")})
		updated, err := svc.SyncDMSDeal(ctx, o.ID, models.DMSDeal{"deal_type": "demo fleet"})
		require.NoError(t, err)
		assert.Equal(t, models.StockTypeUnknown, updated.StockType)
	})
}

func TestFindActiveByDealNumber(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.FindActiveByDealNumber(ctx, 10, "")
	assert.True(t, domain.IsValidation(err))

	open := mustCreate(t, svc, 10, models.OpportunityPatch{DealNumber: models.Some("D100")})
	lost := mustCreate(t, svc, 10, models.OpportunityPatch{
		DealNumber: models.Some("D200"),
		Status:     models.Some(float64(models.StatusLost)),
	})

	found, err := svc.FindActiveByDealNumber(ctx, 10, "D100")
	require.NoError(t, err)
	assert.Equal(t, open.ID, found.ID)

	_, err = svc.FindActiveByDealNumber(ctx, 10, "D200")
	assert.True(t, domain.IsNotFound(err), "lost deals are not active")

	found, err = svc.FindActiveByDealNumber(ctx, 0, "D200")
	require.NoError(t, err)
	assert.Equal(t, lost.ID, found.ID, "without a dealer the status gate is off")
}

func TestFindActiveByCustomer(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customerID := primitive.NewObjectID()

	create := func(status models.Status) *models.Opportunity {
		o, err := svc.Create(ctx, &CreateInput{
			OrganizationID: "org1",
			DealerID:       10,
			CustomerID:     customerID,
			OpportunityPatch: models.OpportunityPatch{
				Status: models.Some(float64(status)),
			},
		})
		require.NoError(t, err)
		return o
	}

	fresh := create(models.StatusFresh)
	pending := create(models.StatusPending)
	create(models.StatusLost)
	create(models.StatusTubed)
	create(models.StatusPosted)

	active, err := svc.FindActiveByCustomer(ctx, 10, customerID)
	require.NoError(t, err)

	ids := map[primitive.ObjectID]bool{}
	for _, o := range active {
		ids[o.ID] = true
	}
	assert.Len(t, ids, 2)
	assert.True(t, ids[fresh.ID])
	assert.True(t, ids[pending.ID])
}

func TestDeliveredBetween(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	seedDelivered := func(dealerID int, at time.Time) *models.Opportunity {
		o := models.NewOpportunity()
		o.ID = primitive.NewObjectID()
		o.OrganizationID = "org1"
		o.DealerID = dealerID
		o.Status = models.StatusDelivered
		o.Created = at.Add(-72 * time.Hour)
		o.Updated = at
		o.LastStatusChange[models.StatusDelivered.Key()] = at
		require.NoError(t, store.Insert(ctx, o))
		return o
	}

	jan5 := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	jan20 := time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)
	early := seedDelivered(10, jan5)
	late := seedDelivered(10, jan20)
	seedDelivered(10, time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC))
	seedDelivered(99, jan5)

	out, err := svc.DeliveredBetween(ctx, 10,
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, early.ID, out[0].ID)
	assert.Equal(t, late.ID, out[1].ID)
}

func TestMergeCustomerOpportunities(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	target := primitive.NewObjectID()
	source := primitive.NewObjectID()

	createFor := func(customerID primitive.ObjectID) *models.Opportunity {
		o, err := svc.Create(ctx, &CreateInput{
			OrganizationID: "org1",
			DealerID:       10,
			CustomerID:     customerID,
		})
		require.NoError(t, err)
		return o
	}
	a := createFor(source)
	b := createFor(source)
	keep := createFor(target)

	n, err := svc.MergeCustomerOpportunities(ctx, target, []primitive.ObjectID{source})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []primitive.ObjectID{a.ID, b.ID, keep.ID} {
		o, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, target, o.CustomerID)
	}

	_, err = svc.MergeCustomerOpportunities(ctx, primitive.NilObjectID, []primitive.ObjectID{source})
	assert.True(t, domain.IsValidation(err))
}

func TestUpdateForCustomer(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	customer := &Customer{
		ID:        primitive.NewObjectID(),
		FirstName: "José",
		LastName:  "García",
		CellPhone: "(202) 456-1111",
		Emails:    []string{"jose@example.com"},
	}

	o, err := svc.Create(ctx, &CreateInput{
		OrganizationID: "org1",
		DealerID:       10,
		CustomerID:     customer.ID,
	})
	require.NoError(t, err)

	n, err := svc.UpdateForCustomer(ctx, customer, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "José García", stored.CustomerName)
	assert.Contains(t, stored.CustomerKeywords, "José")
	assert.Contains(t, stored.CustomerKeywords, "jose garcia", "folded variant is searchable")
	assert.Contains(t, stored.CustomerKeywords, "+12024561111", "phone is indexed in E.164 form")
	assert.Contains(t, stored.CustomerKeywords, "jose@example.com")

	t.Run("irrelevant change set skips the write", func(t *testing.T) {
		n, err := svc.UpdateForCustomer(ctx, customer, delta.ChangeSet{
			"notes": {Old: "a", New: "b"},
		})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("relevant change set writes", func(t *testing.T) {
		customer.LastName = "García-López"
		n, err := svc.UpdateForCustomer(ctx, customer, delta.ChangeSet{
			"last_name": {Old: "García", New: "García-López"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

type stubDirectory struct {
	name string
	err  error
}

func (s *stubDirectory) DealerName(context.Context, int) (string, error) {
	return s.name, s.err
}

func TestRefreshDealerNames(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, nil, &stubDirectory{name: "Hilltop Motors"}, nil, nil, logger.Nop())

	mine := mustCreate(t, svc, 10, models.OpportunityPatch{})
	other := mustCreate(t, svc, 20, models.OpportunityPatch{})

	n, err := svc.RefreshDealerNames(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := svc.Get(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hilltop Motors", stored.DealerName)

	stored, err = svc.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.DealerName)

	t.Run("directory failure is external", func(t *testing.T) {
		svc := NewService(store, nil, &stubDirectory{err: fmt.Errorf("timeout")}, nil, nil, logger.Nop())
		_, err := svc.RefreshDealerNames(ctx, 10)
		assert.True(t, domain.IsExternal(err))
	})

	t.Run("no directory configured", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		n, err := svc.RefreshDealerNames(ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestPreferencesAndMarketing(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	o := mustCreate(t, svc, 10, models.OpportunityPatch{})

	updated, err := svc.UpdatePreferences(ctx, o.ID, bson.M{"vehicle_color": []interface{}{"blue"}})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"blue"}, updated.Preferences["vehicle_color"])
	assert.Contains(t, updated.Preferences, "passenger_count_upper", "defaults survive a merge")

	prefs, err := svc.GetPreferences(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"blue"}, prefs["vehicle_color"])

	updated, err = svc.UpdateMarketing(ctx, o.ID, bson.M{"lead_source": "autotrader"})
	require.NoError(t, err)
	assert.Equal(t, "autotrader", updated.Marketing["lead_source"])
	assert.Equal(t, "", updated.Marketing["lead_channel"], "untouched keys stay")

	marketing, err := svc.GetMarketing(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "autotrader", marketing["lead_source"])

	_, err = svc.UpdatePreferences(ctx, o.ID, bson.M{})
	assert.True(t, domain.IsValidation(err))
	_, err = svc.UpdateMarketing(ctx, o.ID, bson.M{})
	assert.True(t, domain.IsValidation(err))
}

func seedListing(t *testing.T, store *MemoryStore, n int) []*models.Opportunity {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	out := make([]*models.Opportunity, 0, n)
	for i := 0; i < n; i++ {
		o := models.NewOpportunity()
		o.ID = primitive.NewObjectID()
		o.OrganizationID = "org1"
		o.DealerID = 10 + i%2*10
		o.DealerName = fmt.Sprintf("Dealer %d", o.DealerID)
		o.CustomerName = fmt.Sprintf("Customer %02d", i)
		o.Created = base.Add(time.Duration(i) * time.Hour)
		o.Updated = o.Created
		o.LastStatusChange[o.Status.Key()] = o.Created
		o.ReportingPeriod = models.ReportingPeriodAt(o.Created)
		require.NoError(t, store.Insert(ctx, o))
		out = append(out, o)
	}
	return out
}

func TestList(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seeded := seedListing(t, store, 6)

	t.Run("requires at least one clause", func(t *testing.T) {
		_, err := svc.List(ctx, &ListParams{})
		assert.True(t, domain.IsInvalidQuery(err))
	})

	t.Run("filters and sorts", func(t *testing.T) {
		out, err := svc.List(ctx, &ListParams{
			Filters: &query.Filters{DealerIDs: []int{10}},
			Sort:    query.SortSpec{{Field: "created", Direction: 1}},
		})
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, seeded[0].ID, out[0].ID)
		assert.Equal(t, seeded[4].ID, out[2].ID)
	})

	t.Run("default sort is newest first", func(t *testing.T) {
		out, err := svc.List(ctx, &ListParams{
			Filters: &query.Filters{OrganizationID: "org1"},
		})
		require.NoError(t, err)
		require.Len(t, out, 6)
		assert.Equal(t, seeded[5].ID, out[0].ID)
	})

	t.Run("paginates", func(t *testing.T) {
		params := &ListParams{
			Filters:  &query.Filters{OrganizationID: "org1"},
			Sort:     query.SortSpec{{Field: "created", Direction: 1}},
			Page:     2,
			PageSize: 4,
		}
		out, err := svc.List(ctx, params)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, seeded[4].ID, out[0].ID)
	})

	t.Run("rejects unknown sort fields", func(t *testing.T) {
		_, err := svc.List(ctx, &ListParams{
			Filters: &query.Filters{OrganizationID: "org1"},
			Sort:    query.SortSpec{{Field: "status", Direction: 1}},
		})
		assert.True(t, domain.IsValidation(err))
	})
}

func TestCount(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedListing(t, store, 6)

	n, err := svc.Count(ctx, &query.Filters{DealerIDs: []int{10}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = svc.Count(ctx, &query.Filters{})
	assert.True(t, domain.IsInvalidQuery(err))
}

func TestGetBulk(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seeded := seedListing(t, store, 4)

	out, err := svc.GetBulk(ctx, []primitive.ObjectID{seeded[0].ID, seeded[2].ID})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = svc.GetBulk(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestListByCursorWalksExactlyOnce(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seeded := seedListing(t, store, 7)

	// Newest first under the default sort.
	wantOrder := make([]primitive.ObjectID, 0, len(seeded))
	for i := len(seeded) - 1; i >= 0; i-- {
		wantOrder = append(wantOrder, seeded[i].ID)
	}

	filters := &query.Filters{OrganizationID: "org1"}
	var walked []primitive.ObjectID
	cursorKey := ""
	pages := 0
	for {
		page, err := svc.ListByCursor(ctx, &CursorParams{
			Filters:   filters,
			Size:      3,
			CursorKey: cursorKey,
		})
		require.NoError(t, err)
		pages++
		for _, o := range page.Results {
			walked = append(walked, o.ID)
		}
		if !page.More {
			break
		}
		cursorKey = page.NextCursorKey
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, wantOrder, walked)
}

func TestListByCursorBackward(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seeded := seedListing(t, store, 7)

	newestFirst := make([]primitive.ObjectID, 0, len(seeded))
	for i := len(seeded) - 1; i >= 0; i-- {
		newestFirst = append(newestFirst, seeded[i].ID)
	}

	filters := &query.Filters{OrganizationID: "org1"}
	first, err := svc.ListByCursor(ctx, &CursorParams{Filters: filters, Size: 3})
	require.NoError(t, err)
	second, err := svc.ListByCursor(ctx, &CursorParams{
		Filters: filters, Size: 3, CursorKey: first.NextCursorKey,
	})
	require.NoError(t, err)

	back, err := svc.ListByCursor(ctx, &CursorParams{
		Filters:   filters,
		Size:      3,
		CursorKey: second.NextCursorKey,
		GetMore:   "before",
	})
	require.NoError(t, err)

	require.Len(t, back.Results, 3)
	assert.Equal(t, newestFirst[2], back.Results[0].ID)
	assert.Equal(t, newestFirst[3], back.Results[1].ID)
	assert.Equal(t, newestFirst[4], back.Results[2].ID)
	assert.True(t, back.More)
}

func TestListByCursorValidation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedListing(t, store, 2)

	_, err := svc.ListByCursor(ctx, &CursorParams{
		Filters: &query.Filters{OrganizationID: "org1"},
		GetMore: "sideways",
	})
	assert.True(t, domain.IsValidation(err))

	_, err = svc.ListByCursor(ctx, &CursorParams{
		Filters:   &query.Filters{OrganizationID: "org1"},
		CursorKey: "not-a-cursor",
	})
	assert.True(t, domain.IsValidation(err))

	_, err = svc.ListByCursor(ctx, &CursorParams{})
	assert.True(t, domain.IsInvalidQuery(err))
}

func TestEach(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedListing(t, store, 5)

	var visited []primitive.ObjectID
	err := svc.Each(ctx, bson.M{"organization_id": "org1"}, 2, func(o *models.Opportunity) error {
		visited = append(visited, o.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, visited, 5)

	seen := map[primitive.ObjectID]bool{}
	for _, id := range visited {
		assert.False(t, seen[id], "no record visited twice")
		seen[id] = true
	}

	t.Run("stops on callback error", func(t *testing.T) {
		calls := 0
		err := svc.Each(ctx, bson.M{"organization_id": "org1"}, 2, func(*models.Opportunity) error {
			calls++
			return fmt.Errorf("boom")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
