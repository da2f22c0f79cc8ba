package opportunities

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dealerdesk/crm-backend/pkg/cache"
	"github.com/dealerdesk/crm-backend/pkg/delta"
	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/events"
	"github.com/dealerdesk/crm-backend/pkg/keywords"
	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/models"
	"github.com/dealerdesk/crm-backend/pkg/query"
)

const (
	cacheTTL              = 5 * time.Minute
	cachePrefix           = "opportunities"
	defaultCursorPageSize = 100
)

// DMSResolver verifies a deal exists in the dealer management system before
// its deal number is adopted.
type DMSResolver interface {
	ResolveDeal(ctx context.Context, dealerID int, dealNumber string) error
}

// DealerDirectory resolves dealer display names for denormalized writes.
type DealerDirectory interface {
	DealerName(ctx context.Context, dealerID int) (string, error)
}

// Service carries the opportunity business rules: creation defaults, the
// status transition engine, querying and pagination, and event dispatch.
type Service struct {
	store   Store
	events  events.Dispatcher
	dealers DealerDirectory
	dms     DMSResolver
	cache   *cache.Client
	log     logger.Logger
}

// NewService creates the opportunity service. The dispatcher, dealer
// directory, DMS resolver and cache may each be nil; the matching behavior
// is skipped.
func NewService(store Store, dispatcher events.Dispatcher, dealers DealerDirectory, dms DMSResolver, cacheClient *cache.Client, log logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:   store,
		events:  dispatcher,
		dealers: dealers,
		dms:     dms,
		cache:   cacheClient,
		log:     log,
	}
}

// emit dispatches one event. Dispatch failures are logged and never affect
// the outcome of the mutation that produced them.
func (s *Service) emit(id primitive.ObjectID, event string, fn func(events.Dispatcher) error) {
	if s.events == nil {
		return
	}
	if err := fn(s.events); err != nil {
		s.log.Error("dispatching event", "event", event, "opportunity_id", id.Hex(), "error", err)
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeletePattern(ctx, cachePrefix+":*"); err != nil {
		s.log.Warn("invalidating opportunity cache", "error", err)
	}
}

func (s *Service) resultsKey(kind string, params interface{}) string {
	if s.cache == nil {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s:%s:%s", cachePrefix, kind, hex.EncodeToString(sum[:]))
}

// CreateInput carries the fields accepted when opening an opportunity.
// Everything beyond the required identifiers is an ordinary patch applied
// over the defaults.
type CreateInput struct {
	OrganizationID string             `json:"organization_id"`
	DealerID       int                `json:"dealer_id"`
	CustomerID     primitive.ObjectID `json:"customer_id"`

	models.OpportunityPatch
}

// Create opens a new opportunity from the defaults plus the given fields and
// stamps identity, timestamps, the reporting period and the initial status
// date.
func (s *Service) Create(ctx context.Context, in *CreateInput) (*models.Opportunity, error) {
	if in == nil || in.OrganizationID == "" {
		return nil, domain.NewValidationError("organization_id is required")
	}
	if in.DealerID == 0 {
		return nil, domain.NewValidationError("dealer_id is required")
	}

	o := models.NewOpportunity()
	o.OrganizationID = in.OrganizationID
	o.DealerID = in.DealerID
	o.CustomerID = in.CustomerID

	p := in.OpportunityPatch
	// Partial preference blocks fill over the defaults instead of replacing
	// them.
	if p.Preferences.Valid() {
		merged := models.DefaultPreferences()
		for k, v := range p.Preferences.Value {
			merged[k] = v
		}
		p.Preferences = models.Some(merged)
	} else if p.Preferences.Null {
		p.Preferences = models.Optional[bson.M]{}
	}
	p.ApplyTo(o)
	if p.DealNumber.Valid() && p.DealNumber.Value != "" {
		o.DMSDeal.SetDealNumber(p.DealNumber.Value)
	}

	now := time.Now().UTC()
	o.ID = primitive.NewObjectID()
	o.Created = now
	o.Updated = now
	o.ReportingPeriod = models.ReportingPeriodAt(now)
	o.LastStatusChange[o.Status.Key()] = now

	if err := s.store.Insert(ctx, o); err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	s.emit(o.ID, events.EventOpportunityCreated, func(d events.Dispatcher) error {
		return d.OpportunityCreated(ctx, o)
	})
	return o, nil
}

// Get loads one opportunity by id.
func (s *Service) Get(ctx context.Context, id primitive.ObjectID) (*models.Opportunity, error) {
	return s.store.FindByID(ctx, id)
}

// GetBulk loads a set of opportunities by id. Missing ids are skipped.
func (s *Service) GetBulk(ctx context.Context, ids []primitive.ObjectID) ([]*models.Opportunity, error) {
	if len(ids) == 0 {
		return []*models.Opportunity{}, nil
	}
	return s.List(ctx, &ListParams{Filters: &query.Filters{IDs: ids}})
}

// ListParams select, order and paginate an opportunity listing. A zero
// PageSize disables pagination.
type ListParams struct {
	Filters  *query.Filters `json:"filters"`
	Sort     query.SortSpec `json:"sort_by"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// List returns the opportunities matching the filters in sort order.
// Results are cached briefly; every mutation drops the cache.
func (s *Service) List(ctx context.Context, params *ListParams) ([]*models.Opportunity, error) {
	if params == nil {
		params = &ListParams{}
	}
	sortSpec := params.Sort
	if len(sortSpec) == 0 {
		sortSpec = query.DefaultSort()
	}
	if err := sortSpec.Validate(); err != nil {
		return nil, err
	}

	key := s.resultsKey("list", params)
	if key != "" {
		if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
			var out []*models.Opportunity
			if err := json.Unmarshal([]byte(cached), &out); err == nil {
				return out, nil
			}
		}
	}

	filter, err := query.Compile(params.Filters, query.RequireClauses)
	if err != nil {
		return nil, err
	}

	opts := FindOptions{Sort: sortSpec.Document(false), Secondary: true}
	if params.PageSize > 0 {
		opts.Limit = int64(params.PageSize)
		if params.Page > 1 {
			opts.Skip = int64(params.Page-1) * int64(params.PageSize)
		}
	}

	out, err := s.store.Find(ctx, bson.M{"$and": []bson.M{filter}}, opts)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if data, err := json.Marshal(out); err == nil {
			_ = s.cache.Set(ctx, key, data, cacheTTL)
		}
	}
	return out, nil
}

// Count returns how many opportunities match the filters.
func (s *Service) Count(ctx context.Context, f *query.Filters) (int64, error) {
	key := s.resultsKey("count", f)
	if key != "" {
		if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
			if n, err := strconv.ParseInt(cached, 10, 64); err == nil {
				return n, nil
			}
		}
	}

	filter, err := query.Compile(f, query.RequireClauses)
	if err != nil {
		return 0, err
	}
	n, err := s.store.Count(ctx, bson.M{"$and": []bson.M{filter}})
	if err != nil {
		return 0, err
	}

	if key != "" {
		_ = s.cache.Set(ctx, key, strconv.FormatInt(n, 10), cacheTTL)
	}
	return n, nil
}

// CursorParams select and order a keyset-paginated listing. CursorKey
// resumes from a previous page; GetMore picks the direction relative to it.
type CursorParams struct {
	Filters   *query.Filters `json:"filters"`
	Sort      query.SortSpec `json:"sort_by"`
	Size      int            `json:"size"`
	CursorKey string         `json:"cursor_key"`
	GetMore   string         `json:"get_more"`
}

// ListByCursor pages through a filtered listing by keyset. Walking a stable
// listing yields every record exactly once, in order, without the skip cost
// of offset pagination.
func (s *Service) ListByCursor(ctx context.Context, params *CursorParams) (*query.CursorPage, error) {
	if params == nil {
		params = &CursorParams{}
	}
	sortSpec := params.Sort
	if len(sortSpec) == 0 {
		sortSpec = query.DefaultSort()
	}
	if err := sortSpec.Validate(); err != nil {
		return nil, err
	}
	dir, err := query.ParseDirection(params.GetMore)
	if err != nil {
		return nil, err
	}
	size := params.Size
	if size <= 0 {
		size = defaultCursorPageSize
	}

	filter, err := query.Compile(params.Filters, query.RequireClauses)
	if err != nil {
		return nil, err
	}

	conditions := []bson.M{filter}
	invert := false
	if params.CursorKey != "" {
		cur, err := query.DecodeCursor(params.CursorKey, sortSpec)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cur.ResumeFilter(sortSpec, dir))
		invert = dir == query.DirectionBefore
	}

	fetched, err := s.store.Find(ctx, bson.M{"$and": conditions}, FindOptions{
		Sort:      sortSpec.Document(invert),
		Limit:     int64(size + 1),
		Secondary: true,
	})
	if err != nil {
		return nil, err
	}
	return query.BuildCursorPage(fetched, sortSpec, size, dir)
}

// Update applies a patch to an opportunity under the transition rules: a
// status change stamps the status date history and refreshes the reporting
// period, the dealer is locked once a deal number exists, and a deal number
// can be assigned exactly once. Events fire after the write; the assignment
// event fires before it, against the state the patch arrived on.
func (s *Service) Update(ctx context.Context, id primitive.ObjectID, patch *models.OpportunityPatch) (*models.Opportunity, error) {
	if id.IsZero() || patch == nil || patch.IsZero() {
		return nil, domain.NewValidationError("no fields to update")
	}
	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	p := *patch
	now := time.Now().UTC()

	statusChanged := false
	oldStatusName := ""
	if p.Status.Valid() && p.Status.Value != float64(o.Status) {
		oldStatusName = o.Status.Name()
		statusDate := now
		if p.StatusDateChange.Valid() {
			statusDate = p.StatusDateChange.Value
		}

		// Legacy clients send the status as a float.
		newStatus := models.CoerceStatus(p.Status.Value)
		p.Status = models.Some(float64(newStatus))

		if o.LastStatusChange == nil {
			o.LastStatusChange = map[string]time.Time{}
		}
		o.LastStatusChange[newStatus.Key()] = statusDate

		// Entering PENDING without a recorded F&I date backfills it with
		// the pending date.
		if newStatus == models.StatusPending && o.LastStatusChange[models.StatusFI.Key()].IsZero() {
			o.LastStatusChange[models.StatusFI.Key()] = statusDate
		}

		if !p.ReportingPeriod.Valid() {
			p.ReportingPeriod = models.Some(*models.ReportingPeriodAt(now))
		}
		statusChanged = true
	}

	// Touching exactly one assignment array notifies its members. Touching
	// several in one patch notifies nobody.
	if fields := p.AssignmentFieldsPresent(); len(fields) == 1 {
		field := fields[0]
		members := patchAssignmentMembers(&p, field)
		s.emit(o.ID, events.EventOpportunityAssignment, func(d events.Dispatcher) error {
			return d.OpportunityAssignment(ctx, o, field, members)
		})
	}

	if p.DealerID.Valid() && p.DealerID.Value != o.DealerID && o.DMSDeal.DealNumber() != "" {
		return nil, domain.NewConflictError("dealer cannot change once a DMS deal number is assigned")
	}

	// The deal_number directive and any number inside a dms_deal patch go
	// through the same assignment rule; the rest of a dms_deal patch merges
	// over the existing deal document.
	if p.DealNumber.Valid() {
		if err := assignDealNumber(o, p.DealNumber.Value); err != nil {
			return nil, err
		}
	}
	if p.DMSDeal.Set {
		merged := o.DMSDeal.Clone()
		if !p.DMSDeal.Null {
			incoming := p.DMSDeal.Value.Clone()
			if n := incoming.DealNumber(); n != "" {
				if err := assignDealNumber(o, n); err != nil {
					return nil, err
				}
				merged = o.DMSDeal.Clone()
			}
			delete(incoming, "deal_number")
			for k, v := range incoming {
				merged[k] = v
			}
		}
		p.DMSDeal = models.Some(merged)
	}

	if !p.Updated.Valid() || p.Updated.Value.IsZero() {
		o.Updated = now
	}

	oldSubStatus := o.SubStatus
	before := o.Document()
	changes := delta.Compute(before, p.DocumentOverlay())
	p.ApplyTo(o)

	if err := s.store.Replace(ctx, o); err != nil {
		return nil, err
	}
	s.invalidate(ctx)

	s.emit(o.ID, events.EventOpportunityUpdated, func(d events.Dispatcher) error {
		return d.OpportunityUpdated(ctx, o, changes)
	})
	if statusChanged {
		s.emit(o.ID, events.EventOpportunityStatusUpdated, func(d events.Dispatcher) error {
			return d.OpportunityStatusUpdated(ctx, o, oldStatusName)
		})
	}
	if oldSubStatus != o.SubStatus {
		s.emit(o.ID, events.EventOpportunitySubStatusUpdated, func(d events.Dispatcher) error {
			return d.OpportunitySubStatusUpdated(ctx, o)
		})
	}
	return o, nil
}

// assignDealNumber sets the DMS deal number. Assigning the same value again
// is a no-op; a different value is rejected.
func assignDealNumber(o *models.Opportunity, n string) error {
	if n == "" {
		return nil
	}
	if cur := o.DMSDeal.DealNumber(); cur != "" && cur != n {
		return domain.NewConflictError("opportunity already has a DMS deal number assigned")
	}
	if o.DMSDeal == nil {
		o.DMSDeal = models.DMSDeal{}
	}
	o.DMSDeal.SetDealNumber(n)
	return nil
}

func patchAssignmentMembers(p *models.OpportunityPatch, field string) []string {
	var opt models.Optional[[]string]
	switch field {
	case "sales_managers":
		opt = p.SalesManagers
	case "sales_reps":
		opt = p.SalesReps
	case "customer_reps":
		opt = p.CustomerReps
	case "bdc_reps":
		opt = p.BDCReps
	case "finance_managers":
		opt = p.FinanceManagers
	}
	if opt.Null {
		return []string{}
	}
	return opt.Value
}

// Delete removes an opportunity permanently.
func (s *Service) Delete(ctx context.Context, id primitive.ObjectID) error {
	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.emit(o.ID, events.EventOpportunityDeleted, func(d events.Dispatcher) error {
		return d.OpportunityDeleted(ctx, o)
	})
	return nil
}

// DealDataPatch carries partial updates to the gross and comment blocks of
// a sales or accounting deal. Empty blocks are ignored.
type DealDataPatch struct {
	Comment       bson.M `json:"comment"`
	FrontendGross bson.M `json:"frontend_gross"`
	BackendGross  bson.M `json:"backend_gross"`
}

// UpdateDealData merges the given blocks into the named deal data field
// (sales_deal or accounting_deal), stamping each touched block. When
// nothing is touched the opportunity is returned unchanged.
func (s *Service) UpdateDealData(ctx context.Context, id primitive.ObjectID, field string, data *DealDataPatch) (*models.Opportunity, error) {
	if field != "sales_deal" && field != "accounting_deal" {
		return nil, domain.NewValidationError("field must be sales_deal or accounting_deal")
	}
	if data == nil {
		return nil, domain.NewValidationError("no deal data provided")
	}

	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	block := o.AccountingDeal
	if field == "sales_deal" {
		block = o.SalesDeal
	}

	now := time.Now().UTC()
	touched := false
	for _, name := range models.DealDataFields {
		incoming := data.block(name)
		if len(incoming) == 0 {
			continue
		}
		merged := bson.M{}
		for k, v := range block.Get(name) {
			merged[k] = v
		}
		for k, v := range incoming {
			merged[k] = v
		}
		merged["updated"] = now
		block.Set(name, merged)
		touched = true
	}
	if !touched {
		return o, nil
	}

	before := o.Document()
	if field == "sales_deal" {
		o.SalesDeal = block
	} else {
		o.AccountingDeal = block
	}
	changes := delta.Compute(before, bson.M{field: block.Document()})

	if err := s.store.Replace(ctx, o); err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	s.emit(o.ID, events.EventOpportunityUpdated, func(d events.Dispatcher) error {
		return d.OpportunityUpdated(ctx, o, changes)
	})
	return o, nil
}

func (d *DealDataPatch) block(name string) bson.M {
	switch name {
	case "comment":
		return d.Comment
	case "frontend_gross":
		return d.FrontendGross
	case "backend_gross":
		return d.BackendGross
	}
	return nil
}

// AttachmentInput describes a file being attached to an opportunity.
type AttachmentInput struct {
	AttachmentType string `json:"attachment_type"`
	Key            string `json:"key"`
	Label          string `json:"label"`
	CreatedBy      string `json:"created_by"`
	CreatedByName  string `json:"created_by_name"`
	FileHash       string `json:"file_hash"`
	FileSize       int64  `json:"file_size"`
	ContentType    string `json:"content_type"`
	FileTag        string `json:"file_tag"`
}

// AddAttachment appends a file reference to the opportunity's attachment
// ledger.
func (s *Service) AddAttachment(ctx context.Context, id primitive.ObjectID, in *AttachmentInput) (*models.Opportunity, error) {
	if in == nil || in.Key == "" {
		return nil, domain.NewValidationError("attachment key is required")
	}

	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	attachment := models.Attachment{
		ID:             primitive.NewObjectID(),
		AttachmentType: in.AttachmentType,
		Key:            in.Key,
		Label:          in.Label,
		CreatedBy:      in.CreatedBy,
		CreatedByName:  in.CreatedByName,
		FileHash:       in.FileHash,
		FileSize:       in.FileSize,
		ContentType:    in.ContentType,
		FileTag:        in.FileTag,
		DateCreated:    time.Now().UTC(),
		Deleted:        false,
	}
	attachments := append(append([]models.Attachment{}, o.Attachments...), attachment)
	return s.Update(ctx, id, &models.OpportunityPatch{
		Attachments: models.Some(attachments),
	})
}

// AttachmentPatch carries the mutable attachment fields. Absent fields are
// left alone.
type AttachmentPatch struct {
	Label   models.Optional[string] `json:"label"`
	FileTag models.Optional[string] `json:"file_tag"`
	Deleted models.Optional[bool]   `json:"deleted"`
}

// ModifyAttachment updates one attachment in place by id.
func (s *Service) ModifyAttachment(ctx context.Context, id, attachmentID primitive.ObjectID, patch *AttachmentPatch) (*models.Opportunity, error) {
	if patch == nil {
		return nil, domain.NewValidationError("no attachment fields to update")
	}

	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Attachment(attachmentID) == nil {
		return nil, domain.NewNotFoundError("attachment")
	}

	attachments := append([]models.Attachment{}, o.Attachments...)
	for i := range attachments {
		if attachments[i].ID != attachmentID {
			continue
		}
		if patch.Label.Set {
			attachments[i].Label = patch.Label.Value
		}
		if patch.FileTag.Set {
			attachments[i].FileTag = patch.FileTag.Value
		}
		if patch.Deleted.Set {
			attachments[i].Deleted = patch.Deleted.Value && !patch.Deleted.Null
		}
	}
	return s.Update(ctx, id, &models.OpportunityPatch{
		Attachments: models.Some(attachments),
	})
}

// RemoveAttachment flips the attachment's deleted flag. The record itself
// stays in the ledger, so removal is idempotent.
func (s *Service) RemoveAttachment(ctx context.Context, id, attachmentID primitive.ObjectID) (*models.Opportunity, error) {
	return s.ModifyAttachment(ctx, id, attachmentID, &AttachmentPatch{
		Deleted: models.Some(true),
	})
}

// EditDealNumber re-points an opportunity at a different DMS deal. The deal
// is verified against the DMS first; on any failure the opportunity is left
// untouched and no result is returned.
func (s *Service) EditDealNumber(ctx context.Context, id primitive.ObjectID, dealNumber string) (*models.Opportunity, error) {
	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.dms == nil {
		return nil, nil
	}
	if err := s.dms.ResolveDeal(ctx, o.DealerID, dealNumber); err != nil {
		s.log.Warn("deal number verification failed", "opportunity_id", id.Hex(), "deal_number", dealNumber, "error", err)
		return nil, nil
	}

	before := o.Document()
	o.DMSDeal.SetDealNumber(dealNumber)
	o.Updated = time.Now().UTC()
	if err := s.store.Replace(ctx, o); err != nil {
		s.log.Warn("deal number update failed", "opportunity_id", id.Hex(), "error", err)
		return nil, nil
	}
	s.invalidate(ctx)
	s.emit(o.ID, events.EventOpportunityUpdated, func(d events.Dispatcher) error {
		return d.OpportunityUpdated(ctx, o, delta.Compute(before, bson.M{"dms_deal": o.Document()["dms_deal"]}))
	})
	return o, nil
}

// SyncDMSDeal merges refreshed deal fields from the DMS into an opportunity
// that already carries a deal number and re-derives the stock type from the
// deal type.
func (s *Service) SyncDMSDeal(ctx context.Context, id primitive.ObjectID, dealData models.DMSDeal) (*models.Opportunity, error) {
	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.DMSDeal.DealNumber() == "" {
		return nil, domain.NewConflictError("opportunity has no DMS deal number to sync")
	}
	if _, ok := dealData["deal_number"]; ok {
		return nil, domain.NewValidationError("deal_number cannot be changed by a DMS sync")
	}

	merged := o.DMSDeal.Clone()
	for k, v := range dealData {
		merged[k] = v
	}
	stockType := models.StockTypeFromDealType(merged.DealType())

	updated, err := s.Update(ctx, id, &models.OpportunityPatch{
		DMSDeal:   models.Some(merged),
		StockType: models.Some(stockType),
	})
	if err != nil {
		return nil, err
	}
	s.emit(updated.ID, events.EventOpportunityUpdated, func(d events.Dispatcher) error {
		return d.OpportunityUpdated(ctx, updated, delta.ChangeSet{
			"dms_deal": delta.Change{Old: nil, New: bson.M(dealData)},
		})
	})
	return updated, nil
}

// FindActiveByDealNumber returns the open opportunity holding a deal
// number. With a dealer id the search is scoped to that dealer and skips
// lost and tubed opportunities; without one it matches the number anywhere.
func (s *Service) FindActiveByDealNumber(ctx context.Context, dealerID int, dealNumber string) (*models.Opportunity, error) {
	if dealNumber == "" {
		return nil, domain.NewValidationError("deal_number is required")
	}
	filter := bson.M{"dms_deal.deal_number": dealNumber}
	if dealerID != 0 {
		filter["dealer_id"] = dealerID
		filter["status"] = bson.M{"$nin": bson.A{int(models.StatusLost), int(models.StatusTubed)}}
	}
	return s.store.FindOne(ctx, filter, FindOptions{Secondary: true})
}

// FindActiveByCustomer returns the customer's opportunities that are still
// in play: not lost, tubed or posted.
func (s *Service) FindActiveByCustomer(ctx context.Context, dealerID int, customerID primitive.ObjectID) ([]*models.Opportunity, error) {
	filter := bson.M{
		"dealer_id":   dealerID,
		"customer_id": customerID,
		"status": bson.M{"$nin": bson.A{
			int(models.StatusLost),
			int(models.StatusTubed),
			int(models.StatusPosted),
		}},
	}
	return s.store.Find(ctx, filter, FindOptions{Secondary: true})
}

// DeliveredBetween returns a dealer's opportunities delivered inside the
// given window, ordered by delivery date.
func (s *Service) DeliveredBetween(ctx context.Context, dealerID int, from, to time.Time) ([]*models.Opportunity, error) {
	deliveredKey := "last_status_change." + models.StatusDelivered.Key()
	filter := bson.M{
		"dealer_id": dealerID,
		"status":    int(models.StatusDelivered),
		deliveredKey: bson.M{
			"$gte": from,
			"$lte": to,
		},
	}
	return s.store.Find(ctx, filter, FindOptions{
		Sort:      bson.D{{Key: deliveredKey, Value: 1}},
		Secondary: true,
	})
}

// MergeCustomerOpportunities re-points every opportunity of the source
// customers at the merge target.
func (s *Service) MergeCustomerOpportunities(ctx context.Context, target primitive.ObjectID, sources []primitive.ObjectID) (int64, error) {
	if target.IsZero() || len(sources) == 0 {
		return 0, domain.NewValidationError("merge target and sources are required")
	}
	ids := make(bson.A, 0, len(sources))
	for _, id := range sources {
		ids = append(ids, id)
	}
	n, err := s.store.UpdateMany(ctx,
		bson.M{"customer_id": bson.M{"$in": ids}},
		bson.M{"customer_id": target},
	)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx)
	return n, nil
}

// Customer is the slice of a customer record the opportunity index cares
// about: the fields that feed the denormalized name and search keywords.
type Customer struct {
	ID             primitive.ObjectID `json:"_id"`
	FirstName      string             `json:"first_name"`
	LastName       string             `json:"last_name"`
	CompanyName    string             `json:"company_name"`
	DriversLicense string             `json:"drivers_license"`
	Phone          string             `json:"phone"`
	WorkPhone      string             `json:"work_phone"`
	CellPhone      string             `json:"cell_phone"`
	HomePhone      string             `json:"home_phone"`
	Emails         []string           `json:"emails"`
}

var customerKeywordFields = []string{
	"first_name",
	"last_name",
	"company_name",
	"drivers_license",
	"phone",
	"work_phone",
	"cell_phone",
	"home_phone",
}

func (c *Customer) keywordValues() []string {
	return []string{
		c.FirstName,
		c.LastName,
		c.CompanyName,
		c.DriversLicense,
		c.Phone,
		c.WorkPhone,
		c.CellPhone,
		c.HomePhone,
	}
}

// UpdateForCustomer refreshes the denormalized customer name and search
// keywords on every opportunity of a customer. When a change set for the
// customer is supplied and touches none of the keyword fields, nothing is
// written.
func (s *Service) UpdateForCustomer(ctx context.Context, customer *Customer, changes delta.ChangeSet) (int64, error) {
	if customer == nil || customer.ID.IsZero() {
		return 0, domain.NewValidationError("customer is required")
	}
	if changes != nil {
		relevant := false
		for _, f := range customerKeywordFields {
			if _, ok := changes[f]; ok {
				relevant = true
				break
			}
		}
		if !relevant {
			return 0, nil
		}
	}

	name := strings.TrimSpace(customer.FirstName + " " + customer.LastName)
	values := append(customer.keywordValues(), customer.FirstName+" "+customer.LastName)
	values = append(values, customer.Emails...)
	kw := keywords.Expand(values)

	n, err := s.store.UpdateMany(ctx,
		bson.M{"customer_id": customer.ID},
		bson.M{"customer_name": name, "customer_keywords": kw},
	)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx)
	return n, nil
}

// RefreshDealerNames re-resolves a dealer's display name onto all of its
// opportunities.
func (s *Service) RefreshDealerNames(ctx context.Context, dealerID int) (int64, error) {
	if s.dealers == nil {
		return 0, nil
	}
	name, err := s.dealers.DealerName(ctx, dealerID)
	if err != nil {
		return 0, domain.NewExternalError("dealer directory", err)
	}
	n, err := s.store.UpdateMany(ctx,
		bson.M{"dealer_id": dealerID},
		bson.M{"dealer_name": name},
	)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx)
	return n, nil
}

// SetReportingPeriod pins an opportunity to a reporting period regardless
// of its status history.
func (s *Service) SetReportingPeriod(ctx context.Context, id primitive.ObjectID, year, month int) (*models.Opportunity, error) {
	if month < 1 || month > 12 {
		return nil, domain.NewValidationError("month must be between 1 and 12")
	}
	return s.Update(ctx, id, &models.OpportunityPatch{
		ReportingPeriod: models.Some(models.ReportingPeriod{Year: year, Month: month}),
	})
}

// UpdatePreferences merges the given keys into the vehicle preference
// block, reseeding the defaults if the block was cleared.
func (s *Service) UpdatePreferences(ctx context.Context, id primitive.ObjectID, prefs bson.M) (*models.Opportunity, error) {
	if len(prefs) == 0 {
		return nil, domain.NewValidationError("no preferences provided")
	}
	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := o.Preferences
	if len(merged) == 0 {
		merged = models.DefaultPreferences()
	}
	for k, v := range prefs {
		merged[k] = v
	}
	return s.Update(ctx, id, &models.OpportunityPatch{
		Preferences: models.Some(merged),
	})
}

// GetPreferences returns the vehicle preference block.
func (s *Service) GetPreferences(ctx context.Context, id primitive.ObjectID) (bson.M, error) {
	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.Preferences, nil
}

// UpdateMarketing merges the given keys into the marketing attribution
// block.
func (s *Service) UpdateMarketing(ctx context.Context, id primitive.ObjectID, marketing bson.M) (*models.Opportunity, error) {
	if len(marketing) == 0 {
		return nil, domain.NewValidationError("no marketing data provided")
	}
	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := o.Marketing
	if merged == nil {
		merged = bson.M{}
	}
	for k, v := range marketing {
		merged[k] = v
	}
	return s.Update(ctx, id, &models.OpportunityPatch{
		Marketing: models.Some(merged),
	})
}

// GetMarketing returns the marketing attribution block.
func (s *Service) GetMarketing(ctx context.Context, id primitive.ObjectID) (bson.M, error) {
	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.Marketing, nil
}

// Each walks every opportunity matching the filter in id order, in batches,
// and hands each one to fn. Used by maintenance jobs that must touch large
// swaths of the collection without holding it all in memory.
func (s *Service) Each(ctx context.Context, filter bson.M, batchSize int, fn func(*models.Opportunity) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	last := primitive.NilObjectID
	for {
		page := bson.M{}
		for k, v := range filter {
			page[k] = v
		}
		if !last.IsZero() {
			page["_id"] = bson.M{"$gt": last}
		}
		batch, err := s.store.Find(ctx, page, FindOptions{
			Sort:      bson.D{{Key: "_id", Value: 1}},
			Limit:     int64(batchSize),
			Secondary: true,
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, o := range batch {
			if err := fn(o); err != nil {
				return err
			}
		}
		last = batch[len(batch)-1].ID
	}
}

// EnsureIndexes rebuilds the collection's search indexes.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	return s.store.EnsureIndexes(ctx)
}
