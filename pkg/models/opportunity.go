package models

import (
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ReportingPeriod buckets an opportunity into the year, month and quarter
// used by reporting queries. Quarter is always derived from the month.
type ReportingPeriod struct {
	Year    int `bson:"year" json:"year"`
	Month   int `bson:"month" json:"month"`
	Quarter int `bson:"quarter" json:"quarter"`
}

// NewReportingPeriod builds a reporting period for the given year and month.
func NewReportingPeriod(year, month int) *ReportingPeriod {
	return &ReportingPeriod{
		Year:    year,
		Month:   month,
		Quarter: (month-1)/3 + 1,
	}
}

// ReportingPeriodAt buckets a point in time.
func ReportingPeriodAt(t time.Time) *ReportingPeriod {
	return NewReportingPeriod(t.Year(), int(t.Month()))
}

// DMSDeal is the free-form deal document synced from the dealer management
// system. Only deal_number and deal_type have meaning to this service; the
// rest is carried verbatim.
type DMSDeal map[string]interface{}

// DealNumber returns the DMS deal number, if one has been assigned.
func (d DMSDeal) DealNumber() string {
	v, _ := d["deal_number"].(string)
	return v
}

// SetDealNumber assigns the DMS deal number.
func (d DMSDeal) SetDealNumber(n string) {
	d["deal_number"] = n
}

// DealType returns the DMS deal type used to derive the stock type.
func (d DMSDeal) DealType() string {
	v, _ := d["deal_type"].(string)
	return v
}

// Clone returns a deep copy of the deal document.
func (d DMSDeal) Clone() DMSDeal {
	return DMSDeal(copyMap(bson.M(d)))
}

// DealData holds the user-maintained gross and comment blocks kept on both
// the sales and accounting sides of a deal.
type DealData struct {
	FrontendGross bson.M `bson:"frontend_gross" json:"frontend_gross"`
	BackendGross  bson.M `bson:"backend_gross" json:"backend_gross"`
	Comment       bson.M `bson:"comment" json:"comment"`
}

// NewDealData returns an empty deal data block.
func NewDealData() DealData {
	return DealData{
		FrontendGross: bson.M{},
		BackendGross:  bson.M{},
		Comment:       bson.M{},
	}
}

// DealDataFields are the patchable sub-documents of a DealData block, in
// persistence order.
var DealDataFields = []string{"comment", "frontend_gross", "backend_gross"}

// Get returns the named sub-document.
func (d DealData) Get(field string) bson.M {
	switch field {
	case "comment":
		return d.Comment
	case "frontend_gross":
		return d.FrontendGross
	case "backend_gross":
		return d.BackendGross
	}
	return nil
}

// Set replaces the named sub-document.
func (d *DealData) Set(field string, v bson.M) {
	switch field {
	case "comment":
		d.Comment = v
	case "frontend_gross":
		d.FrontendGross = v
	case "backend_gross":
		d.BackendGross = v
	}
}

// Document renders the deal data block as its persisted document.
func (d DealData) Document() bson.M {
	return bson.M{
		"frontend_gross": copyMap(d.FrontendGross),
		"backend_gross":  copyMap(d.BackendGross),
		"comment":        copyMap(d.Comment),
	}
}

// Attachment is a file reference kept on the opportunity. Attachments are
// never removed from the array; removal flips the deleted flag.
type Attachment struct {
	ID             primitive.ObjectID `bson:"_id" json:"_id"`
	AttachmentType string             `bson:"attachment_type" json:"attachment_type"`
	Key            string             `bson:"key" json:"key"`
	Label          string             `bson:"label" json:"label"`
	CreatedBy      string             `bson:"created_by" json:"created_by"`
	CreatedByName  string             `bson:"created_by_name" json:"created_by_name"`
	FileHash       string             `bson:"file_hash" json:"file_hash"`
	FileSize       int64              `bson:"file_size" json:"file_size"`
	ContentType    string             `bson:"content_type" json:"content_type"`
	FileTag        string             `bson:"file_tag" json:"file_tag"`
	DateCreated    time.Time          `bson:"date_created" json:"date_created"`
	Deleted        bool               `bson:"deleted" json:"deleted"`
}

func (a Attachment) document() bson.M {
	return bson.M{
		"_id":             a.ID,
		"attachment_type": a.AttachmentType,
		"key":             a.Key,
		"label":           a.Label,
		"created_by":      a.CreatedBy,
		"created_by_name": a.CreatedByName,
		"file_hash":       a.FileHash,
		"file_size":       a.FileSize,
		"content_type":    a.ContentType,
		"file_tag":        a.FileTag,
		"date_created":    a.DateCreated,
		"deleted":         a.Deleted,
	}
}

// Opportunity is a sales opportunity: one potential vehicle deal for one
// customer at one dealership.
type Opportunity struct {
	ID               primitive.ObjectID   `bson:"_id,omitempty" json:"_id"`
	OrganizationID   string               `bson:"organization_id" json:"organization_id"`
	DealerID         int                  `bson:"dealer_id" json:"dealer_id"`
	DealerName       string               `bson:"dealer_name" json:"dealer_name"`
	Name             string               `bson:"name" json:"name"`
	CustomerID       primitive.ObjectID   `bson:"customer_id,omitempty" json:"customer_id,omitempty"`
	CustomerName     string               `bson:"customer_name" json:"customer_name"`
	CustomerKeywords []string             `bson:"customer_keywords" json:"customer_keywords"`
	Status           Status               `bson:"status" json:"status"`
	LastStatusChange map[string]time.Time `bson:"last_status_change" json:"last_status_change"`
	SubStatus        string               `bson:"sub_status" json:"sub_status"`
	LostReason       string               `bson:"lost_reason" json:"lost_reason"`
	Creator          string               `bson:"creator" json:"creator"`
	StockType        string               `bson:"stock_type" json:"stock_type"`
	PrimaryPitchID   string               `bson:"primary_pitch_id" json:"primary_pitch_id"`

	SalesManagers   []string `bson:"sales_managers" json:"sales_managers"`
	SalesReps       []string `bson:"sales_reps" json:"sales_reps"`
	CustomerReps    []string `bson:"customer_reps" json:"customer_reps"`
	BDCReps         []string `bson:"bdc_reps" json:"bdc_reps"`
	FinanceManagers []string `bson:"finance_managers" json:"finance_managers"`

	Pitches            []string             `bson:"pitches" json:"pitches"`
	Leads              []string             `bson:"leads" json:"leads"`
	CRMLeadIDs         []primitive.ObjectID `bson:"crm_lead_ids" json:"crm_lead_ids"`
	Appraisals         []string             `bson:"appraisals" json:"appraisals"`
	CreditApplications []string             `bson:"credit_applications" json:"credit_applications"`

	Preferences bson.M `bson:"preferences" json:"preferences"`
	Marketing   bson.M `bson:"marketing" json:"marketing"`

	Created         time.Time        `bson:"created" json:"created"`
	Updated         time.Time        `bson:"updated" json:"updated"`
	CarryoverDate   *time.Time       `bson:"carryover_date,omitempty" json:"carryover_date,omitempty"`
	ReportingPeriod *ReportingPeriod `bson:"reporting_period" json:"reporting_period"`

	DMSDeal        DMSDeal      `bson:"dms_deal" json:"dms_deal"`
	AccountingDeal DealData     `bson:"accounting_deal" json:"accounting_deal"`
	SalesDeal      DealData     `bson:"sales_deal" json:"sales_deal"`
	Attachments    []Attachment `bson:"attachments" json:"attachments"`

	GocardReferral bson.M `bson:"gocard_referral" json:"gocard_referral"`
	RDRPunch       bson.M `bson:"rdr_punch" json:"rdr_punch"`
	Finance        bson.M `bson:"finance" json:"finance"`
	Accounting     bson.M `bson:"accounting" json:"accounting"`
	ExtraChecklist bson.M `bson:"extra_checklist" json:"extra_checklist"`

	AlertTypes      []string `bson:"alert_types" json:"alert_types"`
	TestDriveNumber int      `bson:"test_drive_number" json:"test_drive_number"`
}

// AssignmentFields are the member arrays an opportunity can be assigned
// through, in the order they are matched by filters.
var AssignmentFields = []string{
	"sales_managers",
	"sales_reps",
	"customer_reps",
	"bdc_reps",
	"finance_managers",
}

// DefaultPreferences returns the empty vehicle preference block.
func DefaultPreferences() bson.M {
	return bson.M{
		"vehicle_color":                    []interface{}{},
		"vehicle_type":                     []interface{}{},
		"vehicle_style":                    []interface{}{},
		"passenger_count_upper":            0,
		"passenger_count_lower":            0,
		"vehicle_features":                 bson.M{},
		"vehicle_features_extra":           []interface{}{},
		"vehicle_preference_questionnaire": bson.M{},
		"preferred_vehicles":               []interface{}{},
	}
}

// DefaultMarketing returns the empty marketing attribution block.
func DefaultMarketing() bson.M {
	return bson.M{
		"lead_direction":  "",
		"lead_channel":    "",
		"lead_source":     "",
		"campaign_medium": "",
		"campaign_source": "",
		"campaign_name":   "",
	}
}

// NewOpportunity returns an opportunity with every field at its default.
// Identity, timestamps and the initial status stamp are assigned on create.
func NewOpportunity() *Opportunity {
	return &Opportunity{
		Name:               "",
		CustomerName:       "",
		CustomerKeywords:   []string{},
		Status:             StatusFresh,
		LastStatusChange:   map[string]time.Time{},
		SubStatus:          "",
		LostReason:         "",
		Creator:            "",
		StockType:          "",
		PrimaryPitchID:     "",
		SalesManagers:      []string{},
		SalesReps:          []string{},
		CustomerReps:       []string{},
		BDCReps:            []string{},
		FinanceManagers:    []string{},
		Pitches:            []string{},
		Leads:              []string{},
		CRMLeadIDs:         []primitive.ObjectID{},
		Appraisals:         []string{},
		CreditApplications: []string{},
		Preferences:        DefaultPreferences(),
		Marketing:          DefaultMarketing(),
		DMSDeal:            DMSDeal{},
		AccountingDeal:     NewDealData(),
		SalesDeal:          NewDealData(),
		Attachments:        []Attachment{},
		GocardReferral:     bson.M{},
		RDRPunch:           bson.M{},
		Finance:            bson.M{},
		Accounting:         bson.M{},
		ExtraChecklist:     bson.M{},
		AlertTypes:         []string{},
		TestDriveNumber:    0,
	}
}

// Assignees returns the de-duplicated union of every assignment array.
func (o *Opportunity) Assignees() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, set := range [][]string{o.SalesManagers, o.SalesReps, o.CustomerReps, o.BDCReps, o.FinanceManagers} {
		for _, m := range set {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// AssignmentMembers returns the members of one assignment array by field
// name.
func (o *Opportunity) AssignmentMembers(field string) []string {
	switch field {
	case "sales_managers":
		return o.SalesManagers
	case "sales_reps":
		return o.SalesReps
	case "customer_reps":
		return o.CustomerReps
	case "bdc_reps":
		return o.BDCReps
	case "finance_managers":
		return o.FinanceManagers
	}
	return nil
}

// Attachment returns the attachment with the given id, deleted or not.
func (o *Opportunity) Attachment(id primitive.ObjectID) *Attachment {
	for i := range o.Attachments {
		if o.Attachments[i].ID == id {
			return &o.Attachments[i]
		}
	}
	return nil
}

// ActiveAttachments returns the attachments that have not been removed.
func (o *Opportunity) ActiveAttachments() []Attachment {
	out := make([]Attachment, 0, len(o.Attachments))
	for _, a := range o.Attachments {
		if !a.Deleted {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a deep copy of the opportunity.
func (o *Opportunity) Clone() *Opportunity {
	c := *o
	c.CustomerKeywords = append([]string(nil), o.CustomerKeywords...)
	c.LastStatusChange = map[string]time.Time{}
	for k, v := range o.LastStatusChange {
		c.LastStatusChange[k] = v
	}
	c.SalesManagers = append([]string(nil), o.SalesManagers...)
	c.SalesReps = append([]string(nil), o.SalesReps...)
	c.CustomerReps = append([]string(nil), o.CustomerReps...)
	c.BDCReps = append([]string(nil), o.BDCReps...)
	c.FinanceManagers = append([]string(nil), o.FinanceManagers...)
	c.Pitches = append([]string(nil), o.Pitches...)
	c.Leads = append([]string(nil), o.Leads...)
	c.CRMLeadIDs = append([]primitive.ObjectID(nil), o.CRMLeadIDs...)
	c.Appraisals = append([]string(nil), o.Appraisals...)
	c.CreditApplications = append([]string(nil), o.CreditApplications...)
	c.Preferences = copyMap(o.Preferences)
	c.Marketing = copyMap(o.Marketing)
	if o.CarryoverDate != nil {
		d := *o.CarryoverDate
		c.CarryoverDate = &d
	}
	if o.ReportingPeriod != nil {
		rp := *o.ReportingPeriod
		c.ReportingPeriod = &rp
	}
	c.DMSDeal = o.DMSDeal.Clone()
	c.AccountingDeal = o.AccountingDeal.clone()
	c.SalesDeal = o.SalesDeal.clone()
	c.Attachments = append([]Attachment(nil), o.Attachments...)
	c.GocardReferral = copyMap(o.GocardReferral)
	c.RDRPunch = copyMap(o.RDRPunch)
	c.Finance = copyMap(o.Finance)
	c.Accounting = copyMap(o.Accounting)
	c.ExtraChecklist = copyMap(o.ExtraChecklist)
	c.AlertTypes = append([]string(nil), o.AlertTypes...)
	return &c
}

func (d DealData) clone() DealData {
	return DealData{
		FrontendGross: copyMap(d.FrontendGross),
		BackendGross:  copyMap(d.BackendGross),
		Comment:       copyMap(d.Comment),
	}
}

// Document renders the opportunity as the persisted document. The result is
// a deep copy: mutating the opportunity afterwards does not change it. All
// writes, change detection and cursor keys go through this one mapping.
func (o *Opportunity) Document() bson.M {
	doc := bson.M{
		"organization_id":     o.OrganizationID,
		"dealer_id":           o.DealerID,
		"dealer_name":         o.DealerName,
		"name":                o.Name,
		"customer_name":       o.CustomerName,
		"customer_keywords":   copyStrings(o.CustomerKeywords),
		"status":              int(o.Status),
		"last_status_change":  copyTimes(o.LastStatusChange),
		"sub_status":          o.SubStatus,
		"lost_reason":         o.LostReason,
		"creator":             o.Creator,
		"stock_type":          o.StockType,
		"primary_pitch_id":    o.PrimaryPitchID,
		"sales_managers":      copyStrings(o.SalesManagers),
		"sales_reps":          copyStrings(o.SalesReps),
		"customer_reps":       copyStrings(o.CustomerReps),
		"bdc_reps":            copyStrings(o.BDCReps),
		"finance_managers":    copyStrings(o.FinanceManagers),
		"pitches":             copyStrings(o.Pitches),
		"leads":               copyStrings(o.Leads),
		"crm_lead_ids":        copyObjectIDs(o.CRMLeadIDs),
		"appraisals":          copyStrings(o.Appraisals),
		"credit_applications": copyStrings(o.CreditApplications),
		"preferences":         copyMap(o.Preferences),
		"marketing":           copyMap(o.Marketing),
		"dms_deal":            copyMap(bson.M(o.DMSDeal)),
		"accounting_deal":     o.AccountingDeal.Document(),
		"sales_deal":          o.SalesDeal.Document(),
		"gocard_referral":     copyMap(o.GocardReferral),
		"rdr_punch":           copyMap(o.RDRPunch),
		"finance":             copyMap(o.Finance),
		"accounting":          copyMap(o.Accounting),
		"extra_checklist":     copyMap(o.ExtraChecklist),
		"alert_types":         copyStrings(o.AlertTypes),
		"test_drive_number":   o.TestDriveNumber,
	}
	if !o.ID.IsZero() {
		doc["_id"] = o.ID
	}
	if o.CustomerID.IsZero() {
		doc["customer_id"] = nil
	} else {
		doc["customer_id"] = o.CustomerID
	}
	if o.Created.IsZero() {
		doc["created"] = nil
	} else {
		doc["created"] = o.Created
	}
	if o.Updated.IsZero() {
		doc["updated"] = nil
	} else {
		doc["updated"] = o.Updated
	}
	if o.CarryoverDate != nil {
		doc["carryover_date"] = *o.CarryoverDate
	}
	if o.ReportingPeriod == nil {
		doc["reporting_period"] = nil
	} else {
		doc["reporting_period"] = bson.M{
			"year":    o.ReportingPeriod.Year,
			"month":   o.ReportingPeriod.Month,
			"quarter": o.ReportingPeriod.Quarter,
		}
	}
	attachments := make([]interface{}, 0, len(o.Attachments))
	for _, a := range o.Attachments {
		attachments = append(attachments, a.document())
	}
	doc["attachments"] = attachments
	return doc
}

func copyStrings(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func copyObjectIDs(in []primitive.ObjectID) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, id := range in {
		out = append(out, id)
	}
	return out
}

func copyTimes(in map[string]time.Time) bson.M {
	out := bson.M{}
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyMap(in bson.M) bson.M {
	out := bson.M{}
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		return copyMap(t)
	case map[string]interface{}:
		return copyMap(bson.M(t))
	case bson.A:
		out := make(bson.A, 0, len(t))
		for _, e := range t {
			out = append(out, copyValue(e))
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, e := range t {
			out = append(out, copyValue(e))
		}
		return out
	case []string:
		return copyStrings(t)
	default:
		return v
	}
}
