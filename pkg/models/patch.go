package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OpportunityPatch is a partial update. Every field is tri-state: absent
// fields are left alone, null fields reset to the zero value, set fields
// replace. Status arrives as a float because legacy clients send it that
// way; it is truncated on apply.
type OpportunityPatch struct {
	Name         Optional[string] `json:"name"`
	CustomerName Optional[string] `json:"customer_name"`

	CustomerKeywords Optional[[]string] `json:"customer_keywords"`

	Status           Optional[float64]   `json:"status"`
	StatusDateChange Optional[time.Time] `json:"status_date_change"`
	SubStatus        Optional[string]    `json:"sub_status"`
	LostReason       Optional[string]    `json:"lost_reason"`

	Creator        Optional[string] `json:"creator"`
	StockType      Optional[string] `json:"stock_type"`
	PrimaryPitchID Optional[string] `json:"primary_pitch_id"`

	DealerID   Optional[int]    `json:"dealer_id"`
	DealerName Optional[string] `json:"dealer_name"`

	SalesManagers   Optional[[]string] `json:"sales_managers"`
	SalesReps       Optional[[]string] `json:"sales_reps"`
	CustomerReps    Optional[[]string] `json:"customer_reps"`
	BDCReps         Optional[[]string] `json:"bdc_reps"`
	FinanceManagers Optional[[]string] `json:"finance_managers"`

	Pitches            Optional[[]string]             `json:"pitches"`
	Leads              Optional[[]string]             `json:"leads"`
	CRMLeadIDs         Optional[[]primitive.ObjectID] `json:"crm_lead_ids"`
	Appraisals         Optional[[]string]             `json:"appraisals"`
	CreditApplications Optional[[]string]             `json:"credit_applications"`

	Preferences Optional[bson.M] `json:"preferences"`
	Marketing   Optional[bson.M] `json:"marketing"`

	CarryoverDate   Optional[time.Time]       `json:"carryover_date"`
	ReportingPeriod Optional[ReportingPeriod] `json:"reporting_period"`

	DealNumber Optional[string]  `json:"deal_number"`
	DMSDeal    Optional[DMSDeal] `json:"dms_deal"`

	AccountingDeal Optional[DealData]     `json:"accounting_deal"`
	SalesDeal      Optional[DealData]     `json:"sales_deal"`
	Attachments    Optional[[]Attachment] `json:"attachments"`

	GocardReferral Optional[bson.M] `json:"gocard_referral"`
	RDRPunch       Optional[bson.M] `json:"rdr_punch"`
	Finance        Optional[bson.M] `json:"finance"`
	Accounting     Optional[bson.M] `json:"accounting"`
	ExtraChecklist Optional[bson.M] `json:"extra_checklist"`

	AlertTypes      Optional[[]string]  `json:"alert_types"`
	TestDriveNumber Optional[int]       `json:"test_drive_number"`
	Updated         Optional[time.Time] `json:"updated"`
}

// IsZero reports whether no field of the patch is present. The deal number
// directive counts: a patch assigning only a deal number is a real update.
func (p *OpportunityPatch) IsZero() bool {
	return len(p.presentFields()) == 0 && !p.DealNumber.Set
}

// AssignmentFieldsPresent returns the assignment arrays this patch touches.
func (p *OpportunityPatch) AssignmentFieldsPresent() []string {
	var out []string
	for _, f := range []struct {
		name string
		opt  Optional[[]string]
	}{
		{"sales_managers", p.SalesManagers},
		{"sales_reps", p.SalesReps},
		{"customer_reps", p.CustomerReps},
		{"bdc_reps", p.BDCReps},
		{"finance_managers", p.FinanceManagers},
	} {
		if f.opt.Set {
			out = append(out, f.name)
		}
	}
	return out
}

type patchEntry struct {
	name  string
	value interface{}
}

// presentFields lists every present field with its document-space value.
// Null fields map to the zero value their entity field resets to. The
// status_date_change and deal_number directives are not document fields
// and are excluded here.
func (p *OpportunityPatch) presentFields() []patchEntry {
	var out []patchEntry
	add := func(name string, set bool, value interface{}) {
		if set {
			out = append(out, patchEntry{name: name, value: value})
		}
	}

	add("name", p.Name.Set, optString(p.Name))
	add("customer_name", p.CustomerName.Set, optString(p.CustomerName))
	add("customer_keywords", p.CustomerKeywords.Set, optStrings(p.CustomerKeywords))
	if p.Status.Set && !p.Status.Null {
		add("status", true, int(CoerceStatus(p.Status.Value)))
	}
	add("sub_status", p.SubStatus.Set, optString(p.SubStatus))
	add("lost_reason", p.LostReason.Set, optString(p.LostReason))
	add("creator", p.Creator.Set, optString(p.Creator))
	add("stock_type", p.StockType.Set, optString(p.StockType))
	add("primary_pitch_id", p.PrimaryPitchID.Set, optString(p.PrimaryPitchID))
	if p.DealerID.Valid() {
		add("dealer_id", true, p.DealerID.Value)
	}
	add("dealer_name", p.DealerName.Set, optString(p.DealerName))
	add("sales_managers", p.SalesManagers.Set, optStrings(p.SalesManagers))
	add("sales_reps", p.SalesReps.Set, optStrings(p.SalesReps))
	add("customer_reps", p.CustomerReps.Set, optStrings(p.CustomerReps))
	add("bdc_reps", p.BDCReps.Set, optStrings(p.BDCReps))
	add("finance_managers", p.FinanceManagers.Set, optStrings(p.FinanceManagers))
	add("pitches", p.Pitches.Set, optStrings(p.Pitches))
	add("leads", p.Leads.Set, optStrings(p.Leads))
	add("crm_lead_ids", p.CRMLeadIDs.Set, optObjectIDs(p.CRMLeadIDs))
	add("appraisals", p.Appraisals.Set, optStrings(p.Appraisals))
	add("credit_applications", p.CreditApplications.Set, optStrings(p.CreditApplications))
	add("preferences", p.Preferences.Set, optMap(p.Preferences))
	add("marketing", p.Marketing.Set, optMap(p.Marketing))
	if p.CarryoverDate.Set {
		if p.CarryoverDate.Null {
			add("carryover_date", true, nil)
		} else {
			add("carryover_date", true, p.CarryoverDate.Value)
		}
	}
	if p.ReportingPeriod.Set {
		if p.ReportingPeriod.Null {
			add("reporting_period", true, nil)
		} else {
			rp := NewReportingPeriod(p.ReportingPeriod.Value.Year, p.ReportingPeriod.Value.Month)
			add("reporting_period", true, bson.M{"year": rp.Year, "month": rp.Month, "quarter": rp.Quarter})
		}
	}
	if p.DMSDeal.Set {
		if p.DMSDeal.Null {
			add("dms_deal", true, bson.M{})
		} else {
			add("dms_deal", true, copyMap(bson.M(p.DMSDeal.Value)))
		}
	}
	if p.AccountingDeal.Valid() {
		add("accounting_deal", true, p.AccountingDeal.Value.Document())
	}
	if p.SalesDeal.Valid() {
		add("sales_deal", true, p.SalesDeal.Value.Document())
	}
	if p.Attachments.Set {
		docs := make([]interface{}, 0, len(p.Attachments.Value))
		for _, a := range p.Attachments.Value {
			docs = append(docs, a.document())
		}
		add("attachments", true, docs)
	}
	add("gocard_referral", p.GocardReferral.Set, optMap(p.GocardReferral))
	add("rdr_punch", p.RDRPunch.Set, optMap(p.RDRPunch))
	add("finance", p.Finance.Set, optMap(p.Finance))
	add("accounting", p.Accounting.Set, optMap(p.Accounting))
	add("extra_checklist", p.ExtraChecklist.Set, optMap(p.ExtraChecklist))
	add("alert_types", p.AlertTypes.Set, optStrings(p.AlertTypes))
	if p.TestDriveNumber.Valid() {
		add("test_drive_number", true, p.TestDriveNumber.Value)
	}
	if p.Updated.Valid() && !p.Updated.Value.IsZero() {
		add("updated", true, p.Updated.Value)
	}
	return out
}

// DocumentOverlay returns the document-space view of the patch: what each
// present field will hold once applied.
func (p *OpportunityPatch) DocumentOverlay() bson.M {
	overlay := bson.M{}
	for _, e := range p.presentFields() {
		overlay[e.name] = e.value
	}
	return overlay
}

// ApplyTo merges the patch into an opportunity: present fields replace,
// null fields reset, absent fields are untouched. The status_date_change
// and deal_number directives are interpreted by the transition engine and
// skipped here.
func (p *OpportunityPatch) ApplyTo(o *Opportunity) {
	setString := func(opt Optional[string], dst *string) {
		if opt.Set {
			if opt.Null {
				*dst = ""
			} else {
				*dst = opt.Value
			}
		}
	}
	setStrings := func(opt Optional[[]string], dst *[]string) {
		if opt.Set {
			if opt.Null {
				*dst = []string{}
			} else {
				*dst = append([]string{}, opt.Value...)
			}
		}
	}
	setMap := func(opt Optional[bson.M], dst *bson.M) {
		if opt.Set {
			if opt.Null {
				*dst = bson.M{}
			} else {
				*dst = copyMap(opt.Value)
			}
		}
	}

	setString(p.Name, &o.Name)
	setString(p.CustomerName, &o.CustomerName)
	setStrings(p.CustomerKeywords, &o.CustomerKeywords)
	if p.Status.Valid() {
		o.Status = CoerceStatus(p.Status.Value)
	}
	setString(p.SubStatus, &o.SubStatus)
	setString(p.LostReason, &o.LostReason)
	setString(p.Creator, &o.Creator)
	setString(p.StockType, &o.StockType)
	setString(p.PrimaryPitchID, &o.PrimaryPitchID)
	if p.DealerID.Valid() {
		o.DealerID = p.DealerID.Value
	}
	setString(p.DealerName, &o.DealerName)
	setStrings(p.SalesManagers, &o.SalesManagers)
	setStrings(p.SalesReps, &o.SalesReps)
	setStrings(p.CustomerReps, &o.CustomerReps)
	setStrings(p.BDCReps, &o.BDCReps)
	setStrings(p.FinanceManagers, &o.FinanceManagers)
	setStrings(p.Pitches, &o.Pitches)
	setStrings(p.Leads, &o.Leads)
	if p.CRMLeadIDs.Set {
		if p.CRMLeadIDs.Null {
			o.CRMLeadIDs = []primitive.ObjectID{}
		} else {
			o.CRMLeadIDs = append([]primitive.ObjectID{}, p.CRMLeadIDs.Value...)
		}
	}
	setStrings(p.Appraisals, &o.Appraisals)
	setStrings(p.CreditApplications, &o.CreditApplications)
	setMap(p.Preferences, &o.Preferences)
	setMap(p.Marketing, &o.Marketing)
	if p.CarryoverDate.Set {
		if p.CarryoverDate.Null {
			o.CarryoverDate = nil
		} else {
			d := p.CarryoverDate.Value
			o.CarryoverDate = &d
		}
	}
	if p.ReportingPeriod.Set {
		if p.ReportingPeriod.Null {
			o.ReportingPeriod = nil
		} else {
			o.ReportingPeriod = NewReportingPeriod(p.ReportingPeriod.Value.Year, p.ReportingPeriod.Value.Month)
		}
	}
	if p.DMSDeal.Set {
		if p.DMSDeal.Null {
			o.DMSDeal = DMSDeal{}
		} else {
			o.DMSDeal = p.DMSDeal.Value.Clone()
		}
	}
	if p.AccountingDeal.Valid() {
		o.AccountingDeal = p.AccountingDeal.Value.clone()
	}
	if p.SalesDeal.Valid() {
		o.SalesDeal = p.SalesDeal.Value.clone()
	}
	if p.Attachments.Set {
		o.Attachments = append([]Attachment{}, p.Attachments.Value...)
	}
	setMap(p.GocardReferral, &o.GocardReferral)
	setMap(p.RDRPunch, &o.RDRPunch)
	setMap(p.Finance, &o.Finance)
	setMap(p.Accounting, &o.Accounting)
	setMap(p.ExtraChecklist, &o.ExtraChecklist)
	setStrings(p.AlertTypes, &o.AlertTypes)
	if p.TestDriveNumber.Valid() {
		o.TestDriveNumber = p.TestDriveNumber.Value
	}
	if p.Updated.Valid() && !p.Updated.Value.IsZero() {
		o.Updated = p.Updated.Value
	}
}

func optString(o Optional[string]) interface{} {
	if o.Null {
		return ""
	}
	return o.Value
}

func optStrings(o Optional[[]string]) interface{} {
	if o.Null {
		return []interface{}{}
	}
	out := make([]interface{}, 0, len(o.Value))
	for _, s := range o.Value {
		out = append(out, s)
	}
	return out
}

func optObjectIDs(o Optional[[]primitive.ObjectID]) interface{} {
	if o.Null {
		return []interface{}{}
	}
	return copyObjectIDs(o.Value)
}

func optMap(o Optional[bson.M]) interface{} {
	if o.Null {
		return bson.M{}
	}
	return copyMap(o.Value)
}
