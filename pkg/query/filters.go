// Package query compiles filter specifications into store queries and
// implements keyset pagination over them. The produced query shapes are a
// wire contract: clients of the same collection rely on these exact
// predicates, so builders here change shape only deliberately.
package query

import (
	"strings"
	"time"

	"github.com/google/shlex"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

// CompileMode controls what an empty clause set compiles to.
type CompileMode int

const (
	// AllowMatchAll compiles an empty filter set to the match-all query.
	AllowMatchAll CompileMode = iota
	// RequireClauses rejects filter sets that resolve to no clauses.
	RequireClauses
)

// DateRange bounds a timestamp field. From is the inclusive lower bound,
// To the inclusive upper bound; either may be open.
type DateRange struct {
	From *time.Time `json:"date_from"`
	To   *time.Time `json:"date_to"`
}

func (r *DateRange) rangeClause() bson.M {
	m := bson.M{}
	if r.From != nil {
		m["$gte"] = *r.From
	}
	if r.To != nil {
		m["$lte"] = *r.To
	}
	return m
}

// ReportingPeriodFilter matches opportunities by reporting bucket. Each
// part present becomes its own equality clause.
type ReportingPeriodFilter struct {
	Year    *int `json:"year"`
	Month   *int `json:"month"`
	Quarter *int `json:"quarter"`
}

// Filters is the set of recognized opportunity filters. Nil slices and
// unset optionals mean "not filtered"; a present-but-empty list still
// compiles to a membership clause that matches nothing, which callers use
// deliberately.
type Filters struct {
	IDs          []primitive.ObjectID `json:"ids,omitempty"`
	Statuses     []models.Status      `json:"statuses,omitempty"`
	StatusDate   *DateRange           `json:"status_date,omitempty"`
	Assignees    []string             `json:"assignees,omitempty"`
	BDCAssignees []string             `json:"bdc_assignees,omitempty"`
	Created      *DateRange           `json:"created,omitempty"`
	Updated      *DateRange           `json:"updated,omitempty"`

	DealerIDs      []int                `json:"dealer_ids,omitempty"`
	OrganizationID string               `json:"organization_id,omitempty"`
	CustomerIDs    []primitive.ObjectID `json:"customer_ids,omitempty"`

	LeadSource    models.Optional[string] `json:"lead_source"`
	LeadChannel   models.Optional[string] `json:"lead_channel"`
	LeadDirection models.Optional[string] `json:"lead_direction"`
	SubStatus     models.Optional[string] `json:"sub_status"`
	Keywords      models.Optional[string] `json:"keywords"`
	AssignedToBDC models.Optional[bool]   `json:"assigned_to_bdc"`
	StockType     models.Optional[string] `json:"stock_type"`

	ReportingPeriod *ReportingPeriodFilter `json:"reporting_period,omitempty"`

	CreatedBy          []string             `json:"created_by,omitempty"`
	Pitches            []string             `json:"pitches,omitempty"`
	Leads              []string             `json:"leads,omitempty"`
	CRMLeadIDs         []primitive.ObjectID `json:"crm_lead_ids,omitempty"`
	CreditApplications []string             `json:"credit_applications,omitempty"`
}

// UnassignedSentinel in an assignee filter selects opportunities with no
// assignments instead of matching a member name.
const UnassignedSentinel = "unassigned"

type filterRule struct {
	name  string
	build func(f *Filters) []bson.M
}

// registry is the closed set of filter compilation rules, built once.
// Order here fixes clause order in the compiled query.
var registry = []filterRule{
	{"ids", func(f *Filters) []bson.M {
		if f.IDs == nil {
			return nil
		}
		return []bson.M{{"_id": bson.M{"$in": objectIDList(f.IDs)}}}
	}},
	{"statuses", func(f *Filters) []bson.M {
		if f.Statuses == nil {
			return nil
		}
		return []bson.M{{"status": bson.M{"$in": statusList(f.Statuses)}}}
	}},
	{"status_date", func(f *Filters) []bson.M {
		if f.StatusDate == nil {
			return nil
		}
		sub := make([]bson.M, 0, len(models.AllStatuses))
		for _, s := range models.AllStatuses {
			sub = append(sub, bson.M{
				"status": int(s),
				"last_status_change." + s.Key(): f.StatusDate.rangeClause(),
			})
		}
		return []bson.M{{"$or": sub}}
	}},
	{"assignees", func(f *Filters) []bson.M {
		if f.Assignees == nil {
			return nil
		}
		if contains(f.Assignees, UnassignedSentinel) {
			return []bson.M{{"$and": []bson.M{
				{"sales_reps": bson.M{"$size": 0}},
				{"customer_reps": bson.M{"$size": 0}},
				{"sales_managers": bson.M{"$size": 0}},
			}}}
		}
		members := stringList(f.Assignees)
		return []bson.M{{"$or": []bson.M{
			{"sales_managers": bson.M{"$in": members}},
			{"sales_reps": bson.M{"$in": members}},
			{"customer_reps": bson.M{"$in": members}},
			{"bdc_reps": bson.M{"$in": members}},
			{"finance_managers": bson.M{"$in": members}},
		}}}
	}},
	{"bdc_assignees", func(f *Filters) []bson.M {
		if f.BDCAssignees == nil {
			return nil
		}
		if contains(f.BDCAssignees, UnassignedSentinel) {
			return []bson.M{{"bdc_reps": bson.M{"$size": 0}}}
		}
		return []bson.M{{"bdc_reps": bson.M{"$in": stringList(f.BDCAssignees)}}}
	}},
	{"created", func(f *Filters) []bson.M {
		if f.Created == nil {
			return nil
		}
		return []bson.M{{"created": f.Created.rangeClause()}}
	}},
	{"updated", func(f *Filters) []bson.M {
		if f.Updated == nil {
			return nil
		}
		return []bson.M{{"updated": f.Updated.rangeClause()}}
	}},
	{"dealer_ids", func(f *Filters) []bson.M {
		if f.DealerIDs == nil {
			return nil
		}
		return []bson.M{{"dealer_id": bson.M{"$in": intList(f.DealerIDs)}}}
	}},
	{"organization_id", func(f *Filters) []bson.M {
		if f.OrganizationID == "" {
			return nil
		}
		return []bson.M{{"organization_id": f.OrganizationID}}
	}},
	{"customer_ids", func(f *Filters) []bson.M {
		if f.CustomerIDs == nil {
			return nil
		}
		return []bson.M{{"customer_id": bson.M{"$in": objectIDList(f.CustomerIDs)}}}
	}},
	{"lead_source", func(f *Filters) []bson.M {
		return marketingClause("lead_source", f.LeadSource)
	}},
	{"lead_channel", func(f *Filters) []bson.M {
		return marketingClause("lead_channel", f.LeadChannel)
	}},
	{"lead_direction", func(f *Filters) []bson.M {
		return marketingClause("lead_direction", f.LeadDirection)
	}},
	{"sub_status", func(f *Filters) []bson.M {
		if !f.SubStatus.Set {
			return nil
		}
		return []bson.M{{"sub_status": optValue(f.SubStatus)}}
	}},
	{"keywords", func(f *Filters) []bson.M {
		if !f.Keywords.Set || f.Keywords.Null {
			return nil
		}
		raw := f.Keywords.Value
		return []bson.M{{"$or": []bson.M{
			{"customer_keywords": bson.M{"$in": KeywordTerms(raw)}},
			{"dms_deal.deal_number": raw},
		}}}
	}},
	{"assigned_to_bdc", func(f *Filters) []bson.M {
		if !f.AssignedToBDC.Set || f.AssignedToBDC.Null {
			return nil
		}
		return []bson.M{{"bdc_reps.0": bson.M{"$exists": f.AssignedToBDC.Value}}}
	}},
	{"reporting_period", func(f *Filters) []bson.M {
		if f.ReportingPeriod == nil {
			return nil
		}
		var out []bson.M
		for _, part := range []struct {
			name  string
			value *int
		}{
			{"year", f.ReportingPeriod.Year},
			{"month", f.ReportingPeriod.Month},
			{"quarter", f.ReportingPeriod.Quarter},
		} {
			if part.value != nil {
				out = append(out, bson.M{"reporting_period." + part.name: *part.value})
			}
		}
		return out
	}},
	{"stock_type", func(f *Filters) []bson.M {
		if !f.StockType.Set {
			return nil
		}
		return []bson.M{{"stock_type": optValue(f.StockType)}}
	}},
	{"created_by", func(f *Filters) []bson.M {
		if f.CreatedBy == nil {
			return nil
		}
		return []bson.M{{"creator": bson.M{"$in": stringList(f.CreatedBy)}}}
	}},
	{"pitches", func(f *Filters) []bson.M {
		if f.Pitches == nil {
			return nil
		}
		return []bson.M{{"pitches": bson.M{"$in": stringList(f.Pitches)}}}
	}},
	{"leads", func(f *Filters) []bson.M {
		if f.Leads == nil {
			return nil
		}
		if len(f.Leads) == 0 {
			return []bson.M{{"leads": bson.M{"$eq": bson.A{}}}}
		}
		return []bson.M{{"leads": bson.M{"$in": stringList(f.Leads)}}}
	}},
	{"crm_lead_ids", func(f *Filters) []bson.M {
		if f.CRMLeadIDs == nil {
			return nil
		}
		return []bson.M{{"crm_lead_ids": bson.M{"$in": objectIDList(f.CRMLeadIDs)}}}
	}},
	{"credit_applications", func(f *Filters) []bson.M {
		if f.CreditApplications == nil {
			return nil
		}
		return []bson.M{{"credit_applications": bson.M{"$in": stringList(f.CreditApplications)}}}
	}},
}

// Clauses resolves every filter into its query clauses in registry order.
func Clauses(f *Filters) []bson.M {
	if f == nil {
		return nil
	}
	var out []bson.M
	for _, rule := range registry {
		out = append(out, rule.build(f)...)
	}
	return out
}

// Compile builds the conjunction query for the filter set. With no
// resolvable clauses the result depends on mode: match-all, or an invalid
// query error for call sites that must never scan the whole collection.
func Compile(f *Filters, mode CompileMode) (bson.M, error) {
	clauses := Clauses(f)
	if len(clauses) == 0 {
		if mode == RequireClauses {
			return nil, domain.NewInvalidQueryError("filters resolved to no query clauses")
		}
		return bson.M{}, nil
	}
	return bson.M{"$and": clauses}, nil
}

// KeywordTerms tokenizes a keyword search string into case-insensitive
// match terms. Quoting follows shell rules; input the tokenizer cannot
// handle (an unescaped apostrophe, say) falls back to a plain whitespace
// split.
func KeywordTerms(raw string) bson.A {
	tokens, err := shlex.Split(raw)
	if err != nil {
		tokens = strings.Split(raw, " ")
	}
	terms := make(bson.A, 0, len(tokens))
	for _, t := range tokens {
		terms = append(terms, primitive.Regex{Pattern: t, Options: "i"})
	}
	return terms
}

func marketingClause(key string, opt models.Optional[string]) []bson.M {
	if !opt.Set {
		return nil
	}
	return []bson.M{{"marketing." + key: optValue(opt)}}
}

func optValue(opt models.Optional[string]) interface{} {
	if opt.Null {
		return nil
	}
	return opt.Value
}

func contains(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}

func objectIDList(in []primitive.ObjectID) bson.A {
	out := make(bson.A, 0, len(in))
	for _, id := range in {
		out = append(out, id)
	}
	return out
}

func statusList(in []models.Status) bson.A {
	out := make(bson.A, 0, len(in))
	for _, s := range in {
		out = append(out, int(s))
	}
	return out
}

func stringList(in []string) bson.A {
	out := make(bson.A, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func intList(in []int) bson.A {
	out := make(bson.A, 0, len(in))
	for _, n := range in {
		out = append(out, n)
	}
	return out
}
