package opportunities

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/models"
	"github.com/dealerdesk/crm-backend/pkg/query"
)

// Report aggregations always run against the secondary and tolerate an
// empty filter set: an organization-wide rollup is a legitimate report.

func statusInts(statuses []models.Status) bson.A {
	out := make(bson.A, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, int(s))
	}
	return out
}

func statusEq(s models.Status) bson.M {
	return bson.M{"$eq": bson.A{"$status", int(s)}}
}

func condCount(cond interface{}) bson.M {
	return bson.M{"$cond": bson.A{cond, 1, 0}}
}

func (s *Service) reportMatch(f *query.Filters) (bson.M, error) {
	compiled, err := query.Compile(f, query.AllowMatchAll)
	if err != nil {
		return nil, err
	}
	return bson.M{"$match": compiled}, nil
}

func (s *Service) runReport(ctx context.Context, f *query.Filters, build func(match bson.M) []bson.M) ([]bson.M, error) {
	match, err := s.reportMatch(f)
	if err != nil {
		return nil, err
	}
	return s.store.Aggregate(ctx, build(match), true)
}

// marketingChannels are the direction/channel pairs broken out by the
// dealer summary report.
var marketingChannels = []struct {
	name      string
	direction string
	channel   string
}{
	{"inbound_web", "inbound", "web"},
	{"inbound_phone", "inbound", "phone"},
	{"inbound_walk", "inbound", "walk"},
	{"inbound_chat", "inbound", "chat"},
	{"inbound_sms", "inbound", "sms"},
	{"inbound_email", "inbound", "email"},
	{"inbound_event", "inbound", "event"},
	{"inbound_social", "inbound", "social"},
	{"inbound_service", "inbound", "service"},
	{"outbound_phone", "outbound", "phone"},
	{"outbound_sms", "outbound", "sms"},
	{"outbound_email", "outbound", "email"},
}

func dealerSummaryPipeline(organizationID string, dealerIDs []int, from, to time.Time, now time.Time) []bson.M {
	endDate := to
	if endDate.IsZero() {
		endDate = now
	}
	endDate = endDate.Add(24 * time.Hour)

	closedFilter := bson.M{"$and": bson.A{
		bson.M{"status": bson.M{"$in": statusInts(models.ClosedStatuses)}},
		bson.M{"created": bson.M{"$gte": from, "$lt": endDate}},
	}}

	createdConds := bson.A{
		bson.M{"$gte": bson.A{"$created", from}},
		bson.M{"$lt": bson.A{"$created", endDate}},
	}

	// On the month-to-date view open opportunities always count: anything
	// still open has carried over into the current month.
	carryoverValue := 0
	statusOr := bson.A{closedFilter}
	if from.Month() == now.Month() && from.Year() == now.Year() {
		carryoverValue = 1
		statusOr = append(statusOr, bson.M{"status": bson.M{"$in": statusInts(models.OpenStatuses)}})
	}

	dealers := make(bson.A, 0, len(dealerIDs))
	for _, id := range dealerIDs {
		dealers = append(dealers, id)
	}

	match := bson.M{"$match": bson.M{"$and": bson.A{
		bson.M{"organization_id": organizationID},
		bson.M{"dealer_id": bson.M{"$in": dealers}},
		bson.M{"$or": statusOr},
	}}}

	isOpen := bson.M{"$setIsSubset": bson.A{bson.A{"$status"}, statusInts(models.OpenStatuses)}}
	isUnassigned := bson.M{"$and": bson.A{
		isOpen,
		bson.M{"$eq": bson.A{bson.M{"$size": "$sales_reps"}, 0}},
		bson.M{"$eq": bson.A{bson.M{"$size": "$customer_reps"}, 0}},
		bson.M{"$eq": bson.A{bson.M{"$size": "$sales_managers"}, 0}},
	}}

	projectFields := bson.M{
		"dealer_id":      1,
		"is_open":        condCount(isOpen),
		"is_carryover":   bson.M{"$cond": bson.A{bson.M{"$lt": bson.A{"$created", from}}, carryoverValue, 0}},
		"is_unassigned":  condCount(isUnassigned),
		"is_this_period": condCount(bson.M{"$and": createdConds}),
	}
	groupFields := bson.M{
		"_id":                 bson.M{"dealer_id": "$dealer_id"},
		"opportunity_ids":     bson.M{"$addToSet": "$_id"},
		"total_opportunities": bson.M{"$sum": 1},
		"total_open":          bson.M{"$sum": "$is_open"},
		"total_carryover":     bson.M{"$sum": "$is_carryover"},
		"total_this_period":   bson.M{"$sum": "$is_this_period"},
		"total_unassigned":    bson.M{"$sum": "$is_unassigned"},
	}
	for _, c := range marketingChannels {
		conds := bson.A{
			bson.M{"$eq": bson.A{"$marketing.lead_direction", c.direction}},
			bson.M{"$eq": bson.A{"$marketing.lead_channel", c.channel}},
		}
		conds = append(conds, createdConds...)
		projectFields[c.name] = condCount(bson.M{"$and": conds})
		groupFields["total_"+c.name] = bson.M{"$sum": "$" + c.name}
	}

	return []bson.M{match, {"$project": projectFields}, {"$group": groupFields}}
}

// DealerSummaryReport rolls up opportunity volume, carryover and lead
// channel mix per dealer over a created-date window.
func (s *Service) DealerSummaryReport(ctx context.Context, organizationID string, dealerIDs []int, created query.DateRange) ([]bson.M, error) {
	if created.From == nil {
		return nil, domain.NewValidationError("created date_from is required")
	}
	to := time.Time{}
	if created.To != nil {
		to = *created.To
	}
	pipeline := dealerSummaryPipeline(organizationID, dealerIDs, *created.From, to, time.Now().UTC())
	return s.store.Aggregate(ctx, pipeline, true)
}

// AssigneesReport returns the distinct set of members assigned to any
// matching opportunity.
func (s *Service) AssigneesReport(ctx context.Context, f *query.Filters) ([]bson.M, error) {
	return s.runReport(ctx, f, func(match bson.M) []bson.M {
		return []bson.M{
			match,
			{"$project": bson.M{
				"assignees": bson.M{"$setUnion": bson.A{
					"$sales_reps", "$sales_managers", "$bdc_reps", "$finance_managers", "$customer_reps",
				}},
			}},
			{"$unwind": bson.M{"path": "$assignees"}},
			{"$group": bson.M{"_id": nil, "assignees": bson.M{"$addToSet": "$assignees"}}},
		}
	})
}

// SalesFunnelReport counts matching opportunities per status stage and sums
// total gross, grouped by dealer.
func (s *Service) SalesFunnelReport(ctx context.Context, f *query.Filters) ([]bson.M, error) {
	stages := []struct {
		name   string
		status models.Status
	}{
		{"is_fresh", models.StatusFresh},
		{"is_desk", models.StatusDesk},
		{"is_fi", models.StatusFI},
		{"is_posted", models.StatusPosted},
		{"is_delivered", models.StatusDelivered},
		{"is_lost", models.StatusLost},
		{"is_pending", models.StatusPending},
		{"is_approved", models.StatusApproved},
		{"is_signed", models.StatusSigned},
		{"is_tubed", models.StatusTubed},
		{"is_carryover", models.StatusCarryover},
	}

	return s.runReport(ctx, f, func(match bson.M) []bson.M {
		project := bson.M{
			"dealer_id":   1,
			"total_gross": bson.M{"$ifNull": bson.A{"$dms_deal.total_gross", 0}},
		}
		group := bson.M{
			"_id":                 bson.M{"dealer_id": "$dealer_id"},
			"total_opportunities": bson.M{"$sum": 1},
			"total_gross":         bson.M{"$sum": "$total_gross"},
		}
		for _, st := range stages {
			project[st.name] = condCount(statusEq(st.status))
			group["total_"+st.name[len("is_"):]] = bson.M{"$sum": "$" + st.name}
		}
		return []bson.M{match, {"$project": project}, {"$group": group}}
	})
}

// DeallogRecapReport splits matching opportunities into done versus
// delivered and sums the gross figures, grouped by dealer.
func (s *Service) DeallogRecapReport(ctx context.Context, f *query.Filters) ([]bson.M, error) {
	return s.runReport(ctx, f, func(match bson.M) []bson.M {
		return []bson.M{
			match,
			{"$project": bson.M{
				"dealer_id":      1,
				"is_done":        condCount(bson.M{"$and": bson.A{bson.M{"$ne": bson.A{"$status", int(models.StatusDelivered)}}}}),
				"is_delivered":   condCount(bson.M{"$and": bson.A{statusEq(models.StatusDelivered)}}),
				"frontend_gross": bson.M{"$ifNull": bson.A{"$dms_deal.frontend_gross", 0}},
				"backend_gross":  bson.M{"$ifNull": bson.A{"$dms_deal.backend_gross", 0}},
				"total_gross":    bson.M{"$ifNull": bson.A{"$dms_deal.total_gross", 0}},
			}},
			{"$group": bson.M{
				"_id":                  bson.M{"dealer_id": "$dealer_id"},
				"opportunity_ids":      bson.M{"$addToSet": "$_id"},
				"total_opportunities":  bson.M{"$sum": 1},
				"total_deal_done":      bson.M{"$sum": "$is_done"},
				"total_deal_delivered": bson.M{"$sum": "$is_delivered"},
				"total_gross":          bson.M{"$sum": "$total_gross"},
				"total_frontgross":     bson.M{"$sum": "$frontend_gross"},
				"total_endgross":       bson.M{"$sum": "$backend_gross"},
			}},
		}
	})
}

// DailyOperationsReport groups matching opportunities by dealer and deal
// type, splitting pending from sold.
func (s *Service) DailyOperationsReport(ctx context.Context, f *query.Filters) ([]bson.M, error) {
	return s.runReport(ctx, f, func(match bson.M) []bson.M {
		return []bson.M{
			match,
			{"$project": bson.M{
				"dealer_id": 1,
				"deal_type": bson.M{"$ifNull": bson.A{"$dms_deal.deal_type", "Unknown"}},
				"is_pending": condCount(bson.M{"$or": bson.A{
					statusEq(models.StatusApproved),
					statusEq(models.StatusPending),
					statusEq(models.StatusSigned),
				}}),
				"is_sold": condCount(bson.M{"$or": bson.A{
					statusEq(models.StatusDelivered),
					statusEq(models.StatusPosted),
				}}),
				"total_gross": bson.M{"$ifNull": bson.A{"$dms_deal.total_gross", 0}},
			}},
			{"$group": bson.M{
				"_id":                         bson.M{"dealer_id": "$dealer_id", "deal_type": "$deal_type"},
				"total_opportunities":         bson.M{"$sum": 1},
				"total_pending_for_deal_type": bson.M{"$sum": "$is_pending"},
				"total_sold_for_deal_type":    bson.M{"$sum": "$is_sold"},
				"total_gross_for_deal_type":   bson.M{"$sum": "$total_gross"},
			}},
		}
	})
}

// H2HLeadsReport counts matching opportunities per BDC rep, breaking out
// inbound service leads.
func (s *Service) H2HLeadsReport(ctx context.Context, f *query.Filters) ([]bson.M, error) {
	return s.runReport(ctx, f, func(match bson.M) []bson.M {
		return []bson.M{
			match,
			{"$project": bson.M{
				"_id":      1,
				"bdc_reps": 1,
				"inbound_service": condCount(bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$marketing.lead_direction", "inbound"}},
					bson.M{"$eq": bson.A{"$marketing.lead_channel", "service"}},
				}}),
			}},
			{"$unwind": bson.M{"path": "$bdc_reps"}},
			{"$group": bson.M{
				"_id":                 bson.M{"bdc_rep": "$bdc_reps"},
				"total_opportunities": bson.M{"$sum": 1},
				"inbound_service":     bson.M{"$sum": "$inbound_service"},
			}},
		}
	})
}

// H2HDeliveredReport credits BDC reps with full or half sales per delivered
// and posted opportunity. A sale shared between reps counts as a half for
// each.
func (s *Service) H2HDeliveredReport(ctx context.Context, f *query.Filters) ([]bson.M, error) {
	saleCond := func(sizeOp string, status models.Status) bson.M {
		return condCount(bson.M{"$and": bson.A{
			bson.M{sizeOp: bson.A{bson.M{"$size": "$bdc_reps"}, 1}},
			statusEq(status),
		}})
	}

	return s.runReport(ctx, f, func(match bson.M) []bson.M {
		return []bson.M{
			match,
			{"$project": bson.M{
				"_id":                 1,
				"bdc_reps":            1,
				"full_sale_delivered": saleCond("$eq", models.StatusDelivered),
				"half_sale_delivered": saleCond("$gt", models.StatusDelivered),
				"full_sale_posted":    saleCond("$eq", models.StatusPosted),
				"half_sale_posted":    saleCond("$gt", models.StatusPosted),
			}},
			{"$unwind": bson.M{"path": "$bdc_reps"}},
			{"$group": bson.M{
				"_id":                 bson.M{"bdc_rep": "$bdc_reps"},
				"full_sale_delivered": bson.M{"$sum": "$full_sale_delivered"},
				"half_sale_delivered": bson.M{"$sum": "$half_sale_delivered"},
				"full_sale_posted":    bson.M{"$sum": "$full_sale_posted"},
				"half_sale_posted":    bson.M{"$sum": "$half_sale_posted"},
			}},
		}
	})
}

// DealershipStatusReport rolls up lead channel counts, completions and
// credit application activity per dealer.
func (s *Service) DealershipStatusReport(ctx context.Context, f *query.Filters) ([]bson.M, error) {
	channelCond := func(channel string) bson.M {
		return condCount(bson.M{"$eq": bson.A{"$marketing.lead_channel", channel}})
	}

	return s.runReport(ctx, f, func(match bson.M) []bson.M {
		return []bson.M{
			match,
			{"$project": bson.M{
				"dealer_id":           1,
				"credit_applications": 1,
				"chat":                channelCond("chat"),
				"phone":               channelCond("phone"),
				"email":               channelCond("email"),
				"sms":                 channelCond("sms"),
				"completed": condCount(bson.M{
					"$setIsSubset": bson.A{bson.A{"$status"}, statusInts(models.CompletedStatuses)},
				}),
			}},
			{"$group": bson.M{
				"_id":                 bson.M{"dealer_id": "$dealer_id"},
				"opportunity_ids":     bson.M{"$addToSet": "$_id"},
				"credit_applications": bson.M{"$addToSet": "$credit_applications"},
				"total_chat":          bson.M{"$sum": "$chat"},
				"total_phone":         bson.M{"$sum": "$phone"},
				"total_email":         bson.M{"$sum": "$email"},
				"total_sms":           bson.M{"$sum": "$sms"},
				"total_completed":     bson.M{"$sum": "$completed"},
				"total_count":         bson.M{"$sum": 1},
			}},
		}
	})
}

// EmployeeReport measures, per creator, how many of their opportunities
// have customer contact info on file. Legacy imports stored the string
// "None" for missing phones, so both null and that literal are excluded.
func (s *Service) EmployeeReport(ctx context.Context, f *query.Filters) ([]bson.M, error) {
	boolCount := func(field string) bson.M {
		return bson.M{"$cond": bson.M{
			"if":   bson.M{"$gt": bson.A{field, 0}},
			"then": 1,
			"else": 0,
		}}
	}

	return s.runReport(ctx, f, func(match bson.M) []bson.M {
		return []bson.M{
			match,
			{"$lookup": bson.M{
				"from":         "customer",
				"localField":   "customer_id",
				"foreignField": "_id",
				"as":           "customer",
			}},
			{"$project": bson.M{
				"creator": 1,
				"customer_phones": bson.M{"$size": bson.M{"$filter": bson.M{
					"input": bson.A{"$customer.cell_phone", "$customer.work_phone", "$customer.home_phone", "$customer.phone"},
					"as":    "phone",
					"cond": bson.M{"$and": bson.A{
						bson.M{"$ne": bson.A{"$$phone", bson.A{nil}}},
						bson.M{"$ne": bson.A{"$$phone", bson.A{"None"}}},
					}},
				}}},
				"customer_emails": bson.M{"$size": bson.M{"$filter": bson.M{
					"input": "$customer.emails",
					"as":    "email",
					"cond": bson.M{"$and": bson.A{
						bson.M{"$ne": bson.A{"$$email", bson.A{}}},
						bson.M{"$ne": bson.A{"$$email", bson.A{nil}}},
					}},
				}}},
			}},
			{"$project": bson.M{
				"creator":         1,
				"customer_phones": boolCount("$customer_phones"),
				"customer_emails": boolCount("$customer_emails"),
			}},
			{"$group": bson.M{
				"_id":             bson.M{"creator": "$creator"},
				"customer_phones": bson.M{"$sum": "$customer_phones"},
				"customer_emails": bson.M{"$sum": "$customer_emails"},
				"customer_phones_and_emails": bson.M{"$sum": bson.M{
					"$min": bson.A{"$customer_phones", "$customer_emails"},
				}},
				"opportunities": bson.M{"$sum": 1},
			}},
		}
	})
}
