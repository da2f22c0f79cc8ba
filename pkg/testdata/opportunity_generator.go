package testdata

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/dealerdesk/crm-backend/pkg/models"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
)

// OpportunityGeneratorConfig configures opportunity generation parameters
type OpportunityGeneratorConfig struct {
	OrganizationID string
	DealerIDs      []int
	Count          int
	ClosedShare    float64 // 0.0-1.0 (share of opportunities in a terminal status)
	AssignChance   float64 // probability of assigned sales reps
	BDCChance      float64
	DealChance     float64 // probability of an open opportunity carrying a DMS deal
	CompanyChance  float64 // probability of a company buyer instead of a person
}

// DealerNames maps dealer ids to display names for generated data.
var DealerNames = map[int]string{
	10: "Sunset Motors",
	11: "Harbor View Auto",
	12: "Northgate Chevrolet",
	13: "Lakeside Ford",
	14: "Metro Honda",
	15: "Summit Toyota",
	16: "Riverbend CDJR",
	17: "Eastline Subaru",
}

var leadChannels = map[string][]string{
	"web":   {"dealer website", "autotrader", "cars.com", "carfax", "facebook marketplace"},
	"phone": {"sales line", "service transfer", "bdc callback"},
	"walk":  {"walk-in", "be-back", "service drive"},
	"chat":  {"website chat", "sms"},
}

var leadDirections = []string{"inbound", "outbound"}

var subStatuses = []string{
	"", "appointment set", "appointment shown", "demo drive",
	"write up", "finance turnover", "waiting on docs", "spot delivery",
}

var lostReasons = []string{
	"bought elsewhere", "credit declined", "no response",
	"trade value", "payment too high", "vehicle unavailable",
}

var vehicleColors = []string{"black", "white", "silver", "gray", "blue", "red"}

// GenerateRepName creates a short username the way the dealership CRM
// records assignees.
func GenerateRepName() string {
	first := strings.ToLower(gofakeit.FirstName())
	last := strings.ToLower(gofakeit.LastName())
	return first[:1] + last
}

// GenerateDealNumber creates a plausible DMS deal number.
func GenerateDealNumber() string {
	return fmt.Sprintf("D%05d", rand.Intn(100000))
}

// GenerateOpportunity creates a single opportunity create input with
// realistic data.
func GenerateOpportunity(config OpportunityGeneratorConfig) *opportunities.CreateInput {
	dealerID := config.DealerIDs[rand.Intn(len(config.DealerIDs))]

	in := &opportunities.CreateInput{
		OrganizationID: config.OrganizationID,
		DealerID:       dealerID,
	}

	// Buyer
	customerName := gofakeit.Name()
	if rand.Float64() < config.CompanyChance {
		customerName = gofakeit.Company()
	}
	in.CustomerName = models.Some(customerName)
	if name, ok := DealerNames[dealerID]; ok {
		in.DealerName = models.Some(name)
	}
	in.Creator = models.Some(GenerateRepName())

	// Marketing attribution
	direction := leadDirections[rand.Intn(len(leadDirections))]
	channels := make([]string, 0, len(leadChannels))
	for ch := range leadChannels {
		channels = append(channels, ch)
	}
	channel := channels[rand.Intn(len(channels))]
	sources := leadChannels[channel]
	marketing := models.DefaultMarketing()
	marketing["lead_direction"] = direction
	marketing["lead_channel"] = channel
	marketing["lead_source"] = sources[rand.Intn(len(sources))]
	in.Marketing = models.Some(marketing)

	// Status mix
	status := models.OpenStatuses[rand.Intn(len(models.OpenStatuses))]
	if rand.Float64() < config.ClosedShare {
		status = models.ClosedStatuses[rand.Intn(len(models.ClosedStatuses))]
	}
	if status != models.StatusFresh {
		in.Status = models.Some(float64(status))
	}
	if status == models.StatusLost {
		in.LostReason = models.Some(lostReasons[rand.Intn(len(lostReasons))])
	}
	if sub := subStatuses[rand.Intn(len(subStatuses))]; sub != "" && status != models.StatusFresh {
		in.SubStatus = models.Some(sub)
	}

	// Assignments
	if rand.Float64() < config.AssignChance {
		in.SalesReps = models.Some([]string{GenerateRepName()})
		in.SalesManagers = models.Some([]string{GenerateRepName()})
	}
	if rand.Float64() < config.BDCChance {
		in.BDCReps = models.Some([]string{GenerateRepName()})
	}

	// Completed deals always carry a DMS deal; open ones sometimes do
	hasDeal := rand.Float64() < config.DealChance
	for _, s := range models.CompletedStatuses {
		if status == s {
			hasDeal = true
		}
	}
	if hasDeal {
		dealType := models.StockTypeNew
		if rand.Float64() < 0.5 {
			dealType = models.StockTypeUsed
		}
		in.DMSDeal = models.Some(models.DMSDeal{
			"deal_number": GenerateDealNumber(),
			"deal_type":   dealType,
			"total_gross": float64(rand.Intn(6000) + 500),
		})
		in.StockType = models.Some(dealType)
	}

	// Vehicle preferences
	prefs := models.DefaultPreferences()
	prefs["vehicle_color"] = []string{vehicleColors[rand.Intn(len(vehicleColors))]}
	in.Preferences = models.Some(prefs)

	return in
}

// GenerateOpportunities creates multiple opportunity inputs with the given
// config.
func GenerateOpportunities(config OpportunityGeneratorConfig) []*opportunities.CreateInput {
	inputs := make([]*opportunities.CreateInput, config.Count)
	for i := 0; i < config.Count; i++ {
		inputs[i] = GenerateOpportunity(config)
	}
	return inputs
}

// DefaultConfig returns a generation config with a realistic showroom mix.
func DefaultConfig(organizationID string, count int) OpportunityGeneratorConfig {
	dealerIDs := make([]int, 0, len(DealerNames))
	for id := range DealerNames {
		dealerIDs = append(dealerIDs, id)
	}
	return OpportunityGeneratorConfig{
		OrganizationID: organizationID,
		DealerIDs:      dealerIDs,
		Count:          count,
		ClosedShare:    0.45,
		AssignChance:   0.8,
		BDCChance:      0.35,
		DealChance:     0.25,
		CompanyChance:  0.1,
	}
}

// SeedOpportunities inserts generated opportunities through the service so
// creation defaults, stamps and keywords are produced the same way live
// traffic produces them.
func SeedOpportunities(ctx context.Context, svc *opportunities.Service, config OpportunityGeneratorConfig) (int, error) {
	inserted := 0
	for _, in := range GenerateOpportunities(config) {
		if _, err := svc.Create(ctx, in); err != nil {
			return inserted, fmt.Errorf("failed to seed opportunity %d: %w", inserted, err)
		}
		inserted++
	}
	return inserted, nil
}
