package main

import (
	"context"
	"flag"
	"log"

	"github.com/joho/godotenv"

	"github.com/dealerdesk/crm-backend/config"
	"github.com/dealerdesk/crm-backend/pkg/database"
	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
	"github.com/dealerdesk/crm-backend/pkg/testdata"
)

func main() {
	count := flag.Int("count", 500, "number of opportunities to generate")
	organization := flag.String("organization", "demo-org", "organization id to seed into")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()

	db, err := database.NewClient(cfg.MongoURI, cfg.MongoSecondaryURI, cfg.MongoDatabase)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	svc := opportunities.NewService(
		opportunities.NewStore(db), nil, nil, nil, nil, logger.New(cfg.LogLevel))

	ctx := context.Background()

	log.Println("🌱 Seeding sample opportunities...")

	if err := svc.EnsureIndexes(ctx); err != nil {
		log.Fatalf("Failed to ensure indexes: %v", err)
	}

	seeded, err := testdata.SeedOpportunities(ctx, svc, testdata.DefaultConfig(*organization, *count))
	if err != nil {
		log.Fatalf("Seeding failed after %d opportunities: %v", seeded, err)
	}

	log.Printf("✅ Seeded %d opportunities for %s", seeded, *organization)
}
