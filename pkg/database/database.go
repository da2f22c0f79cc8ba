package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Client holds the document store connections. Reads that tolerate
// replication lag go through the secondary client; everything else uses
// the primary.
type Client struct {
	Primary   *mongo.Client
	Secondary *mongo.Client
	database  string
}

// NewClient connects to the document store. secondaryURI may be empty, in
// which case secondary-preferred reads run on the primary connection.
func NewClient(uri, secondaryURI, database string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	primary, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed connecting to mongodb: %w", err)
	}
	if err := primary.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed pinging mongodb: %w", err)
	}

	secondary := primary
	if secondaryURI != "" && secondaryURI != uri {
		secondary, err = mongo.Connect(ctx, options.Client().
			ApplyURI(secondaryURI).
			SetReadPreference(readpref.SecondaryPreferred()))
		if err != nil {
			return nil, fmt.Errorf("failed connecting to mongodb secondary: %w", err)
		}
	}

	log.Println("✅ MongoDB connected")

	return &Client{
		Primary:   primary,
		Secondary: secondary,
		database:  database,
	}, nil
}

// Close disconnects both clients.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.Secondary != c.Primary {
		if err := c.Secondary.Disconnect(ctx); err != nil {
			return err
		}
	}
	return c.Primary.Disconnect(ctx)
}

// Ping checks if the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.Primary.Ping(ctx, readpref.Primary())
}

// Collection returns a collection on the primary connection.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.Primary.Database(c.database).Collection(name)
}

// SecondaryCollection returns a collection whose reads prefer secondaries.
func (c *Client) SecondaryCollection(name string) *mongo.Collection {
	return c.Secondary.Database(c.database).Collection(name,
		options.Collection().SetReadPreference(readpref.SecondaryPreferred()))
}
