// Package opportunities implements persistence, querying and the status
// transition rules for sales opportunities.
package opportunities

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dealerdesk/crm-backend/pkg/database"
	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

const collectionName = "opportunities"

// FindOptions shape a store read.
type FindOptions struct {
	Sort      bson.D
	Skip      int64
	Limit     int64
	Secondary bool
}

// Store is the persistence boundary for opportunities. Writes always land
// on the primary; reads may opt into secondary-preferred routing.
type Store interface {
	Insert(ctx context.Context, o *models.Opportunity) error
	FindByID(ctx context.Context, id primitive.ObjectID) (*models.Opportunity, error)
	FindOne(ctx context.Context, filter bson.M, opts FindOptions) (*models.Opportunity, error)
	Find(ctx context.Context, filter bson.M, opts FindOptions) ([]*models.Opportunity, error)
	Count(ctx context.Context, filter bson.M) (int64, error)
	Replace(ctx context.Context, o *models.Opportunity) error
	Delete(ctx context.Context, id primitive.ObjectID) error
	UpdateMany(ctx context.Context, filter bson.M, set bson.M) (int64, error)
	Aggregate(ctx context.Context, pipeline []bson.M, secondary bool) ([]bson.M, error)
	EnsureIndexes(ctx context.Context) error
}

type mongoStore struct {
	primary   *mongo.Collection
	secondary *mongo.Collection
}

// NewStore builds the document store backed by MongoDB.
func NewStore(db *database.Client) Store {
	return &mongoStore{
		primary:   db.Collection(collectionName),
		secondary: db.SecondaryCollection(collectionName),
	}
}

func (s *mongoStore) reader(secondary bool) *mongo.Collection {
	if secondary {
		return s.secondary
	}
	return s.primary
}

func (s *mongoStore) Insert(ctx context.Context, o *models.Opportunity) error {
	if _, err := s.primary.InsertOne(ctx, o.Document()); err != nil {
		return fmt.Errorf("inserting opportunity: %w", err)
	}
	return nil
}

func (s *mongoStore) FindByID(ctx context.Context, id primitive.ObjectID) (*models.Opportunity, error) {
	return s.FindOne(ctx, bson.M{"_id": id}, FindOptions{})
}

func (s *mongoStore) FindOne(ctx context.Context, filter bson.M, opts FindOptions) (*models.Opportunity, error) {
	findOpts := options.FindOne()
	if opts.Sort != nil {
		findOpts.SetSort(opts.Sort)
	}

	var o models.Opportunity
	err := s.reader(opts.Secondary).FindOne(ctx, filter, findOpts).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.NewNotFoundError("opportunity")
	}
	if err != nil {
		return nil, fmt.Errorf("finding opportunity: %w", err)
	}
	return &o, nil
}

func (s *mongoStore) Find(ctx context.Context, filter bson.M, opts FindOptions) ([]*models.Opportunity, error) {
	findOpts := options.Find()
	if opts.Sort != nil {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	cur, err := s.reader(opts.Secondary).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("querying opportunities: %w", err)
	}
	defer cur.Close(ctx)

	var out []*models.Opportunity
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding opportunities: %w", err)
	}
	return out, nil
}

func (s *mongoStore) Count(ctx context.Context, filter bson.M) (int64, error) {
	n, err := s.secondary.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("counting opportunities: %w", err)
	}
	return n, nil
}

func (s *mongoStore) Replace(ctx context.Context, o *models.Opportunity) error {
	res, err := s.primary.ReplaceOne(ctx, bson.M{"_id": o.ID}, o.Document())
	if err != nil {
		return fmt.Errorf("replacing opportunity: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.NewNotFoundError("opportunity")
	}
	return nil
}

func (s *mongoStore) Delete(ctx context.Context, id primitive.ObjectID) error {
	res, err := s.primary.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("deleting opportunity: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.NewNotFoundError("opportunity")
	}
	return nil
}

func (s *mongoStore) UpdateMany(ctx context.Context, filter bson.M, set bson.M) (int64, error) {
	res, err := s.primary.UpdateMany(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return 0, fmt.Errorf("updating opportunities: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *mongoStore) Aggregate(ctx context.Context, pipeline []bson.M, secondary bool) ([]bson.M, error) {
	cur, err := s.reader(secondary).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregating opportunities: %w", err)
	}
	defer cur.Close(ctx)

	var out []bson.M
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding aggregation results: %w", err)
	}
	return out, nil
}

// EnsureIndexes rebuilds the collection's search indexes: a text index
// over customer keywords and deal numbers, and a plain index on the deal
// number for exact lookups.
func (s *mongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.primary.Indexes().DropAll(ctx); err != nil {
		return fmt.Errorf("dropping indexes: %w", err)
	}

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "customer_keywords", Value: "text"},
				{Key: "dms_deal.deal_number", Value: "text"},
			},
		},
		{
			Keys: bson.D{{Key: "dms_deal.deal_number", Value: 1}},
		},
	}
	if _, err := s.primary.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("creating indexes: %w", err)
	}
	return nil
}
