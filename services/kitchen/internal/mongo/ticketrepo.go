package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appetiteclub/kds/services/kitchen/internal/kitchen"
	"github.com/aquamarinepk/aqm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type TicketRepo struct {
	client     *mongo.Client
	db         *mongo.Database
	collection *mongo.Collection
	logger     aqm.Logger
	config     *aqm.Config
}

func NewTicketRepo(config *aqm.Config, logger aqm.Logger) *TicketRepo {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &TicketRepo{
		logger: logger,
		config: config,
	}
}

func (r *TicketRepo) Start(ctx context.Context) error {
	mongoURL := r.config.GetStringOrDef("db.mongo.url", "mongodb://localhost:27017")
	dbName := r.config.GetStringOrDef("db.mongo.name", "kds")

	clientOptions := options.Client().ApplyURI(mongoURL).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	r.client = client
	r.db = client.Database(dbName)
	r.collection = r.db.Collection("tickets")

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "branch", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "items.id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "branch", Value: 1}, {Key: "items.station", Value: 1}}},
		{Keys: bson.D{{Key: "branch", Value: 1}, {Key: "items.state", Value: 1}}},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("cannot create ticket indexes: %w", err)
	}

	r.logger.Infof("Connected to MongoDB: %s, database: %s, collection: tickets", mongoURL, dbName)
	return nil
}

func (r *TicketRepo) Stop(ctx context.Context) error {
	if r.client != nil {
		if err := r.client.Disconnect(ctx); err != nil {
			return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
		}
		r.logger.Info("Disconnected from MongoDB")
	}
	return nil
}

// GetDatabase returns the connected database, nil before Start.
func (r *TicketRepo) GetDatabase() *mongo.Database {
	return r.db
}

func (r *TicketRepo) Create(ctx context.Context, t *kitchen.Ticket) error {
	t.ModelVersion = 1

	_, err := r.collection.InsertOne(ctx, t)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", kitchen.ErrDuplicateTicket, t.ID)
		}
		return fmt.Errorf("cannot insert ticket: %w", err)
	}
	return nil
}

func (r *TicketRepo) Update(ctx context.Context, t *kitchen.Ticket) error {
	filter := bson.M{"_id": t.ID}
	update := bson.M{"$set": bson.M{
		"items":      t.Items,
		"updated_at": t.UpdatedAt,
	}}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("cannot update ticket: %w", err)
	}

	if result.MatchedCount == 0 {
		return kitchen.ErrTicketNotFound
	}

	return nil
}

func (r *TicketRepo) FindByID(ctx context.Context, id kitchen.TicketID) (*kitchen.Ticket, error) {
	return r.findOne(ctx, bson.M{"_id": id}, kitchen.ErrTicketNotFound)
}

func (r *TicketRepo) FindByItemID(ctx context.Context, id kitchen.ItemID) (*kitchen.Ticket, error) {
	return r.findOne(ctx, bson.M{"items.id": id}, kitchen.ErrItemNotFound)
}

func (r *TicketRepo) FindByIdempotencyKey(ctx context.Context, branch, key string) (*kitchen.Ticket, error) {
	t, err := r.findOne(ctx, bson.M{"branch": branch, "idempotency_key": key}, kitchen.ErrTicketNotFound)
	if errors.Is(err, kitchen.ErrTicketNotFound) {
		return nil, nil
	}
	return t, err
}

func (r *TicketRepo) findOne(ctx context.Context, filter bson.M, notFound error) (*kitchen.Ticket, error) {
	var ticket kitchen.Ticket
	err := r.collection.FindOne(ctx, filter).Decode(&ticket)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound
		}
		return nil, fmt.Errorf("cannot find ticket: %w", err)
	}
	return &ticket, nil
}

func (r *TicketRepo) List(ctx context.Context, filter kitchen.TicketFilter) ([]kitchen.Ticket, error) {
	query := listQuery(filter)

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}})

	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot find tickets: %w", err)
	}
	defer cursor.Close(ctx)

	var tickets []kitchen.Ticket
	if err := cursor.All(ctx, &tickets); err != nil {
		return nil, fmt.Errorf("cannot decode tickets: %w", err)
	}

	return tickets, nil
}

// listQuery builds the Mongo filter for a TicketFilter. Station and state
// must hold for the same item, hence $elemMatch.
func listQuery(filter kitchen.TicketFilter) bson.M {
	query := bson.M{}

	if filter.Branch != nil {
		query["branch"] = *filter.Branch
	}

	item := bson.M{}
	if filter.Station != nil {
		item["station"] = *filter.Station
	}
	if filter.State != nil {
		item["state"] = *filter.State
	}
	if len(item) > 0 {
		query["items"] = bson.M{"$elemMatch": item}
	}

	return query
}
