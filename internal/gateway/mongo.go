package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"waresync/internal/models"
)

// MongoGateway is the document-store adapter. Real-time subscriptions ride on
// collection change streams, which require a replica-set deployment; the
// atomic stock procedures are deliberately not implemented here, so the sync
// services use their explicit sequential fallback against this flavor.
type MongoGateway struct {
	db  *mongo.Database
	log *zap.Logger
}

func NewMongoGateway(db *mongo.Database, log *zap.Logger) *MongoGateway {
	return &MongoGateway{db: db, log: log}
}

func (g *MongoGateway) Ping(ctx context.Context) error {
	if err := g.db.Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	return nil
}

func classifyMongo(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", models.ErrConflict, err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.ErrNotFound
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
}

func (g *MongoGateway) filterDoc(filters []Filter) (bson.M, error) {
	doc := bson.M{}
	for _, f := range filters {
		switch f.Op {
		case "", "eq":
			doc[f.Field] = f.Value
		case "gte":
			doc[f.Field] = bson.M{"$gte": f.Value}
		case "lte":
			doc[f.Field] = bson.M{"$lte": f.Value}
		default:
			return nil, fmt.Errorf("bad filter op %q", f.Op)
		}
	}
	return doc, nil
}

func (g *MongoGateway) Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	filter, err := g.filterDoc(filters)
	if err != nil {
		return nil, err
	}

	findOpts := options.Find()
	if opts.OrderBy != "" {
		dir := 1
		if opts.Desc {
			dir = -1
		}
		findOpts.SetSort(bson.D{{Key: opts.OrderBy, Value: dir}})
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := g.db.Collection(table).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer cursor.Close(ctx)

	var out []Row
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, classifyMongo(err)
		}
		out = append(out, mongoDocToRow(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, classifyMongo(err)
	}
	return out, nil
}

func (g *MongoGateway) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	doc := rowToMongoDoc(row)
	if _, err := g.db.Collection(table).InsertOne(ctx, doc); err != nil {
		return nil, classifyMongo(err)
	}
	return row, nil
}

func (g *MongoGateway) InsertMany(ctx context.Context, table string, rows []Row) ([]Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	docs := make([]any, 0, len(rows))
	for _, row := range rows {
		if _, ok := row["id"]; !ok {
			row["id"] = uuid.NewString()
		}
		docs = append(docs, rowToMongoDoc(row))
	}
	if _, err := g.db.Collection(table).InsertMany(ctx, docs); err != nil {
		return nil, classifyMongo(err)
	}
	return rows, nil
}

func (g *MongoGateway) Update(ctx context.Context, table string, key string, partial Row) (Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	after := options.After
	opts := options.FindOneAndUpdate().SetReturnDocument(after)
	res := g.db.Collection(table).FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M(rowToMongoDoc(partial))},
		opts)

	var doc bson.M
	if err := res.Decode(&doc); err != nil {
		return nil, classifyMongo(err)
	}
	return mongoDocToRow(doc), nil
}

func (g *MongoGateway) Delete(ctx context.Context, table string, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	res, err := g.db.Collection(table).DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return classifyMongo(err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s/%s", models.ErrNotFound, table, key)
	}
	return nil
}

func (g *MongoGateway) Subscribe(ctx context.Context, table string, fn ChangeHandler) (Unsubscribe, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	streamOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := g.db.Collection(table).Watch(ctx, mongo.Pipeline{}, streamOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: watch %s: %v", models.ErrUnavailable, table, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	go func() {
		defer stream.Close(streamCtx)
		for stream.Next(streamCtx) {
			var ev struct {
				OperationType string `bson:"operationType"`
				FullDocument  bson.M `bson:"fullDocument"`
				DocumentKey   bson.M `bson:"documentKey"`
			}
			if err := stream.Decode(&ev); err != nil {
				g.log.Warn("change stream: decode failed", zap.String("table", table), zap.Error(err))
				continue
			}
			var event EventType
			switch ev.OperationType {
			case "insert":
				event = EventInsert
			case "update", "replace":
				event = EventUpdate
			case "delete":
				event = EventDelete
			default:
				continue
			}
			var newRow, oldRow Row
			if ev.FullDocument != nil {
				newRow = mongoDocToRow(ev.FullDocument)
			}
			if event == EventDelete && ev.DocumentKey != nil {
				oldRow = Row{"id": ev.DocumentKey["_id"]}
			}
			fn(event, newRow, oldRow)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
	}, nil
}

// rowToMongoDoc maps the gateway "id" key to Mongo's _id.
func rowToMongoDoc(row Row) bson.M {
	doc := make(bson.M, len(row))
	for k, v := range row {
		if k == "id" {
			doc["_id"] = v
			continue
		}
		doc[k] = v
	}
	return doc
}

func mongoDocToRow(doc bson.M) Row {
	row := make(Row, len(doc))
	for k, v := range doc {
		if k == "_id" {
			row["id"] = v
			continue
		}
		row[k] = v
	}
	return row
}
