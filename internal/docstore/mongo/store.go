// Package mongo implements docstore.Store on MongoDB.
//
// Document ids are expected to be strings. ObjectIDs read back from the
// server are rendered as hex strings, but filters and cursors compare ids
// as strings, so mixed id types within one collection do not paginate.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sornon/member-sub002/internal/docstore"
)

// Config holds MongoDB connection settings.
type Config struct {
	URI      string
	Database string

	// ConnectTimeout bounds the initial connect and ping. Zero means 10s.
	ConnectTimeout time.Duration
}

// Store is a docstore.Store and docstore.Joiner backed by one database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	owned  bool
}

// New connects to MongoDB and verifies the connection with a ping.
// The returned store owns the client and disconnects it on Close.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo: uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo: database is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	return &Store{client: client, db: client.Database(cfg.Database), owned: true}, nil
}

// NewFromDatabase wraps an existing database handle. The caller owns the
// mongo.Client lifecycle.
func NewFromDatabase(db *mongo.Database) *Store {
	return &Store{client: db.Client(), db: db}
}

func (s *Store) GetByID(ctx context.Context, collection, id string) (docstore.Document, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{docstore.IDField: id}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, docstore.ErrNotFound
		}
		return nil, &docstore.StoreError{Op: "get", Collection: collection, ID: id, Err: err}
	}
	return toDocument(raw), nil
}

func (s *Store) DeleteByID(ctx context.Context, collection, id string) (int, error) {
	res, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{docstore.IDField: id})
	if err != nil {
		return 0, &docstore.StoreError{Op: "delete", Collection: collection, ID: id, Err: err}
	}
	return int(res.DeletedCount), nil
}

func (s *Store) UpdateByID(ctx context.Context, collection, id string, fields docstore.Document) error {
	set := bson.M{}
	for k, v := range fields {
		if k == docstore.IDField {
			continue
		}
		set[k] = v
	}
	if len(set) == 0 {
		return nil
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{docstore.IDField: id}, bson.M{"$set": set})
	if err != nil {
		return &docstore.StoreError{Op: "update", Collection: collection, ID: id, Err: err}
	}
	if res.MatchedCount == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, collection string, doc docstore.Document) error {
	id := doc.ID()
	if id == "" {
		return &docstore.StoreError{Op: "upsert", Collection: collection, Err: errors.New("document has no _id")}
	}
	_, err := s.db.Collection(collection).ReplaceOne(ctx,
		bson.M{docstore.IDField: id},
		bson.M(doc),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return &docstore.StoreError{Op: "upsert", Collection: collection, ID: id, Err: err}
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, opts docstore.QueryOptions) ([]docstore.Document, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = docstore.DefaultPageSize
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: docstore.IDField, Value: 1}}).
		SetLimit(int64(limit))
	if len(opts.Fields) > 0 {
		proj := bson.M{docstore.IDField: 1}
		for _, f := range opts.Fields {
			proj[f] = 1
		}
		findOpts.SetProjection(proj)
	}

	cursor, err := s.db.Collection(collection).Find(ctx, pageFilter(opts.Filter, opts.After), findOpts)
	if err != nil {
		return nil, &docstore.StoreError{Op: "query", Collection: collection, Err: err}
	}
	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, &docstore.StoreError{Op: "query", Collection: collection, Err: err}
	}

	docs := make([]docstore.Document, len(rows))
	for i, row := range rows {
		docs[i] = toDocument(row)
	}
	return docs, nil
}

func (s *Store) Count(ctx context.Context, collection string, filter docstore.Filter) (int64, error) {
	n, err := s.db.Collection(collection).CountDocuments(ctx, toBSON(filter))
	if err != nil {
		return 0, &docstore.StoreError{Op: "count", Collection: collection, Err: err}
	}
	return n, nil
}

// JoinOnMissing runs a $lookup anti-join. Deployments that reject the
// pipeline report docstore.ErrCapabilityUnavailable.
func (s *Store) JoinOnMissing(ctx context.Context, req docstore.JoinRequest) ([]string, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = docstore.DefaultPageSize
	}

	cursor, err := s.db.Collection(req.Collection).Aggregate(ctx, joinPipeline(req, limit))
	if err != nil {
		if unsupported(err) {
			return nil, docstore.ErrCapabilityUnavailable
		}
		return nil, &docstore.StoreError{Op: "join", Collection: req.Collection, Err: err}
	}
	var rows []struct {
		ID any `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, &docstore.StoreError{Op: "join", Collection: req.Collection, Err: err}
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := idString(row.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}

const refsField = "__refs"

// stringRef matches a field holding a non-empty string, or an array with at
// least one. Member ids are strings; other values never reference a member.
var stringRef = bson.M{"$type": "string", "$gt": ""}

func joinPipeline(req docstore.JoinRequest, limit int) mongo.Pipeline {
	lower := bson.M{"$gt": req.After}

	if !req.PerEntry() {
		return mongo.Pipeline{
			{{Key: "$match", Value: bson.M{
				docstore.IDField: lower,
				req.Path:         stringRef,
			}}},
			{{Key: "$sort", Value: bson.D{{Key: docstore.IDField, Value: 1}}}},
			{{Key: "$lookup", Value: bson.M{
				"from":         req.ReferenceCollection,
				"localField":   req.Path,
				"foreignField": docstore.IDField,
				"as":           refsField,
			}}},
			{{Key: "$match", Value: bson.M{refsField: bson.M{"$size": 0}}}},
			{{Key: "$project", Value: bson.M{docstore.IDField: 1}}},
			{{Key: "$limit", Value: int64(limit)}},
		}
	}

	keyPath := req.Path
	if req.Key != "" {
		keyPath = req.Path + "." + req.Key
	}
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			docstore.IDField: lower,
			req.Path:         bson.M{"$type": "array", "$ne": bson.A{}},
		}}},
		{{Key: "$unwind", Value: "$" + req.Path}},
		{{Key: "$match", Value: bson.M{keyPath: stringRef}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         req.ReferenceCollection,
			"localField":   keyPath,
			"foreignField": docstore.IDField,
			"as":           refsField,
		}}},
		{{Key: "$match", Value: bson.M{refsField: bson.M{"$size": 0}}}},
		{{Key: "$group", Value: bson.M{docstore.IDField: "$" + docstore.IDField}}},
		{{Key: "$sort", Value: bson.D{{Key: docstore.IDField, Value: 1}}}},
		{{Key: "$limit", Value: int64(limit)}},
	}
}

// Server error codes for commands or stages a deployment does not serve.
var unsupportedCodes = []int{
	115,   // CommandNotSupported
	168,   // InvalidPipelineOperator
	40324, // Unrecognized pipeline stage name
	8000,  // AtlasError on restricted tiers
}

func unsupported(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range unsupportedCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}
	return false
}

func pageFilter(f docstore.Filter, after string) bson.M {
	if after == "" {
		return toBSON(f)
	}
	bound := bson.M{docstore.IDField: bson.M{"$gt": after}}
	if f.IsZero() {
		return bound
	}
	return bson.M{"$and": bson.A{bound, toBSON(f)}}
}

// toBSON translates a docstore.Filter into a query document.
func toBSON(f docstore.Filter) bson.M {
	if f.IsZero() {
		return bson.M{}
	}
	var clauses bson.A
	for _, c := range f.All {
		clauses = append(clauses, conditionBSON(c))
	}
	if len(f.Any) > 0 {
		var ors bson.A
		for _, c := range f.Any {
			ors = append(ors, conditionBSON(c))
		}
		clauses = append(clauses, bson.M{"$or": ors})
	}
	if len(clauses) == 1 {
		return clauses[0].(bson.M)
	}
	return bson.M{"$and": clauses}
}

func conditionBSON(c docstore.Condition) bson.M {
	switch c.Op {
	case docstore.OpIn:
		return bson.M{c.Path: bson.M{"$in": bson.A(c.Values)}}
	case docstore.OpGt:
		return bson.M{c.Path: bson.M{"$gt": c.Value}}
	case docstore.OpExists:
		return bson.M{c.Path: bson.M{"$exists": true, "$nin": bson.A{nil, bson.A{}}}}
	default:
		return bson.M{c.Path: c.Value}
	}
}

func toDocument(raw bson.M) docstore.Document {
	return docstore.Document(normalize(raw).(map[string]any))
}

// normalize converts driver container types into plain maps and slices so
// documents behave the same regardless of the backing store.
func normalize(v any) any {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalize(inner)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalize(inner)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalize(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalize(inner)
		}
		return out
	case bson.ObjectID:
		return val.Hex()
	case int32:
		return int64(val)
	default:
		return v
	}
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case bson.ObjectID:
		return id.Hex()
	default:
		return ""
	}
}

// Ensure Store implements docstore.Store and docstore.Joiner.
var (
	_ docstore.Store  = (*Store)(nil)
	_ docstore.Joiner = (*Store)(nil)
)
