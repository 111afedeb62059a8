package repo

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

// Mongo backs a repository with a MongoDB collection. Documents carry bson
// tags mirroring their json tags so both backends agree on field names.
type Mongo[T Entity] struct {
	coll *mongo.Collection
	newT func() T
}

func NewMongo[T Entity](coll *mongo.Collection, newT func() T) *Mongo[T] {
	return &Mongo[T]{coll: coll, newT: newT}
}

func (m *Mongo[T]) EnsureIndexes(ctx context.Context, indexes []Index) error {
	if len(indexes) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, idx := range indexes {
		keys := bson.D{}
		for _, f := range idx.Fields {
			keys = append(keys, bson.E{Key: fieldName(f), Value: 1})
		}
		opt := options.Index()
		if idx.Unique {
			opt.SetUnique(true)
		}
		models = append(models, mongo.IndexModel{Keys: keys, Options: opt})
	}
	_, err := m.coll.Indexes().CreateMany(ctx, models)
	return err
}

func (m *Mongo[T]) FindByID(ctx context.Context, id string) (T, bool, error) {
	var zero T
	e := m.newT()
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(e)
	if err == mongo.ErrNoDocuments {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	return e, true, nil
}

func (m *Mongo[T]) FindOne(ctx context.Context, f Filter) (T, bool, error) {
	var zero T
	e := m.newT()
	err := m.coll.FindOne(ctx, toBSON(f)).Decode(e)
	if err == mongo.ErrNoDocuments {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	return e, true, nil
}

func (m *Mongo[T]) FindMany(ctx context.Context, q Query) ([]T, error) {
	field := fieldName(sortField(q.Sort))
	desc := strings.HasPrefix(q.Sort, "-")

	filter := toBSON(q.Filter)
	if q.after != nil {
		filter = bson.M{"$and": bson.A{filter, afterPredicate(field, desc, *q.after)}}
	}

	opt := options.Find()
	dir := 1
	if desc {
		dir = -1
	}
	sortDoc := bson.D{}
	if field != "" && field != "_id" {
		sortDoc = append(sortDoc, bson.E{Key: field, Value: dir})
	}
	sortDoc = append(sortDoc, bson.E{Key: "_id", Value: dir})
	opt.SetSort(sortDoc)
	if q.Offset > 0 {
		opt.SetSkip(int64(q.Offset))
	}
	if q.Limit > 0 {
		opt.SetLimit(int64(q.Limit))
	}

	cur, err := m.coll.Find(ctx, filter, opt)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]T, 0)
	for cur.Next(ctx) {
		e := m.newT()
		if err := cur.Decode(e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

func (m *Mongo[T]) Count(ctx context.Context, f Filter) (int64, error) {
	return m.coll.CountDocuments(ctx, toBSON(f))
}

func (m *Mongo[T]) Insert(ctx context.Context, e T) error {
	_, err := m.coll.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return errs.E(errs.Conflict, "unique index violated", "id", e.GetID())
	}
	return err
}

func (m *Mongo[T]) Replace(ctx context.Context, e T) error {
	res, err := m.coll.ReplaceOne(ctx, bson.M{"_id": e.GetID()}, e)
	if mongo.IsDuplicateKeyError(err) {
		return errs.E(errs.Conflict, "unique index violated", "id", e.GetID())
	}
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errs.E(errs.NotFound, "document not found", "id", e.GetID())
	}
	return nil
}

func (m *Mongo[T]) Delete(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return errs.E(errs.NotFound, "document not found", "id", id)
	}
	return nil
}

// MongoSessions runs functions inside causally consistent transactions.
type MongoSessions struct {
	client *mongo.Client
}

func NewMongoSessions(client *mongo.Client) *MongoSessions {
	return &MongoSessions{client: client}
}

func (s *MongoSessions) WithSession(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession(options.Session().SetCausalConsistency(true))
	if err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "session start failed", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func fieldName(f string) string {
	if f == "id" {
		return "_id"
	}
	return f
}

func toBSON(f Filter) bson.M {
	out := bson.M{}
	for path, want := range f {
		key := fieldName(path)
		switch w := want.(type) {
		case Range:
			cond := bson.M{}
			if w.Gt != nil {
				cond["$gt"] = w.Gt
			}
			if w.Gte != nil {
				cond["$gte"] = w.Gte
			}
			if w.Lt != nil {
				cond["$lt"] = w.Lt
			}
			if w.Lte != nil {
				cond["$lte"] = w.Lte
			}
			out[key] = cond
		case In:
			out[key] = bson.M{"$in": []any(w)}
		default:
			out[key] = want
		}
	}
	return out
}

func afterPredicate(field string, desc bool, c Cursor) bson.M {
	op := "$gt"
	if desc {
		op = "$lt"
	}
	if field == "" || field == "_id" {
		return bson.M{"_id": bson.M{op: c.ID}}
	}
	return bson.M{"$or": bson.A{
		bson.M{field: bson.M{op: c.Sort}},
		bson.M{field: c.Sort, "_id": bson.M{op: c.ID}},
	}}
}
