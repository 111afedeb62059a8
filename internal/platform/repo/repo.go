// Package repo is a small document-store abstraction shared by every
// service that keeps free-form records (users, sessions, wallets, bonuses,
// notifications). Backends: MongoDB for deployments, an in-memory twin for
// tests. Reads of single documents go through a short-lived cache; every
// write invalidates.
package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

// Entity is implemented by embedding Meta.
type Entity interface {
	GetID() string
	SetID(id string)
	StampCreated(t time.Time)
	StampUpdated(t time.Time)
}

// Meta carries the fields every stored document shares.
type Meta struct {
	ID        string    `json:"id" bson:"_id"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

func (m *Meta) GetID() string            { return m.ID }
func (m *Meta) SetID(id string)          { m.ID = id }
func (m *Meta) StampCreated(t time.Time) { m.CreatedAt = t }
func (m *Meta) StampUpdated(t time.Time) { m.UpdatedAt = t }

// Filter matches documents by dotted field path. Values are compared for
// equality unless they are a Range or an In.
type Filter map[string]any

// Range matches ordered fields. Nil bounds are open.
type Range struct {
	Gt  any
	Gte any
	Lt  any
	Lte any
}

// In matches any of the listed values.
type In []any

// Query shapes a FindMany call. Sort is a field path, "-" prefix for
// descending; empty sorts by id ascending.
type Query struct {
	Filter Filter
	Sort   string
	Limit  int
	Offset int
	after  *Cursor
}

// Index declares a backend index, ensured at startup. Memory stores enforce
// Unique; non-unique declarations are a no-op there.
type Index struct {
	Fields []string
	Unique bool
}

// Store is the raw backend contract. Repository layers caching, id
// assignment, and timestamps on top.
type Store[T Entity] interface {
	FindByID(ctx context.Context, id string) (T, bool, error)
	FindOne(ctx context.Context, f Filter) (T, bool, error)
	FindMany(ctx context.Context, q Query) ([]T, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Insert(ctx context.Context, e T) error
	Replace(ctx context.Context, e T) error
	Delete(ctx context.Context, id string) error
	EnsureIndexes(ctx context.Context, indexes []Index) error
}

// Sessions runs a function inside a causally consistent transaction scope.
// The memory implementation just calls the function.
type Sessions interface {
	WithSession(ctx context.Context, fn func(ctx context.Context) error) error
}

type NoopSessions struct{}

func (NoopSessions) WithSession(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Config fixes a repository's collection identity and cache behaviour.
type Config struct {
	Collection string
	CacheTTL   time.Duration
	Indexes    []Index
}

type Repository[T Entity] struct {
	store Store[T]
	cache cache.Cache
	clk   clock.Clock
	newT  func() T
	cfg   Config
}

// New wires a repository. cache may be nil to disable read caching. newT
// must return a fresh zero document (used for decoding).
func New[T Entity](store Store[T], c cache.Cache, clk clock.Clock, newT func() T, cfg Config) *Repository[T] {
	return &Repository[T]{store: store, cache: c, clk: clk, newT: newT, cfg: cfg}
}

// EnsureIndexes declares the configured indexes on the backend.
func (r *Repository[T]) EnsureIndexes(ctx context.Context) error {
	return r.store.EnsureIndexes(ctx, r.cfg.Indexes)
}

func (r *Repository[T]) cacheKey(id string) string {
	return "repo:" + r.cfg.Collection + ":" + id
}

func (r *Repository[T]) FindByID(ctx context.Context, id string) (T, error) {
	var zero T
	if id == "" {
		return zero, errs.E(errs.InvalidInput, "document id required", "collection", r.cfg.Collection)
	}
	if r.cache != nil && r.cfg.CacheTTL > 0 {
		if raw, ok, err := r.cache.Get(ctx, r.cacheKey(id)); err == nil && ok {
			e := r.newT()
			if err := json.Unmarshal([]byte(raw), e); err == nil {
				return e, nil
			}
		}
	}
	e, found, err := r.store.FindByID(ctx, id)
	if err != nil {
		return zero, errs.Wrap(errs.DependencyUnavailable, "document lookup failed", err, "collection", r.cfg.Collection)
	}
	if !found {
		return zero, errs.E(errs.NotFound, "document not found", "collection", r.cfg.Collection, "id", id)
	}
	r.fillCache(ctx, e)
	return e, nil
}

func (r *Repository[T]) FindOne(ctx context.Context, f Filter) (T, error) {
	var zero T
	e, found, err := r.store.FindOne(ctx, f)
	if err != nil {
		return zero, errs.Wrap(errs.DependencyUnavailable, "document lookup failed", err, "collection", r.cfg.Collection)
	}
	if !found {
		return zero, errs.E(errs.NotFound, "document not found", "collection", r.cfg.Collection)
	}
	return e, nil
}

func (r *Repository[T]) FindMany(ctx context.Context, q Query) ([]T, error) {
	out, err := r.store.FindMany(ctx, q)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "document query failed", err, "collection", r.cfg.Collection)
	}
	return out, nil
}

func (r *Repository[T]) Exists(ctx context.Context, f Filter) (bool, error) {
	_, found, err := r.store.FindOne(ctx, f)
	if err != nil {
		return false, errs.Wrap(errs.DependencyUnavailable, "document lookup failed", err, "collection", r.cfg.Collection)
	}
	return found, nil
}

func (r *Repository[T]) Count(ctx context.Context, f Filter) (int64, error) {
	n, err := r.store.Count(ctx, f)
	if err != nil {
		return 0, errs.Wrap(errs.DependencyUnavailable, "document count failed", err, "collection", r.cfg.Collection)
	}
	return n, nil
}

// Page is one slice of a cursor walk. NextCursor is empty on the last page.
type Page[T Entity] struct {
	Items      []T
	NextCursor string
}

// Paginate walks q's result set in stable (sortValue, id) order. cursor is
// an opaque token from a previous page, empty for the first page.
func (r *Repository[T]) Paginate(ctx context.Context, q Query, cursor string, limit int) (Page[T], error) {
	if limit <= 0 {
		limit = 50
	}
	if cursor != "" {
		c, err := DecodeCursor(cursor)
		if err != nil {
			return Page[T]{}, err
		}
		q.after = &c
	}
	q.Limit = limit + 1
	q.Offset = 0
	items, err := r.store.FindMany(ctx, q)
	if err != nil {
		return Page[T]{}, errs.Wrap(errs.DependencyUnavailable, "document query failed", err, "collection", r.cfg.Collection)
	}
	page := Page[T]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		sortVal, err := sortValueOf(last, sortField(q.Sort))
		if err != nil {
			return Page[T]{}, err
		}
		page.NextCursor = EncodeCursor(Cursor{Sort: sortVal, ID: last.GetID()})
	}
	return page, nil
}

func (r *Repository[T]) Create(ctx context.Context, e T) error {
	if e.GetID() == "" {
		e.SetID(uuid.NewString())
	}
	now := r.clk.Now().UTC()
	e.StampCreated(now)
	e.StampUpdated(now)
	if err := r.store.Insert(ctx, e); err != nil {
		if errs.KindOf(err) == errs.Conflict {
			return err
		}
		return errs.Wrap(errs.DependencyUnavailable, "document insert failed", err, "collection", r.cfg.Collection)
	}
	r.invalidate(ctx, e.GetID())
	return nil
}

func (r *Repository[T]) Update(ctx context.Context, e T) error {
	if e.GetID() == "" {
		return errs.E(errs.InvalidInput, "document id required", "collection", r.cfg.Collection)
	}
	e.StampUpdated(r.clk.Now().UTC())
	if err := r.store.Replace(ctx, e); err != nil {
		if k := errs.KindOf(err); k == errs.NotFound || k == errs.Conflict {
			return err
		}
		return errs.Wrap(errs.DependencyUnavailable, "document update failed", err, "collection", r.cfg.Collection)
	}
	r.invalidate(ctx, e.GetID())
	return nil
}

func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return err
		}
		return errs.Wrap(errs.DependencyUnavailable, "document delete failed", err, "collection", r.cfg.Collection)
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *Repository[T]) fillCache(ctx context.Context, e T) {
	if r.cache == nil || r.cfg.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = r.cache.Set(ctx, r.cacheKey(e.GetID()), string(raw), r.cfg.CacheTTL)
}

func (r *Repository[T]) invalidate(ctx context.Context, id string) {
	if r.cache == nil {
		return
	}
	_ = r.cache.Delete(ctx, r.cacheKey(id))
}

func sortField(sort string) string {
	if sort == "" {
		return ""
	}
	if sort[0] == '-' {
		return sort[1:]
	}
	return sort
}

// sortValueOf reads the sort field from a document through its JSON shape,
// so cursor tokens hold the same representation both backends order by.
func sortValueOf(e Entity, field string) (any, error) {
	if field == "" || field == "id" || field == "_id" {
		return nil, nil
	}
	doc, err := docOf(e)
	if err != nil {
		return nil, err
	}
	return lookupPath(doc, field), nil
}

func docOf(e Entity) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
