package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/value"
)

// Memory keeps documents as JSON in process. Filtering and sorting work on
// the decoded JSON shape, which is the same shape the Mongo backend orders
// by, so both backends paginate identically.
type Memory[T Entity] struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	newT   func() T
	unique [][]string
}

func NewMemory[T Entity](newT func() T) *Memory[T] {
	return &Memory[T]{docs: make(map[string][]byte), newT: newT}
}

func (m *Memory[T]) EnsureIndexes(_ context.Context, indexes []Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unique = nil
	for _, idx := range indexes {
		if idx.Unique {
			m.unique = append(m.unique, idx.Fields)
		}
	}
	return nil
}

func (m *Memory[T]) FindByID(_ context.Context, id string) (T, bool, error) {
	var zero T
	m.mu.RLock()
	raw, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return zero, false, nil
	}
	e := m.newT()
	if err := json.Unmarshal(raw, e); err != nil {
		return zero, false, err
	}
	return e, true, nil
}

func (m *Memory[T]) FindOne(ctx context.Context, f Filter) (T, bool, error) {
	var zero T
	out, err := m.FindMany(ctx, Query{Filter: f, Limit: 1})
	if err != nil {
		return zero, false, err
	}
	if len(out) == 0 {
		return zero, false, nil
	}
	return out[0], true, nil
}

func (m *Memory[T]) FindMany(_ context.Context, q Query) ([]T, error) {
	m.mu.RLock()
	matched := make([]map[string]any, 0)
	byID := make(map[string][]byte, len(m.docs))
	for id, raw := range m.docs {
		byID[id] = raw
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		if matchFilter(doc, q.Filter) {
			matched = append(matched, doc)
		}
	}
	m.mu.RUnlock()

	field := sortField(q.Sort)
	desc := strings.HasPrefix(q.Sort, "-")
	sort.Slice(matched, func(i, j int) bool {
		c := compareDocs(matched[i], matched[j], field)
		if desc {
			return c > 0
		}
		return c < 0
	})

	if q.after != nil {
		cut := 0
		for cut < len(matched) {
			c := compareKey(sortValueOfDoc(matched[cut], field), docID(matched[cut]), q.after.Sort, q.after.ID)
			if (desc && c < 0) || (!desc && c > 0) {
				break
			}
			cut++
		}
		matched = matched[cut:]
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]T, 0, len(matched))
	for _, doc := range matched {
		e := m.newT()
		if err := json.Unmarshal(byID[docID(doc)], e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory[T]) Count(_ context.Context, f Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, raw := range m.docs {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return 0, err
		}
		if matchFilter(doc, f) {
			n++
		}
	}
	return n, nil
}

func (m *Memory[T]) Insert(_ context.Context, e T) error {
	raw, doc, err := encodeDoc(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[e.GetID()]; exists {
		return errs.E(errs.Conflict, "document id already exists", "id", e.GetID())
	}
	if err := m.checkUnique(doc, e.GetID()); err != nil {
		return err
	}
	m.docs[e.GetID()] = raw
	return nil
}

func (m *Memory[T]) Replace(_ context.Context, e T) error {
	raw, doc, err := encodeDoc(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[e.GetID()]; !exists {
		return errs.E(errs.NotFound, "document not found", "id", e.GetID())
	}
	if err := m.checkUnique(doc, e.GetID()); err != nil {
		return err
	}
	m.docs[e.GetID()] = raw
	return nil
}

func (m *Memory[T]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[id]; !exists {
		return errs.E(errs.NotFound, "document not found", "id", id)
	}
	delete(m.docs, id)
	return nil
}

func (m *Memory[T]) checkUnique(doc map[string]any, selfID string) error {
	for _, fields := range m.unique {
		key := uniqueKey(doc, fields)
		for id, raw := range m.docs {
			if id == selfID {
				continue
			}
			var other map[string]any
			if err := json.Unmarshal(raw, &other); err != nil {
				return err
			}
			if uniqueKey(other, fields) == key {
				return errs.E(errs.Conflict, "unique index violated", "fields", strings.Join(fields, ","))
			}
		}
	}
	return nil
}

func encodeDoc(e Entity) ([]byte, map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}
	return raw, doc, nil
}

func uniqueKey(doc map[string]any, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, _ := value.Get(doc, f)
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x00")
}

func docID(doc map[string]any) string {
	if id, ok := doc["id"].(string); ok {
		return id
	}
	return ""
}

func lookupPath(doc map[string]any, path string) any {
	v, _ := value.Get(doc, path)
	return v
}

func sortValueOfDoc(doc map[string]any, field string) any {
	if field == "" || field == "id" || field == "_id" {
		return nil
	}
	return lookupPath(doc, field)
}

func matchFilter(doc map[string]any, f Filter) bool {
	for path, want := range f {
		got := lookupPath(doc, path)
		switch w := want.(type) {
		case Range:
			if !matchRange(got, w) {
				return false
			}
		case In:
			hit := false
			for _, candidate := range w {
				if compareAny(got, normalize(candidate)) == 0 {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		default:
			if compareAny(got, normalize(want)) != 0 {
				return false
			}
		}
	}
	return true
}

func matchRange(got any, r Range) bool {
	if got == nil {
		return false
	}
	if r.Gt != nil && compareAny(got, normalize(r.Gt)) <= 0 {
		return false
	}
	if r.Gte != nil && compareAny(got, normalize(r.Gte)) < 0 {
		return false
	}
	if r.Lt != nil && compareAny(got, normalize(r.Lt)) >= 0 {
		return false
	}
	if r.Lte != nil && compareAny(got, normalize(r.Lte)) > 0 {
		return false
	}
	return true
}

// normalize round-trips a Go value through JSON so filter arguments compare
// against the stored JSON shape (time.Time becomes an RFC 3339 string, ints
// become float64).
func normalize(v any) any {
	switch v.(type) {
	case nil, bool, float64, string:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func compareDocs(a, b map[string]any, field string) int {
	if c := compareAny(sortValueOfDoc(a, field), sortValueOfDoc(b, field)); c != 0 {
		return c
	}
	return strings.Compare(docID(a), docID(b))
}

func compareKey(sortVal any, id string, afterSort any, afterID string) int {
	if c := compareAny(sortVal, afterSort); c != 0 {
		return c
	}
	return strings.Compare(id, afterID)
}

func compareAny(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if af, aok := a.(float64); aok {
		if bf, bok := b.(float64); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(as, bs)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
