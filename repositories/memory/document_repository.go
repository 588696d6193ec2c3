package memory

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
)

// DocumentStore holds named collections. Documents are stored in their
// encoded form so reads observe the same types the Postgres backend returns.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[uuid.UUID]models.Record

	// FailInserts makes every Insert fail; tests use it to exercise
	// the store-failure paths.
	FailInserts error
}

// NewDocumentStore creates an empty document store
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{collections: make(map[string]map[uuid.UUID]models.Record)}
}

// Collection returns the repository for one collection
func (s *DocumentStore) Collection(name string) repositories.DocumentRepository {
	return &DocumentRepository{store: s, collection: name}
}

// Ping always succeeds
func (s *DocumentStore) Ping(context.Context) error {
	return nil
}

// DocumentRepository is a view over one collection of a DocumentStore
type DocumentRepository struct {
	store      *DocumentStore
	collection string
}

func (r *DocumentRepository) Name() string {
	return r.collection
}

func (r *DocumentRepository) FindByID(_ context.Context, id uuid.UUID) (models.Record, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	doc, ok := r.store.collections[r.collection][id]
	if !ok {
		return nil, fmt.Errorf("%s document %s: %w", r.collection, id, repositories.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (r *DocumentRepository) Find(_ context.Context, filter repositories.Filter, opts repositories.FindOptions) ([]models.Record, error) {
	m, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}
	if opts.SortBy != "" && !repositories.ValidFieldName(opts.SortBy) {
		return nil, fmt.Errorf("invalid sort field %q", opts.SortBy)
	}

	r.store.mu.RLock()
	var docs []models.Record
	for _, doc := range r.store.collections[r.collection] {
		if m.match(doc) {
			docs = append(docs, doc.Clone())
		}
	}
	r.store.mu.RUnlock()

	sort.SliceStable(docs, func(i, j int) bool {
		if opts.SortBy != "" {
			c := compareJSON(docs[i][opts.SortBy], docs[j][opts.SortBy])
			if opts.Descending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return docs[i].String(models.FieldID) < docs[j].String(models.FieldID)
	})

	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}

func (r *DocumentRepository) Insert(_ context.Context, doc models.Record) (uuid.UUID, error) {
	if r.store.FailInserts != nil {
		return uuid.Nil, fmt.Errorf("failed to insert %s document: %w", r.collection, r.store.FailInserts)
	}
	prepared, id := repositories.PrepareInsert(doc)
	stored, err := repositories.NormalizeRecord(prepared)
	if err != nil {
		return uuid.Nil, err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	coll := r.store.collections[r.collection]
	if coll == nil {
		coll = make(map[uuid.UUID]models.Record)
		r.store.collections[r.collection] = coll
	}
	if _, exists := coll[id]; exists {
		return uuid.Nil, fmt.Errorf("%s document %s: %w", r.collection, id, repositories.ErrDuplicate)
	}
	coll[id] = stored
	return id, nil
}

func (r *DocumentRepository) UpdateByID(_ context.Context, id uuid.UUID, set models.Record) (bool, error) {
	patch, err := repositories.NormalizeRecord(set.Without(models.FieldID))
	if err != nil {
		return false, err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	doc, ok := r.store.collections[r.collection][id]
	if !ok {
		return false, nil
	}
	for k, v := range patch {
		doc[k] = v
	}
	return true, nil
}

func (r *DocumentRepository) ReplaceByID(_ context.Context, id uuid.UUID, doc models.Record) (bool, error) {
	replacement := doc.Clone()
	if replacement == nil {
		replacement = models.Record{}
	}
	replacement[models.FieldID] = id.String()
	stored, err := repositories.NormalizeRecord(replacement)
	if err != nil {
		return false, err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	coll := r.store.collections[r.collection]
	if _, ok := coll[id]; !ok {
		return false, nil
	}
	coll[id] = stored
	return true, nil
}

func (r *DocumentRepository) Count(_ context.Context, filter repositories.Filter) (int, error) {
	m, err := compileFilter(filter)
	if err != nil {
		return 0, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	n := 0
	for _, doc := range r.store.collections[r.collection] {
		if m.match(doc) {
			n++
		}
	}
	return n, nil
}

func (r *DocumentRepository) DeleteByID(_ context.Context, id uuid.UUID) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	coll := r.store.collections[r.collection]
	if _, ok := coll[id]; !ok {
		return false, nil
	}
	delete(coll, id)
	return true, nil
}

type matcher struct {
	equals  models.Record
	matches map[string]*regexp.Regexp
}

func compileFilter(f repositories.Filter) (*matcher, error) {
	if err := repositories.ValidateFilter(f); err != nil {
		return nil, err
	}
	m := &matcher{matches: make(map[string]*regexp.Regexp, len(f.Matches))}
	if len(f.Equals) > 0 {
		eq, err := repositories.NormalizeRecord(models.Record(f.Equals))
		if err != nil {
			return nil, err
		}
		m.equals = eq
	}
	for k, pattern := range f.Matches {
		m.matches[k] = regexp.MustCompile(pattern)
	}
	return m, nil
}

func (m *matcher) match(doc models.Record) bool {
	for k, want := range m.equals {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	for k, re := range m.matches {
		v, ok := doc[k]
		if !ok || v == nil {
			return false
		}
		if !re.MatchString(textValue(v)) {
			return false
		}
	}
	return true
}

// textValue renders a value the way Postgres' ->> operator does
func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		data, _ := repositories.EncodeRecord(models.Record{"v": t})
		s := string(data)
		return strings.TrimSuffix(strings.TrimPrefix(s, `{"v":`), "}")
	}
	return fmt.Sprint(v)
}

// compareJSON orders decoded JSON values like jsonb does. Missing values
// sort after everything else.
func compareJSON(a, b any) int {
	ra, rb := jsonRank(a), jsonRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case string:
		return strings.Compare(x, b.(string))
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	case bool:
		y := b.(bool)
		if x != y {
			if !x {
				return -1
			}
			return 1
		}
	}
	return 0
}

func jsonRank(v any) int {
	switch v.(type) {
	case nil:
		return 5
	case string:
		return 0
	case float64:
		return 1
	case bool:
		return 2
	case []any:
		return 3
	case map[string]any:
		return 4
	}
	return 5
}
