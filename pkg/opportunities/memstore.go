package opportunities

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dealerdesk/crm-backend/pkg/delta"
	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

// MemoryStore is an in-process Store. It evaluates the same query shapes
// the document store receives, so query-building code can be exercised
// without a running database.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[primitive.ObjectID]*models.Opportunity
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[primitive.ObjectID]*models.Opportunity{}}
}

func (s *MemoryStore) Insert(_ context.Context, o *models.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[o.ID]; exists {
		return errors.New("duplicate key")
	}
	s.items[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id primitive.ObjectID) (*models.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.items[id]
	if !ok {
		return nil, domain.NewNotFoundError("opportunity")
	}
	return o.Clone(), nil
}

func (s *MemoryStore) FindOne(ctx context.Context, filter bson.M, opts FindOptions) (*models.Opportunity, error) {
	opts.Limit = 1
	items, err := s.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.NewNotFoundError("opportunity")
	}
	return items[0], nil
}

func (s *MemoryStore) Find(_ context.Context, filter bson.M, opts FindOptions) ([]*models.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		o   *models.Opportunity
		doc bson.M
	}
	var matched []entry
	for _, o := range s.items {
		doc := o.Document()
		if matchFilter(doc, filter) {
			matched = append(matched, entry{o: o, doc: doc})
		}
	}

	if opts.Sort != nil {
		sort.SliceStable(matched, func(i, j int) bool {
			return compareDocs(matched[i].doc, matched[j].doc, opts.Sort) < 0
		})
	}

	start := int(opts.Skip)
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if opts.Limit > 0 && start+int(opts.Limit) < end {
		end = start + int(opts.Limit)
	}

	out := make([]*models.Opportunity, 0, end-start)
	for _, e := range matched[start:end] {
		out = append(out, e.o.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, filter bson.M) (int64, error) {
	items, err := s.Find(ctx, filter, FindOptions{})
	if err != nil {
		return 0, err
	}
	return int64(len(items)), nil
}

func (s *MemoryStore) Replace(_ context.Context, o *models.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[o.ID]; !ok {
		return domain.NewNotFoundError("opportunity")
	}
	s.items[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return domain.NewNotFoundError("opportunity")
	}
	delete(s.items, id)
	return nil
}

// UpdateMany supports the denormalization writes the service issues:
// customer links, customer names and keywords, and dealer names.
func (s *MemoryStore) UpdateMany(_ context.Context, filter bson.M, set bson.M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var modified int64
	for _, o := range s.items {
		if !matchFilter(o.Document(), filter) {
			continue
		}
		changed := false
		for field, value := range set {
			switch field {
			case "customer_id":
				id, ok := value.(primitive.ObjectID)
				if !ok {
					return modified, errors.New("customer_id must be an object id")
				}
				if o.CustomerID != id {
					o.CustomerID = id
					changed = true
				}
			case "customer_name":
				name, ok := value.(string)
				if !ok {
					return modified, errors.New("customer_name must be a string")
				}
				if o.CustomerName != name {
					o.CustomerName = name
					changed = true
				}
			case "customer_keywords":
				keywords, err := toStringSlice(value)
				if err != nil {
					return modified, err
				}
				if !delta.Equal(o.CustomerKeywords, keywords) {
					o.CustomerKeywords = keywords
					changed = true
				}
			case "dealer_name":
				name, ok := value.(string)
				if !ok {
					return modified, errors.New("dealer_name must be a string")
				}
				if o.DealerName != name {
					o.DealerName = name
					changed = true
				}
			default:
				return modified, errors.New("unsupported update field: " + field)
			}
		}
		if changed {
			modified++
		}
	}
	return modified, nil
}

func (s *MemoryStore) Aggregate(context.Context, []bson.M, bool) ([]bson.M, error) {
	return nil, errors.New("aggregation is not supported by the memory store")
}

func (s *MemoryStore) EnsureIndexes(context.Context) error {
	return nil
}

func toStringSlice(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, errors.New("keywords must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	case bson.A:
		return toStringSlice([]interface{}(t))
	}
	return nil, errors.New("keywords must be a string list")
}

// matchFilter evaluates a store query against a document.
func matchFilter(doc bson.M, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			for _, sub := range asFilterList(cond) {
				if !matchFilter(doc, sub) {
					return false
				}
			}
		case "$or":
			subs := asFilterList(cond)
			if len(subs) == 0 {
				return false
			}
			any := false
			for _, sub := range subs {
				if matchFilter(doc, sub) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		default:
			if !matchField(doc, key, cond) {
				return false
			}
		}
	}
	return true
}

func asFilterList(v interface{}) []bson.M {
	switch list := v.(type) {
	case []bson.M:
		return list
	case bson.A:
		out := make([]bson.M, 0, len(list))
		for _, e := range list {
			if m, ok := e.(bson.M); ok {
				out = append(out, m)
			}
		}
		return out
	case []interface{}:
		out := make([]bson.M, 0, len(list))
		for _, e := range list {
			if m, ok := e.(bson.M); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func matchField(doc bson.M, path string, cond interface{}) bool {
	value, exists := resolvePath(doc, path)

	if ops, ok := operatorMap(cond); ok {
		for op, arg := range ops {
			if !applyOperator(value, exists, op, arg) {
				return false
			}
		}
		return true
	}

	if cond == nil {
		return !exists || value == nil
	}
	return matchValue(value, cond)
}

// operatorMap reports whether a condition is an operator document, like
// {"$in": [...]}, as opposed to a literal sub-document equality.
func operatorMap(cond interface{}) (bson.M, bool) {
	m, ok := cond.(bson.M)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func applyOperator(value interface{}, exists bool, op string, arg interface{}) bool {
	switch op {
	case "$eq":
		if arg == nil {
			return !exists || value == nil
		}
		return matchValue(value, arg)
	case "$ne":
		return !applyOperator(value, exists, "$eq", arg)
	case "$in":
		members, _ := asList(arg)
		for _, m := range members {
			if matchValue(value, m) {
				return true
			}
		}
		return false
	case "$nin":
		return !applyOperator(value, exists, "$in", arg)
	case "$gt", "$gte", "$lt", "$lte":
		return compareAny(value, arg, op)
	case "$size":
		list, isList := asList(value)
		if !isList {
			return false
		}
		return lenEquals(list, arg)
	case "$exists":
		want, _ := arg.(bool)
		return exists == want
	}
	return false
}

func lenEquals(list []interface{}, arg interface{}) bool {
	cmp, ok := delta.Compare(len(list), arg)
	return ok && cmp == 0
}

func compareAny(value, bound interface{}, op string) bool {
	check := func(v interface{}) bool {
		cmp, ok := delta.Compare(v, bound)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return cmp > 0
		case "$gte":
			return cmp >= 0
		case "$lt":
			return cmp < 0
		case "$lte":
			return cmp <= 0
		}
		return false
	}
	if check(value) {
		return true
	}
	if list, ok := asList(value); ok {
		for _, e := range list {
			if check(e) {
				return true
			}
		}
	}
	return false
}

// matchValue applies document equality: regex conditions match strings,
// array fields match when any element (or the whole array) matches.
func matchValue(value, expected interface{}) bool {
	if re, ok := expected.(primitive.Regex); ok {
		return matchRegex(value, re)
	}
	if delta.Equal(value, expected) {
		return true
	}
	if list, ok := asList(value); ok {
		for _, e := range list {
			if delta.Equal(e, expected) {
				return true
			}
		}
	}
	return false
}

func matchRegex(value interface{}, re primitive.Regex) bool {
	pattern := re.Pattern
	if strings.Contains(re.Options, "i") {
		pattern = "(?i)" + pattern
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	if s, ok := value.(string); ok {
		return compiled.MatchString(s)
	}
	if list, ok := asList(value); ok {
		for _, e := range list {
			if s, ok := e.(string); ok && compiled.MatchString(s) {
				return true
			}
		}
	}
	return false
}

func asList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case bson.A:
		return []interface{}(list), true
	case []interface{}:
		return list, true
	case []string:
		out := make([]interface{}, 0, len(list))
		for _, s := range list {
			out = append(out, s)
		}
		return out, true
	case []bson.M:
		out := make([]interface{}, 0, len(list))
		for _, m := range list {
			out = append(out, m)
		}
		return out, true
	}
	return nil, false
}

// resolvePath walks a dotted path through nested documents. Numeric
// segments index into arrays.
func resolvePath(doc bson.M, path string) (interface{}, bool) {
	var current interface{} = doc
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case bson.M:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]interface{}:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		default:
			list, ok := asList(current)
			if !ok {
				return nil, false
			}
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(list) {
				return nil, false
			}
			current = list[idx]
		}
	}
	return current, true
}

// compareDocs orders two documents under a sort specification. Missing
// and null values order before present ones, matching store behavior.
func compareDocs(a, b bson.M, spec bson.D) int {
	for _, field := range spec {
		dir, _ := field.Value.(int)
		if dir == 0 {
			if d32, ok := field.Value.(int32); ok {
				dir = int(d32)
			}
		}
		av, aok := resolvePath(a, field.Key)
		bv, bok := resolvePath(b, field.Key)

		var cmp int
		switch {
		case (!aok || av == nil) && (!bok || bv == nil):
			cmp = 0
		case !aok || av == nil:
			cmp = -1
		case !bok || bv == nil:
			cmp = 1
		default:
			c, ok := delta.Compare(av, bv)
			if !ok {
				c = 0
			}
			cmp = c
		}
		if cmp != 0 {
			return cmp * dir
		}
	}
	return 0
}
