package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

// SortField is one (field, direction) pair. It serializes as a single-key
// object, {"created": -1}.
type SortField struct {
	Field     string
	Direction int
}

func (s SortField) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int{s.Field: s.Direction})
}

func (s *SortField) UnmarshalJSON(data []byte) error {
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("sort field must have exactly one key, got %d", len(m))
	}
	for field, dir := range m {
		s.Field = field
		s.Direction = dir
	}
	return nil
}

// SortSpec is an ordered sort, most significant field first.
type SortSpec []SortField

// DefaultSort orders newest first.
func DefaultSort() SortSpec {
	return SortSpec{{Field: "created", Direction: -1}}
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindTime
)

// sortableFields is the closed set of fields list responses can be ordered
// by, with the value kind cursor keys round-trip through.
var sortableFields = map[string]fieldKind{
	"created":       kindTime,
	"dealer_name":   kindString,
	"customer_name": kindString,
}

// Validate rejects sorts over unknown fields or with directions other
// than 1 and -1.
func (s SortSpec) Validate() error {
	for _, sf := range s {
		if _, ok := sortableFields[sf.Field]; !ok {
			return domain.NewValidationError(fmt.Sprintf("cannot sort by %q", sf.Field))
		}
		if sf.Direction != 1 && sf.Direction != -1 {
			return domain.NewValidationError(fmt.Sprintf("sort direction for %q must be 1 or -1", sf.Field))
		}
	}
	return nil
}

// Document renders the sort for the store, inverted when walking
// backwards. The identity field is always appended as the final component
// so ordering is total; without it, ties would resume unpredictably
// between pages.
func (s SortSpec) Document(invert bool) bson.D {
	sign := 1
	if invert {
		sign = -1
	}
	d := make(bson.D, 0, len(s)+1)
	hasID := false
	for _, sf := range s {
		if sf.Field == "_id" {
			hasID = true
		}
		d = append(d, bson.E{Key: sf.Field, Value: sf.Direction * sign})
	}
	if !hasID {
		d = append(d, bson.E{Key: "_id", Value: sign})
	}
	return d
}

// Direction selects which side of the cursor a page is fetched from.
type Direction string

const (
	DirectionAfter  Direction = "after"
	DirectionBefore Direction = "before"
)

// ParseDirection interprets the get_more parameter; absent means after.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", string(DirectionAfter):
		return DirectionAfter, nil
	case string(DirectionBefore):
		return DirectionBefore, nil
	}
	return "", domain.NewValidationError(fmt.Sprintf("get_more must be %q or %q", DirectionAfter, DirectionBefore))
}

// Cursor is the decoded position of a previously seen record: its identity
// plus the values of the sort-relevant fields.
type Cursor struct {
	ID     primitive.ObjectID
	Values map[string]interface{}
}

// EncodeCursor snapshots the sort-relevant fields of a record into an
// opaque resumable key. The key is plain data; it survives process
// restarts and is safe to hand to clients.
func EncodeCursor(o *models.Opportunity, sort SortSpec) (string, error) {
	payload := map[string]interface{}{"_id": o.ID.Hex()}
	doc := o.Document()
	for _, sf := range sort {
		if sf.Field == "_id" {
			continue
		}
		v := doc[sf.Field]
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		payload[sf.Field] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding cursor key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a cursor key against the sort it was produced
// under. Keys minted before the encoding moved to base64 are still
// accepted as raw JSON.
func DecodeCursor(key string, sort SortSpec) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		raw = []byte(key)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, domain.NewValidationError("invalid cursor key")
	}
	hex, _ := payload["_id"].(string)
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return nil, domain.NewValidationError("invalid cursor key")
	}
	c := &Cursor{ID: id, Values: map[string]interface{}{}}
	for _, sf := range sort {
		if sf.Field == "_id" {
			continue
		}
		v, present := payload[sf.Field]
		if !present {
			return nil, domain.NewValidationError(fmt.Sprintf("cursor key missing %q", sf.Field))
		}
		if sortableFields[sf.Field] == kindTime {
			s, ok := v.(string)
			if !ok {
				return nil, domain.NewValidationError(fmt.Sprintf("cursor key field %q is not a timestamp", sf.Field))
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, domain.NewValidationError(fmt.Sprintf("cursor key field %q is not a timestamp", sf.Field))
			}
			v = t
		}
		c.Values[sf.Field] = v
	}
	return c, nil
}

// ResumeFilter expresses "strictly past the cursor position" under the
// sort as a query clause: compare the first sort field, on ties the next,
// with the identity field as the final tie-break.
func (c *Cursor) ResumeFilter(sort SortSpec, dir Direction) bson.M {
	or := make([]bson.M, 0, len(sort)+1)
	prefix := bson.M{}
	for _, sf := range sort {
		if sf.Field == "_id" {
			continue
		}
		clause := bson.M{}
		for k, v := range prefix {
			clause[k] = v
		}
		clause[sf.Field] = bson.M{cmpOperator(sf.Direction, dir): c.Values[sf.Field]}
		or = append(or, clause)
		prefix[sf.Field] = c.Values[sf.Field]
	}
	tie := bson.M{}
	for k, v := range prefix {
		tie[k] = v
	}
	tie["_id"] = bson.M{cmpOperator(1, dir): c.ID}
	or = append(or, tie)
	if len(or) == 1 {
		return or[0]
	}
	return bson.M{"$or": or}
}

func cmpOperator(direction int, dir Direction) string {
	forward := direction > 0
	if dir == DirectionBefore {
		forward = !forward
	}
	if forward {
		return "$gt"
	}
	return "$lt"
}

// CursorPage is one page of a cursor walk.
type CursorPage struct {
	Results       []*models.Opportunity `json:"results"`
	More          bool                  `json:"more"`
	NextCursorKey string                `json:"next_cursor_key,omitempty"`
}

// BuildCursorPage trims a size+1 fetch down to the page and derives the
// continuation key from its last record. Backward fetches arrive in
// inverted order and are flipped back here.
func BuildCursorPage(fetched []*models.Opportunity, sort SortSpec, size int, dir Direction) (*CursorPage, error) {
	page := &CursorPage{Results: fetched}
	if size > 0 && len(fetched) > size {
		page.More = true
		page.Results = fetched[:size]
	}
	if dir == DirectionBefore {
		reverse(page.Results)
	}
	if n := len(page.Results); n > 0 {
		key, err := EncodeCursor(page.Results[n-1], sort)
		if err != nil {
			return nil, err
		}
		page.NextCursorKey = key
	}
	return page, nil
}

func reverse(items []*models.Opportunity) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
