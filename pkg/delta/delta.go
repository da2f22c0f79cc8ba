// Package delta computes field-level change sets between two document
// states. It also owns the value semantics used everywhere documents are
// compared: numeric values compare by magnitude regardless of width, and
// timestamps compare by instant.
package delta

import (
	"bytes"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Change is one field transition.
type Change struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// ChangeSet maps field names to their transitions.
type ChangeSet map[string]Change

// IsZero reports whether nothing changed.
func (c ChangeSet) IsZero() bool {
	return len(c) == 0
}

// Fields returns the changed field names in no particular order.
func (c ChangeSet) Fields() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	return out
}

// Compute diffs after against before, one level deep: every key present in
// after whose value differs from before's value is recorded. Keys only in
// before are ignored.
func Compute(before, after bson.M) ChangeSet {
	cs := ChangeSet{}
	for k, av := range after {
		bv := before[k]
		if !Equal(bv, av) {
			cs[k] = Change{Old: bv, New: av}
		}
	}
	return cs
}

// Equal compares two document values. Numbers of different widths are equal
// when their magnitudes are, timestamps when their instants are; maps and
// arrays compare element-wise.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := asTime(a); ok {
		bt, ok := asTime(b)
		return ok && at.Equal(bt)
	}
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	if as, ok := asString(a); ok {
		bs, ok := asString(b)
		return ok && as == bs
	}
	if aid, ok := asObjectID(a); ok {
		bid, ok := asObjectID(b)
		return ok && aid == bid
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, present := bm[k]
			if !present || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	if aa, ok := asArray(a); ok {
		ba, ok := asArray(b)
		if !ok || len(aa) != len(ba) {
			return false
		}
		for i := range aa {
			if !Equal(aa[i], ba[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two document values: -1, 0 or 1. The second return is
// false when the values are not mutually comparable.
func Compare(a, b interface{}) (int, bool) {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if at, ok := asTime(a); ok {
		bt, ok := asTime(b)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		}
		return 0, true
	}
	if as, ok := asString(a); ok {
		bs, ok := asString(b)
		if !ok {
			return 0, false
		}
		return bytes.Compare([]byte(as), []byte(bs)), true
	}
	if aid, ok := asObjectID(a); ok {
		bid, ok := asObjectID(b)
		if !ok {
			return 0, false
		}
		return bytes.Compare(aid[:], bid[:]), true
	}
	return 0, false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asObjectID(v interface{}) (primitive.ObjectID, bool) {
	id, ok := v.(primitive.ObjectID)
	return id, ok
}

func asMap(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	}
	return nil, false
}

func asArray(v interface{}) ([]interface{}, bool) {
	switch a := v.(type) {
	case bson.A:
		return []interface{}(a), true
	case []interface{}:
		return a, true
	case []string:
		out := make([]interface{}, 0, len(a))
		for _, s := range a {
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
