package delta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestCompute(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		before bson.M
		after  bson.M
		want   ChangeSet
	}{
		{
			name:   "no changes yields empty set",
			before: bson.M{"name": "Deal", "status": 0},
			after:  bson.M{"name": "Deal", "status": 0},
			want:   ChangeSet{},
		},
		{
			name:   "changed scalar recorded with both values",
			before: bson.M{"sub_status": "left message"},
			after:  bson.M{"sub_status": "appointment"},
			want: ChangeSet{
				"sub_status": {Old: "left message", New: "appointment"},
			},
		},
		{
			name:   "keys only in before are ignored",
			before: bson.M{"name": "Deal", "creator": "u1"},
			after:  bson.M{"name": "Deal"},
			want:   ChangeSet{},
		},
		{
			name:   "key new to the document",
			before: bson.M{},
			after:  bson.M{"lost_reason": "price"},
			want: ChangeSet{
				"lost_reason": {Old: nil, New: "price"},
			},
		},
		{
			name:   "numeric widths compare by magnitude",
			before: bson.M{"status": int32(5)},
			after:  bson.M{"status": 5},
			want:   ChangeSet{},
		},
		{
			name:   "float and int status equal when whole",
			before: bson.M{"status": 3},
			after:  bson.M{"status": float64(3)},
			want:   ChangeSet{},
		},
		{
			name:   "nested map compared element-wise",
			before: bson.M{"marketing": bson.M{"lead_source": "web", "lead_channel": ""}},
			after:  bson.M{"marketing": bson.M{"lead_source": "web", "lead_channel": ""}},
			want:   ChangeSet{},
		},
		{
			name:   "nested map change recorded shallow",
			before: bson.M{"marketing": bson.M{"lead_source": "web"}},
			after:  bson.M{"marketing": bson.M{"lead_source": "phone"}},
			want: ChangeSet{
				"marketing": {
					Old: bson.M{"lead_source": "web"},
					New: bson.M{"lead_source": "phone"},
				},
			},
		},
		{
			name:   "arrays compare element-wise across representations",
			before: bson.M{"sales_reps": bson.A{"u1", "u2"}},
			after:  bson.M{"sales_reps": []interface{}{"u1", "u2"}},
			want:   ChangeSet{},
		},
		{
			name:   "array order matters",
			before: bson.M{"sales_reps": []interface{}{"u1", "u2"}},
			after:  bson.M{"sales_reps": []interface{}{"u2", "u1"}},
			want: ChangeSet{
				"sales_reps": {
					Old: []interface{}{"u1", "u2"},
					New: []interface{}{"u2", "u1"},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.before, tt.after)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("timestamps compare by instant", func(t *testing.T) {
		other := now.In(time.FixedZone("EST", -5*3600))
		got := Compute(bson.M{"updated": now}, bson.M{"updated": other})
		assert.Empty(t, got)
	})

	t.Run("timestamp change keeps both instants", func(t *testing.T) {
		later := now.Add(time.Hour)
		got := Compute(bson.M{"updated": now}, bson.M{"updated": later})
		assert.Len(t, got, 1)
		assert.Equal(t, Change{Old: now, New: later}, got["updated"])
	})
}

func TestEqual(t *testing.T) {
	id := primitive.NewObjectID()

	tests := []struct {
		name string
		a    interface{}
		b    interface{}
		want bool
	}{
		{"nil equals nil", nil, nil, true},
		{"nil does not equal value", nil, "", false},
		{"same object ids", id, id, true},
		{"different object ids", id, primitive.NewObjectID(), false},
		{"bool equality", true, true, true},
		{"type mismatch string number", "5", 5, false},
		{"int64 and float64", int64(10), float64(10), true},
		{"map representations", bson.M{"a": 1}, map[string]interface{}{"a": int32(1)}, true},
		{"string slice and bson array", []string{"x"}, bson.A{"x"}, true},
		{"missing map key", bson.M{"a": 1}, bson.M{"b": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestCompare(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.AddDate(0, 6, 0)

	tests := []struct {
		name   string
		a      interface{}
		b      interface{}
		want   int
		wantOK bool
	}{
		{"numbers ascending", 1, int64(2), -1, true},
		{"numbers equal across widths", int32(7), float64(7), 0, true},
		{"strings", "alpha", "beta", -1, true},
		{"times", late, early, 1, true},
		{"incomparable types", "x", 1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Compare(tt.a, tt.b)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("object ids order by bytes", func(t *testing.T) {
		a := primitive.NewObjectID()
		b := primitive.NewObjectID()
		got, ok := Compare(a, b)
		assert.True(t, ok)
		assert.Equal(t, -1, got)
	})
}
