package models

import (
	"strconv"
	"strings"
)

// Status is the lifecycle stage of an opportunity. Values are persisted as
// integers; historical documents may carry them as floats (see CoerceStatus).
type Status int

const (
	StatusFresh Status = iota
	StatusDesk
	StatusFI
	StatusPending
	StatusApproved
	StatusSigned
	StatusPosted
	StatusDelivered
	StatusLost
	StatusTubed
	StatusCarryover
)

// AllStatuses lists every lifecycle stage in order.
var AllStatuses = []Status{
	StatusFresh,
	StatusDesk,
	StatusFI,
	StatusPending,
	StatusApproved,
	StatusSigned,
	StatusPosted,
	StatusDelivered,
	StatusLost,
	StatusTubed,
	StatusCarryover,
}

// OpenStatuses are the stages of an in-progress deal.
var OpenStatuses = []Status{
	StatusFresh,
	StatusDesk,
	StatusFI,
	StatusPending,
	StatusApproved,
	StatusSigned,
	StatusCarryover,
}

// ClosedStatuses are the terminal stages.
var ClosedStatuses = []Status{
	StatusPosted,
	StatusDelivered,
	StatusLost,
	StatusTubed,
}

// CompletedStatuses are the stages of a won deal.
var CompletedStatuses = []Status{
	StatusPosted,
	StatusDelivered,
}

var statusNames = map[Status]string{
	StatusFresh:     "Fresh",
	StatusDesk:      "Desk",
	StatusFI:        "F&I",
	StatusPending:   "Pending",
	StatusApproved:  "Approved",
	StatusSigned:    "Signed",
	StatusPosted:    "Posted",
	StatusDelivered: "Delivered",
	StatusLost:      "Lost",
	StatusTubed:     "Tubed",
	StatusCarryover: "Carryover",
}

// Name returns the display name of the status.
func (s Status) Name() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Key returns the status as it is keyed in last_status_change.
func (s Status) Key() string {
	return strconv.Itoa(int(s))
}

// Valid reports whether s is a known lifecycle stage.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// CoerceStatus converts a numeric status value to a Status, truncating
// fractional values the way legacy float-typed documents require.
func CoerceStatus(v float64) Status {
	return Status(int(v))
}

// Stock type values derived from the DMS deal_type field.
const (
	StockTypeNew     = "new"
	StockTypeUsed    = "used"
	StockTypeUnknown = "unknown"
)

var stockTypes = map[string]struct{}{
	StockTypeNew:     {},
	StockTypeUsed:    {},
	StockTypeUnknown: {},
}

// StockTypeFromDealType maps a DMS deal_type onto a stock type, falling back
// to unknown for anything unrecognized.
func StockTypeFromDealType(dealType string) string {
	st := strings.ToLower(dealType)
	if _, ok := stockTypes[st]; !ok {
		return StockTypeUnknown
	}
	return st
}
