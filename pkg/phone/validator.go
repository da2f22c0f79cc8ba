// Package phone normalizes customer phone numbers for the search keyword
// builder. Stored keywords carry the E.164 form so a search matches no
// matter how the number was typed.
package phone

import (
	"fmt"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone parses a phone number and returns its E.164 form. The
// region hint is used for numbers without a country prefix and defaults
// to US. Numbers that do not parse to a valid number for their region
// return an error.
func NormalizePhone(number, region string) (string, error) {
	if number == "" {
		return "", fmt.Errorf("phone number cannot be empty")
	}
	if region == "" {
		region = "US"
	}

	parsed, err := phonenumbers.Parse(number, region)
	if err != nil {
		return "", fmt.Errorf("failed to parse phone number: %w", err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number")
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
