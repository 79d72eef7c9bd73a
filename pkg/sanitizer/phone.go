package sanitizer

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone converts phone to E.164, reading numbers without a country
// prefix as belonging to region. Returns "" when phone is not a possible
// number.
func NormalizePhone(phone, region string) string {
	parsed, ok := parsePhone(phone, region)
	if !ok {
		return ""
	}
	return phonenumbers.Format(parsed, phonenumbers.E164)
}

// FormatPhone renders phone for display: national format for numbers from
// region, international otherwise. Unparseable input is returned trimmed.
func FormatPhone(phone, region string) string {
	parsed, ok := parsePhone(phone, region)
	if !ok {
		return strings.TrimSpace(phone)
	}
	if phonenumbers.GetRegionCodeForNumber(parsed) == region {
		return phonenumbers.Format(parsed, phonenumbers.NATIONAL)
	}
	return phonenumbers.Format(parsed, phonenumbers.INTERNATIONAL)
}

func parsePhone(phone, region string) (*phonenumbers.PhoneNumber, bool) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, false
	}

	parsed, err := phonenumbers.Parse(phone, region)
	if err != nil || !phonenumbers.IsPossibleNumber(parsed) {
		return nil, false
	}
	return parsed, true
}
