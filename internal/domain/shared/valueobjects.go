package shared

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxIDLength bounds externally supplied identifiers (kid, lesson, level,
// unit). The curriculum service issues UUIDs or short slugs.
const MaxIDLength = 64

// ValidateID checks an externally supplied identifier. field names the
// parameter in the error message.
func ValidateID(field, value string) error {
	if value == "" {
		return InvalidInput("Validate", fmt.Sprintf("%s is required", field))
	}
	if len(value) > MaxIDLength {
		return InvalidInput("Validate", fmt.Sprintf("%s must be at most %d characters", field, MaxIDLength))
	}
	if strings.TrimSpace(value) != value {
		return InvalidInput("Validate", fmt.Sprintf("%s must not contain surrounding whitespace", field))
	}
	for _, r := range value {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' || r == ':') {
			return InvalidInput("Validate", fmt.Sprintf("%s contains invalid character %q", field, r))
		}
	}
	return nil
}

// ValidateIDs validates several identifiers given as field/value pairs and
// returns the first failure.
func ValidateIDs(pairs ...string) error {
	if len(pairs)%2 != 0 {
		return InvalidInput("Validate", "odd number of identifier arguments")
	}
	for i := 0; i < len(pairs); i += 2 {
		if err := ValidateID(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// NonNegative rejects negative amounts.
func NonNegative(field string, value int) error {
	if value < 0 {
		return InvalidInput("Validate", fmt.Sprintf("%s cannot be negative", field))
	}
	return nil
}
