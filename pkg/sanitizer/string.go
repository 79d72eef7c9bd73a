package sanitizer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

func TrimAndNormalize(s string) string {
	s = strings.TrimSpace(s)

	if s == "" {
		return ""
	}

	var result strings.Builder
	var lastWasSpace bool

	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				result.WriteRune(' ')
				lastWasSpace = true
			}
		} else {
			result.WriteRune(r)
			lastWasSpace = false
		}
	}

	return result.String()
}

// ShortName reduces a full name to first name plus last initial,
// "Ada Lovelace" -> "Ada L.". Single names pass through.
func ShortName(fullName string) string {
	parts := strings.Fields(fullName)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}

	last := parts[len(parts)-1]
	initial, _ := utf8.DecodeRuneInString(last)
	return parts[0] + " " + string(unicode.ToUpper(initial)) + "."
}
