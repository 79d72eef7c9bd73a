package sanitizer

import (
	"net/url"
	"strings"

	"munchclub/pkg/model"
)

type Strategy func(string) string

type Pipeline []Strategy

func (p Pipeline) Apply(s string) string {
	for _, fn := range p {
		s = fn(s)
	}
	return s
}

// SanitizeDisplayName collapses whitespace and trims surrounding quotes
// that some sign-in providers leave on names.
func SanitizeDisplayName(name string) string {
	p := Pipeline{
		TrimAndNormalize,
		func(s string) string { return strings.Trim(s, `"'`) },
		TrimAndNormalize,
	}
	return p.Apply(name)
}

// SanitizeURL lowercases scheme and host. Input that does not parse as an
// absolute URL is returned trimmed so validation can reject it.
func SanitizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// SanitizeIdentity normalizes every identity field in place. A contact that
// is not a possible phone number is dropped.
func SanitizeIdentity(identity *model.Identity, region string) {
	identity.UserID = strings.TrimSpace(identity.UserID)
	identity.DisplayName = SanitizeDisplayName(identity.DisplayName)
	identity.AvatarRef = SanitizeURL(identity.AvatarRef)
	identity.ContactRef = NormalizePhone(identity.ContactRef, region)
}
