// Package sanitizer normalizes member identity fields before they are
// validated and written to a membership record.
//
// Normalization functions are idempotent and never fail: input that cannot
// be normalized comes back empty (phones) or unchanged (display formatting).
//
// Covered fields:
//   - Contact phones: E.164 for storage, national format for display
//   - Display names: collapsed whitespace, and the "First L." short form
//   - Avatar URLs: trimmed, scheme and host lowercased
package sanitizer
