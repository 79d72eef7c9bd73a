package sanitizer

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		region string
		want   string
	}{
		{
			name:   "already E.164",
			input:  "+16502530000",
			region: "US",
			want:   "+16502530000",
		},
		{
			name:   "national number with punctuation",
			input:  "(650) 253-0000",
			region: "US",
			want:   "+16502530000",
		},
		{
			name:   "international prefix wins over region",
			input:  "+44 20 7031 3000",
			region: "US",
			want:   "+442070313000",
		},
		{
			name:   "with parentheses",
			input:  "+1 (212) 555-1234",
			region: "US",
			want:   "+12125551234",
		},
		{
			name:   "leading and trailing spaces",
			input:  "  +16502530000  ",
			region: "US",
			want:   "+16502530000",
		},
		{
			name:   "letters are not a number",
			input:  "invalid-phone-123",
			region: "US",
			want:   "",
		},
		{
			name:   "too short",
			input:  "+1",
			region: "US",
			want:   "",
		},
		{
			name:   "empty string",
			input:  "",
			region: "US",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizePhone(tt.input, tt.region)
			if got != tt.want {
				t.Errorf("NormalizePhone(%q, %q) = %q, want %q", tt.input, tt.region, got, tt.want)
			}
		})
	}
}

func TestNormalizePhone_Idempotent(t *testing.T) {
	once := NormalizePhone("650.253.0000", "US")
	twice := NormalizePhone(once, "US")
	if once != twice {
		t.Errorf("NormalizePhone not idempotent: %q then %q", once, twice)
	}
}

func TestFormatPhone(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		region string
		want   string
	}{
		{
			name:   "domestic number in national format",
			input:  "+16502530000",
			region: "US",
			want:   "(650) 253-0000",
		},
		{
			name:   "foreign number in international format",
			input:  "+442070313000",
			region: "US",
			want:   "+44 20 7031 3000",
		},
		{
			name:   "unparseable returned as-is",
			input:  " ask at the door ",
			region: "US",
			want:   "ask at the door",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatPhone(tt.input, tt.region)
			if got != tt.want {
				t.Errorf("FormatPhone(%q, %q) = %q, want %q", tt.input, tt.region, got, tt.want)
			}
		})
	}
}
