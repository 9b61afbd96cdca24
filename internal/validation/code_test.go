package validation

import "testing"

func TestIsValidConfirmationCode(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{name: "valid code", code: "0412", want: true},
		{name: "all zeros", code: "0000", want: true},
		{name: "empty", code: "", want: false},
		{name: "too short", code: "123", want: false},
		{name: "too long", code: "12345", want: false},
		{name: "letters", code: "12a4", want: false},
		{name: "whitespace", code: " 123", want: false},
		{name: "unicode digits only partially", code: "12٣4", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidConfirmationCode(tt.code); got != tt.want {
				t.Errorf("IsValidConfirmationCode(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"user@example.com", true},
		{"a@b", true},
		{"", false},
		{"no-at-sign", false},
		{"@leading", false},
		{"trailing@", false},
		{"two@@signs", false},
	}

	for _, tt := range tests {
		if got := IsValidEmail(tt.email); got != tt.want {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tt.email, got, tt.want)
		}
	}
}
