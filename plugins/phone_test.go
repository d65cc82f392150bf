package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhoneNumber(t *testing.T) {
	assert.Equal(t, "15551234567", NormalizePhoneNumber("+1 (555) 123-4567"))
	assert.Equal(t, "5551234567", NormalizePhoneNumber("555.123.4567"))
	assert.Equal(t, "", NormalizePhoneNumber("n/a"))
}

func TestPhoneNumbersMatch(t *testing.T) {
	tests := []struct {
		a, b  string
		match bool
	}{
		{"5551234567", "5551234567", true},
		{"5551234567", "15551234567", true},
		{"+1-555-123-4567", "5551234567", true},
		{"+44 20 7946 0958", "020 7946 0958", true},
		{"5551234567", "5559876543", false},
		{"12345", "012345", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.match, PhoneNumbersMatch(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestParseVCard(t *testing.T) {
	card := "BEGIN:VCARD\nVERSION:2.1\nN:Doe;Jane;;;\nTEL;CELL:+1 555 123 4567\nTEL;HOME:555-000-1111\nEND:VCARD\n"
	name, phones := ParseVCard(card)
	assert.Equal(t, "Jane Doe", name)
	assert.Equal(t, []string{"+1 555 123 4567", "555-000-1111"}, phones)

	name, _ = ParseVCard("FN:Jane Q. Doe\nN:Doe;Jane;;;\n")
	assert.Equal(t, "Jane Q. Doe", name)
}
