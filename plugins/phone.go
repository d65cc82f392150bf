package plugins

import (
	"strings"
	"unicode"
)

// NormalizePhoneNumber keeps only the ASCII digits of phone.
func NormalizePhoneNumber(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneNumbersMatch reports whether two numbers name the same line. Numbers
// match exactly, across a US +1 prefix, or on their last seven digits.
func PhoneNumbersMatch(a, b string) bool {
	na, nb := NormalizePhoneNumber(a), NormalizePhoneNumber(b)
	if na == nb {
		return true
	}
	if len(na) == 10 && len(nb) == 11 && nb[0] == '1' {
		return na == nb[1:]
	}
	if len(nb) == 10 && len(na) == 11 && na[0] == '1' {
		return nb == na[1:]
	}
	if len(na) >= 7 && len(nb) >= 7 {
		return na[len(na)-7:] == nb[len(nb)-7:]
	}
	return false
}

// ParseVCard extracts the display name and phone numbers of a vCard.
// FN wins over N; N is "Family;Given;..." and renders as "Given Family".
func ParseVCard(content string) (name string, phones []string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "FN:"):
			name = strings.TrimSpace(line[3:])
		case name == "" && strings.HasPrefix(line, "N:"):
			parts := strings.Split(line[2:], ";")
			if len(parts) >= 2 {
				full := strings.TrimSpace(strings.TrimSpace(parts[1]) + " " + strings.TrimSpace(parts[0]))
				if full != "" {
					name = full
				}
			}
		case strings.HasPrefix(line, "TEL"):
			if i := strings.LastIndex(line, ":"); i >= 0 {
				if phone := strings.TrimFunc(line[i+1:], unicode.IsSpace); phone != "" {
					phones = append(phones, phone)
				}
			}
		}
	}
	return name, phones
}
