package parser

import "strings"

// NormalizeISBN strips everything but digits and the X check character and
// upper-cases the result. It does not validate.
func NormalizeISBN(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteRune('X')
		}
	}
	return b.String()
}

// IsValidISBN10 checks length, shape and the mod-11 checksum.
func IsValidISBN10(isbn string) bool {
	isbn = NormalizeISBN(isbn)
	if len(isbn) != 10 {
		return false
	}
	total := 0
	for i := 0; i < 9; i++ {
		c := isbn[i]
		if c < '0' || c > '9' {
			return false
		}
		total += (i + 1) * int(c-'0')
	}
	check := 0
	switch c := isbn[9]; {
	case c == 'X':
		check = 10
	case c >= '0' && c <= '9':
		check = int(c - '0')
	default:
		return false
	}
	total += 10 * check
	return total%11 == 0
}

// IsValidISBN13 checks length, shape and the EAN-13 checksum.
func IsValidISBN13(isbn string) bool {
	isbn = NormalizeISBN(isbn)
	if len(isbn) != 13 {
		return false
	}
	for i := 0; i < 13; i++ {
		if isbn[i] < '0' || isbn[i] > '9' {
			return false
		}
	}
	return ean13Check(isbn[:12]) == isbn[12]
}

// ISBN10To13 converts a valid ISBN-10 into its 978-prefixed ISBN-13.
// It returns "" for invalid input.
func ISBN10To13(isbn10 string) string {
	isbn10 = NormalizeISBN(isbn10)
	if !IsValidISBN10(isbn10) {
		return ""
	}
	core := "978" + isbn10[:9]
	return core + string(ean13Check(core))
}

// CanonicalISBN returns the ISBN-13 form used as the deduplication key.
// Thirteen-digit input is returned unchanged and its check digit is not
// enforced, since the catalog's own key is what identifies the record.
// ISBN-10 input must pass its checksum and is converted.
func CanonicalISBN(raw string) (string, bool) {
	isbn := NormalizeISBN(raw)
	switch len(isbn) {
	case 13:
		if isDigits(isbn) {
			return isbn, true
		}
	case 10:
		if converted := ISBN10To13(isbn); converted != "" {
			return converted, true
		}
	}
	return "", false
}

func ean13Check(first12 string) byte {
	sum := 0
	for i := 0; i < 12; i++ {
		d := int(first12[i] - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
