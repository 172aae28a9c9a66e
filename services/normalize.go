package services

import (
	"strings"
	"unicode/utf8"

	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
	"golang.org/x/text/cases"
)

var folder = cases.Fold()

// normalizeText reduces idea text to the form used for duplicate detection:
// transliterated to ASCII, case folded, punctuation dropped and whitespace collapsed.
func normalizeText(s string) string {
	s = folder.String(unidecode.Unidecode(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// cleanText trims s and checks it holds 1..max characters.
func cleanText(s string, max int) (string, error) {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n == 0 || n > max {
		return "", ErrInvalidText.WithDetail("length %d, allowed 1..%d", n, max)
	}
	return s, nil
}

// deliberationSlug builds a readable unique slug from the question and id.
func deliberationSlug(question, id string) string {
	base := slug.Make(question)
	if len(base) > 60 {
		base = strings.TrimRight(base[:60], "-")
	}
	suffix := strings.ReplaceAll(id, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}
