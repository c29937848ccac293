package resolver

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// honorifics are stripped before matching so "Dra. Ana" matches "Ana Souza".
var honorifics = []string{
	"dra", "dr", "doutora", "doutor", "prof", "profa", "sr", "sra", "srta",
}

var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName lowercases, strips accents, honorifics and punctuation, and
// collapses whitespace. Both queries and catalog names go through this before
// scoring.
func NormalizeName(name string) string {
	ascii, _, err := transform.String(stripAccents, name)
	if err != nil {
		ascii = name
	}
	ascii = strings.ToLower(ascii)

	var b strings.Builder
	b.Grow(len(ascii))
	for _, r := range ascii {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	out := tokens[:0]
	for _, tok := range tokens {
		if isHonorific(tok) {
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

func isHonorific(token string) bool {
	for _, h := range honorifics {
		if token == h {
			return true
		}
	}
	return false
}

// nameVariants generates matching variants of a normalized query: the full
// string, the first token, the first two tokens, and short prefixes of the
// last token (helps with diminutives like "dine" for "geraldine").
func nameVariants(normalized string) []string {
	if normalized == "" {
		return nil
	}
	tokens := strings.Fields(normalized)
	seen := map[string]struct{}{normalized: {}}
	variants := []string{normalized}

	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
	}

	add(tokens[0])
	if len(tokens) >= 2 {
		add(strings.Join(tokens[:2], " "))
	}
	last := tokens[len(tokens)-1]
	for _, n := range []int{3, 4, 5} {
		if len(last) >= n {
			add(last[:n])
		}
	}
	return variants
}
