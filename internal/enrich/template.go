package enrich

import (
	"regexp"
	"strings"

	"alertbot/internal/value"
)

var tokenRe = regexp.MustCompile(`\[([A-Za-z]+)\]`)

// tokenFields maps a lowercased token name to the payload fields consulted in
// order. The first present, non-empty value wins.
var tokenFields = map[string][]string{
	"user":     {"user", "displayName", "name", "gifterName", "raiderName"},
	"amount":   {"amount", "bits"},
	"viewers":  {"viewers", "viewerCount"},
	"message":  {"message", "text"},
	"months":   {"months", "cumulativeMonths"},
	"tier":     {"tier", "subTier"},
	"count":    {"count", "giftCount", "total"},
	"reward":   {"reward", "rewardTitle"},
	"currency": {"currency"},
}

// ApplyTemplate substitutes [Token] placeholders from payload.
//
// Tokens that resolve to nothing stay verbatim ("[Foo]") so a broken template
// is visibly wrong on screen instead of silently truncated.
func ApplyTemplate(template string, payload value.Map) string {
	if template == "" || !strings.Contains(template, "[") {
		return template
	}
	return tokenRe.ReplaceAllStringFunc(template, func(tok string) string {
		name := tok[1 : len(tok)-1]
		if s, ok := resolveToken(name, payload); ok {
			return s
		}
		return tok
	})
}

func resolveToken(name string, payload value.Map) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	fields, fixed := tokenFields[strings.ToLower(name)]
	if !fixed {
		fields = []string{name}
	}
	for _, f := range fields {
		v, ok := payload.Lookup(f)
		if !ok {
			continue
		}
		if s := v.Text(); s != "" {
			return s, true
		}
	}
	return "", false
}
