package engine

import (
	"regexp"
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"herald-main/src/internal/actions"
	"herald-main/src/internal/directory"
	"herald-main/src/internal/tasks"
)

var (
	spaceRe       = regexp.MustCompile(`\s+`)
	punctuationRe = regexp.MustCompile(`[.,;:!?]`)

	vendorKeys = []string{"vendedora", "vendedor", "seller", "vendor"}
)

// RequiresChatAction reports whether the task text asks for a WhatsApp
// message. The common misspelling is accepted too.
func RequiresChatAction(t *tasks.Task) bool {
	text := strings.ToLower(t.PromptTemplate + " " + t.Input + " " + t.MergedPrompt)
	return strings.Contains(text, "whatsapp") || strings.Contains(text, "whatssap")
}

// normalizeCompareText folds case, diacritics, spacing and punctuation so
// names from API payloads compare against contact names.
func normalizeCompareText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.Predicate(isCombiningMark)))
	folded, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = spaceRe.ReplaceAllString(folded, " ")
	folded = punctuationRe.ReplaceAllString(folded, "")
	return strings.TrimSpace(folded)
}

func isCombiningMark(r rune) bool { return r >= 0x0300 && r <= 0x036f }

// VendorNames collects normalized seller names from rows[] of successful
// API responses.
func VendorNames(results []*actions.APIResult) map[string]bool {
	names := make(map[string]bool)
	for _, r := range results {
		if r == nil {
			continue
		}
		obj, ok := r.ResponseJSON.(map[string]any)
		if !ok {
			continue
		}
		rows, ok := obj["rows"].([]any)
		if !ok {
			continue
		}
		for _, row := range rows {
			m, ok := row.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range vendorKeys {
				v, ok := m[key].(string)
				if !ok {
					continue
				}
				if n := normalizeCompareText(v); n != "" {
					names[n] = true
					break
				}
			}
		}
	}
	return names
}

// AllowedVendorContacts returns the ids of non-group contacts whose
// normalized name matches, contains, or is contained by a vendor name.
func AllowedVendorContacts(contacts []directory.Contact, vendors map[string]bool) map[string]bool {
	allowed := make(map[string]bool)
	for _, c := range contacts {
		if c.IsGroup() {
			continue
		}
		name := normalizeCompareText(c.Name)
		if name == "" {
			continue
		}
		for v := range vendors {
			if name == v || strings.Contains(name, v) || strings.Contains(v, name) {
				allowed[c.ID] = true
				break
			}
		}
	}
	return allowed
}

// vendorPolicy restricts send_whatsapp recipients after API results named
// the sellers involved.
type vendorPolicy struct {
	vendors map[string]bool
	groups  map[string]bool
}
