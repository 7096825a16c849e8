package metrics

import (
	"regexp"
	"strings"
)

var labelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// sanitizeLabel lowercases raw and folds anything outside [a-z0-9_] so
// free-form values cannot blow up label cardinality.
func sanitizeLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = labelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
