package backendctx

import (
	"strings"
)

var primitiveTypes = map[string]string{
	"Nat":       "nat",
	"Nat8":      "nat8",
	"Nat16":     "nat16",
	"Nat32":     "nat32",
	"Nat64":     "nat64",
	"Int":       "int",
	"Int8":      "int8",
	"Int16":     "int16",
	"Int32":     "int32",
	"Int64":     "int64",
	"Text":      "text",
	"Bool":      "bool",
	"Principal": "principal",
	"Float":     "float64",
	"Blob":      "blob",
	"Char":      "nat32",
	"Null":      "null",
	"Time.Time": "int",
}

// NormalizeType maps a source type expression onto the neutral interface
// vocabulary: ?T is opt T, [T] is vec T, Result<T, E> is
// variant { ok : T; err : E }, tuples and records become record types.
func NormalizeType(t string) string {
	t = strings.TrimSpace(t)
	t = strings.TrimSpace(strings.TrimPrefix(t, "async "))
	if t == "" || t == "()" {
		return "()"
	}

	switch {
	case strings.HasPrefix(t, "?"):
		return "opt " + NormalizeType(t[1:])

	case enclosed(t, '[', ']'):
		inner := strings.TrimSpace(t[1 : len(t)-1])
		inner = strings.TrimSpace(strings.TrimPrefix(inner, "var "))
		return "vec " + NormalizeType(inner)

	case enclosed(t, '{', '}'):
		return "record { " + strings.Join(normalizeFields(t[1:len(t)-1]), "; ") + " }"

	case enclosed(t, '(', ')'):
		parts := splitTopLevel(t[1:len(t)-1], ',')
		if len(parts) == 1 {
			return NormalizeType(parts[0])
		}
		norm := make([]string, 0, len(parts))
		for _, p := range parts {
			norm = append(norm, NormalizeType(p))
		}
		return "record { " + strings.Join(norm, "; ") + " }"
	}

	if lt := strings.IndexByte(t, '<'); lt > 0 && strings.HasSuffix(t, ">") {
		base := strings.TrimSpace(t[:lt])
		args := splitTopLevel(t[lt+1:len(t)-1], ',')
		if (base == "Result" || base == "Result.Result") && len(args) == 2 {
			return "variant { ok : " + NormalizeType(args[0]) + "; err : " + NormalizeType(args[1]) + " }"
		}
		norm := make([]string, 0, len(args))
		for _, a := range args {
			norm = append(norm, NormalizeType(a))
		}
		return unqualify(base) + "<" + strings.Join(norm, ", ") + ">"
	}

	if p, ok := primitiveTypes[t]; ok {
		return p
	}
	return unqualify(t)
}

// normalizeFields normalizes "name : T" entries of a record body.
func normalizeFields(body string) []string {
	var out []string
	for _, f := range splitTopLevel(body, ';') {
		name, typ, ok := cutTopLevel(f, ':')
		if !ok {
			continue
		}
		name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "var "))
		out = append(out, name+" : "+NormalizeType(typ))
	}
	return out
}

func unqualify(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// enclosed reports whether s is one balanced group from open to close.
func enclosed(s string, open, close byte) bool {
	if len(s) < 2 || s[0] != open || s[len(s)-1] != close {
		return false
	}
	end := matchBracket(s, 0)
	return end == len(s)-1
}

// matchBracket returns the index of the bracket closing s[start], or -1.
func matchBracket(s string, start int) int {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}':
			depth--
		case '>':
			// "->" is an arrow, not a closing angle bracket.
			if i > 0 && s[i-1] == '-' {
				continue
			}
			depth--
		}
		if depth == 0 {
			return i
		}
	}
	return -1
}

// splitTopLevel splits s at sep outside any brackets. Empty parts are
// dropped.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}':
			depth--
		case '>':
			if i > 0 && s[i-1] == '-' {
				continue
			}
			depth--
		case sep:
			if depth == 0 {
				if p := strings.TrimSpace(s[start:i]); p != "" {
					parts = append(parts, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(s[start:]); p != "" {
		parts = append(parts, p)
	}
	return parts
}

// cutTopLevel splits s around the first sep outside brackets.
func cutTopLevel(s string, sep byte) (before, after string, found bool) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}':
			depth--
		case '>':
			if i > 0 && s[i-1] == '-' {
				continue
			}
			depth--
		case sep:
			if depth == 0 {
				return s[:i], s[i+1:], true
			}
		}
	}
	return s, "", false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
