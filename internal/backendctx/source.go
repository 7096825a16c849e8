package backendctx

import (
	"regexp"
	"strings"

	"apex-codegen/internal/extraction"
)

var (
	// public [shared[(ctx)]] [[composite] query] func name
	publicFuncDecl = regexp.MustCompile(`\bpublic\s+((?:shared(?:\s*\([^)]*\))?\s+)?(?:(?:composite\s+)?query\s+)?)func\s+([A-Za-z_][A-Za-z0-9_]*)\s*(?:<[^>]*>)?\s*\(`)

	recordTypeDecl = regexp.MustCompile(`\btype\s+([A-Z][A-Za-z0-9_]*)\s*(?:<[^>]*>)?\s*=\s*\{`)

	actorDecl = regexp.MustCompile(`(?m)^\s*(?:persistent\s+)?actor(?:\s+class)?\b`)

	lineComment = regexp.MustCompile(`//[^\n]*`)
)

// ParseSource extracts public method signatures and record types from
// backend sources. Methods are read from actor files only; record types
// from every file. First declaration of a name wins.
func ParseSource(files *extraction.FileSet) ([]MethodSignature, []DataModel) {
	var methods []MethodSignature
	var models []DataModel
	seenMethod := map[string]bool{}
	seenModel := map[string]bool{}

	actorFiles := 0
	for _, f := range files.Files() {
		if extraction.IsBackendSource(f.Path) && actorDecl.MatchString(f.Content) {
			actorFiles++
		}
	}

	for _, f := range files.Files() {
		if !extraction.IsBackendSource(f.Path) {
			continue
		}
		src := lineComment.ReplaceAllString(f.Content, "")

		for _, m := range parseRecordTypes(src) {
			if !seenModel[m.Name] {
				seenModel[m.Name] = true
				models = append(models, m)
			}
		}

		if actorFiles > 0 && !actorDecl.MatchString(src) {
			continue
		}
		for _, m := range parseMethods(src) {
			if !seenMethod[m.Name] {
				seenMethod[m.Name] = true
				methods = append(methods, m)
			}
		}
	}
	return methods, models
}

func parseMethods(src string) []MethodSignature {
	var out []MethodSignature
	for _, loc := range publicFuncDecl.FindAllStringSubmatchIndex(src, -1) {
		modifiers := src[loc[2]:loc[3]]
		name := src[loc[4]:loc[5]]
		open := loc[1] - 1
		closeIdx := matchBracket(src, open)
		if closeIdx < 0 {
			continue
		}

		var params []string
		for _, p := range splitTopLevel(src[open+1:closeIdx], ',') {
			if _, typ, ok := cutTopLevel(p, ':'); ok {
				params = append(params, NormalizeType(typ))
			} else {
				params = append(params, NormalizeType(p))
			}
		}

		ret := "()"
		rest := strings.TrimLeft(src[closeIdx+1:], " \t\r\n")
		if strings.HasPrefix(rest, ":") {
			rest = strings.TrimLeft(rest[1:], " \t\r\n")
			rest = strings.TrimLeft(strings.TrimPrefix(rest, "async"), " \t\r\n")
			if end := scanType(rest); end > 0 {
				ret = NormalizeType(rest[:end])
			}
		}

		kind := KindUpdate
		if strings.Contains(modifiers, "query") {
			kind = KindQuery
		}
		out = append(out, MethodSignature{
			Name:           name,
			ParameterTypes: nonNil(params),
			ReturnType:     ret,
			Kind:           kind,
		})
	}
	return out
}

func parseRecordTypes(src string) []DataModel {
	var out []DataModel
	for _, loc := range recordTypeDecl.FindAllStringSubmatchIndex(src, -1) {
		name := src[loc[2]:loc[3]]
		open := loc[1] - 1
		closeIdx := matchBracket(src, open)
		if closeIdx < 0 {
			continue
		}
		var fields []ModelField
		for _, f := range splitTopLevel(src[open+1:closeIdx], ';') {
			fname, ftype, ok := cutTopLevel(f, ':')
			if !ok {
				continue
			}
			fname = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(fname), "var "))
			fields = append(fields, ModelField{Name: fname, Type: NormalizeType(ftype)})
		}
		out = append(out, DataModel{Name: name, Fields: fields})
	}
	return out
}

// scanType returns the length of the single type expression at the start
// of s, or 0.
func scanType(s string) int {
	if s == "" {
		return 0
	}
	switch s[0] {
	case '?':
		if n := scanType(s[1:]); n > 0 {
			return n + 1
		}
		return 0
	case '(', '[', '{':
		if end := matchBracket(s, 0); end > 0 {
			return end + 1
		}
		return 0
	}

	i := 0
	for i < len(s) && (isIdentByte(s[i]) || s[i] == '.') {
		i++
	}
	if i == 0 {
		return 0
	}
	if i < len(s) && s[i] == '<' {
		if end := matchBracket(s, i); end > 0 {
			return end + 1
		}
	}
	return i
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
