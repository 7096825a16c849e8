package backendctx

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedInterface is returned for interface text without a service
// block holding at least one method.
var ErrMalformedInterface = errors.New("malformed interface description")

var serviceDecl = regexp.MustCompile(`\bservice\s*:`)

// ParseInterface reads the method list out of an interface description of
// the form service : { name : (args) -> (ret) query; ... }.
func ParseInterface(text string) ([]MethodSignature, error) {
	loc := serviceDecl.FindStringIndex(text)
	if loc == nil {
		return nil, fmt.Errorf("%w: no service declaration", ErrMalformedInterface)
	}
	rest := text[loc[1]:]
	open := strings.IndexByte(rest, '{')
	if open < 0 {
		return nil, fmt.Errorf("%w: no service body", ErrMalformedInterface)
	}
	closeIdx := matchBracket(rest, open)
	if closeIdx < 0 {
		return nil, fmt.Errorf("%w: unbalanced service body", ErrMalformedInterface)
	}

	var methods []MethodSignature
	for _, entry := range splitTopLevel(rest[open+1:closeIdx], ';') {
		m, err := parseServiceEntry(entry)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: service declares no methods", ErrMalformedInterface)
	}
	return methods, nil
}

func parseServiceEntry(entry string) (MethodSignature, error) {
	name, sig, ok := cutTopLevel(entry, ':')
	if !ok {
		return MethodSignature{}, fmt.Errorf("%w: entry %q has no signature", ErrMalformedInterface, entry)
	}
	name = strings.Trim(strings.TrimSpace(name), `"`)
	sig = strings.TrimSpace(sig)
	if name == "" || !strings.HasPrefix(sig, "(") {
		return MethodSignature{}, fmt.Errorf("%w: entry %q", ErrMalformedInterface, entry)
	}

	argsEnd := matchBracket(sig, 0)
	if argsEnd < 0 {
		return MethodSignature{}, fmt.Errorf("%w: unbalanced arguments in %q", ErrMalformedInterface, name)
	}
	after := strings.TrimSpace(sig[argsEnd+1:])
	if !strings.HasPrefix(after, "->") {
		return MethodSignature{}, fmt.Errorf("%w: %q has no result", ErrMalformedInterface, name)
	}
	after = strings.TrimSpace(after[2:])
	if !strings.HasPrefix(after, "(") {
		return MethodSignature{}, fmt.Errorf("%w: %q result is not parenthesized", ErrMalformedInterface, name)
	}
	retEnd := matchBracket(after, 0)
	if retEnd < 0 {
		return MethodSignature{}, fmt.Errorf("%w: unbalanced result in %q", ErrMalformedInterface, name)
	}

	params := []string{}
	for _, p := range splitTopLevel(sig[1:argsEnd], ',') {
		if _, typ, ok := cutTopLevel(p, ':'); ok {
			p = typ
		}
		params = append(params, collapseSpace(p))
	}

	ret := collapseSpace(after[1:retEnd])
	if ret == "" {
		ret = "()"
	}

	kind := KindUpdate
	for _, mod := range strings.Fields(after[retEnd+1:]) {
		if mod == "query" || mod == "composite_query" {
			kind = KindQuery
		}
	}
	return MethodSignature{Name: name, ParameterTypes: params, ReturnType: ret, Kind: kind}, nil
}
