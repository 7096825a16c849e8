// Package backendctx derives the callable interface of generated backend
// code. A compiler-verified interface is preferred; source parsing is the
// fallback. Both paths produce the same normalized shape.
package backendctx

import (
	"fmt"
	"strings"
)

// MethodKind distinguishes read-only from state-changing methods.
type MethodKind string

const (
	KindQuery  MethodKind = "query"
	KindUpdate MethodKind = "update"
)

// ContextSource records which path produced a BackendContext.
type ContextSource string

const (
	SourceVerified ContextSource = "verified"
	SourceFallback ContextSource = "fallback"
)

// MethodSignature is one callable backend method in normalized types.
type MethodSignature struct {
	Name           string     `json:"name"`
	ParameterTypes []string   `json:"parameterTypes"`
	ReturnType     string     `json:"returnType"`
	Kind           MethodKind `json:"kind"`
}

// ModelField is one field of a DataModel.
type ModelField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DataModel is a record type declared by the backend.
type DataModel struct {
	Name   string       `json:"name"`
	Fields []ModelField `json:"fields"`
}

// BackendContext is what the frontend phase is told about the backend.
type BackendContext struct {
	Methods       []MethodSignature `json:"methods"`
	DataModels    []DataModel       `json:"dataModels"`
	InterfaceText string            `json:"interfaceText"`
	Source        ContextSource     `json:"source"`
	EntryPoint    string            `json:"entryPoint"`
}

// MethodNames returns the method names in order.
func (c *BackendContext) MethodNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Methods))
	for _, m := range c.Methods {
		names = append(names, m.Name)
	}
	return names
}

// PromptSection renders the context for inclusion in a generation prompt.
func (c *BackendContext) PromptSection() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Backend interface:\n```candid\n")
	b.WriteString(c.InterfaceText)
	b.WriteString("\n```\n")
	if len(c.DataModels) > 0 {
		b.WriteString("\nData models:\n")
		for _, m := range c.DataModels {
			fields := make([]string, 0, len(m.Fields))
			for _, f := range m.Fields {
				fields = append(fields, f.Name+" : "+f.Type)
			}
			fmt.Fprintf(&b, "- %s { %s }\n", m.Name, strings.Join(fields, "; "))
		}
	}
	return b.String()
}

// RenderInterface synthesizes an interface description for methods.
// Models become type definitions ahead of the service block.
func RenderInterface(methods []MethodSignature, models []DataModel) string {
	var b strings.Builder
	for _, m := range models {
		fields := make([]string, 0, len(m.Fields))
		for _, f := range m.Fields {
			fields = append(fields, f.Name+" : "+f.Type)
		}
		fmt.Fprintf(&b, "type %s = record { %s };\n", m.Name, strings.Join(fields, "; "))
	}
	b.WriteString("service : {\n")
	for _, m := range methods {
		ret := "()"
		if m.ReturnType != "" && m.ReturnType != "()" {
			ret = "(" + m.ReturnType + ")"
		}
		fmt.Fprintf(&b, "  %s : (%s) -> %s", m.Name, strings.Join(m.ParameterTypes, ", "), ret)
		if m.Kind == KindQuery {
			b.WriteString(" query")
		}
		b.WriteString(";\n")
	}
	b.WriteString("}")
	return b.String()
}
