package generation

import (
	"fmt"
	"strings"
	"time"

	"apex-codegen/internal/ai"
	"apex-codegen/internal/backendctx"
	"apex-codegen/internal/spec"
	"apex-codegen/internal/templates"
)

// PhasePrompt is everything the PhaseRunner needs for one streaming call.
type PhasePrompt struct {
	Phase        Phase
	Capability   ai.AICapability
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	// IdleTimeout bounds the gap between two stream events. Zero waits
	// for the stream to end.
	IdleTimeout time.Duration
}

const fileFormatRules = `Emit every file as a marker line followed by one fenced block:

// File: <relative/path>
` + "```" + `<language>
<full file content>
` + "```" + `

Never emit partial files, diffs or placeholders. Paths are relative to the project root.`

const backendSystemPrompt = `You are a senior backend engineer generating a complete, compilable backend.
` + fileFormatRules

const frontendSystemPrompt = `You are a senior frontend engineer generating a complete frontend that talks to an existing backend.
` + fileFormatRules

// backendPrompt builds the backend generation prompt.
func backendPrompt(sp *spec.Specification, content *templates.Content) string {
	var b strings.Builder
	writeSpecification(&b, sp)
	writeInstructions(&b, "Backend instructions", content.BackendInstructions)
	writeInstructions(&b, "Backend rules", content.BackendRules)
	b.WriteString("Generate the backend now. The entry point file must be backend/main.mo.\n")
	return b.String()
}

// frontendPrompt builds the frontend prompt. A nil backend context lowers
// the prompt's detail; it never fails.
func frontendPrompt(sp *spec.Specification, content *templates.Content, bc *backendctx.BackendContext) string {
	var b strings.Builder
	writeSpecification(&b, sp)
	writeInstructions(&b, "Frontend instructions", content.FrontendInstructions)
	writeInstructions(&b, "Frontend rules", content.FrontendRules)

	if section := bc.PromptSection(); section != "" {
		b.WriteString("## Backend interface\n\n")
		b.WriteString(section)
		b.WriteString("\n\nUse only the methods listed above, with exactly these argument and result types.\n\n")
	} else {
		b.WriteString("## Backend interface\n\nThe backend interface could not be determined. " +
			"Keep backend calls in one module so they are easy to align later.\n\n")
	}
	b.WriteString("Generate the frontend now, under frontend/.\n")
	return b.String()
}

func writeSpecification(b *strings.Builder, sp *spec.Specification) {
	if sp == nil {
		return
	}
	fmt.Fprintf(b, "# Project: %s\n\n", sp.ProjectName)
	if sp.Summary != "" {
		b.WriteString(sp.Summary)
		b.WriteString("\n\n")
	}
	writeBullets(b, "Goals", sp.Goals)
	writeBullets(b, "Features", sp.Features)
}

func writeBullets(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func writeInstructions(b *strings.Builder, title, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n\n%s\n\n", title, strings.TrimSpace(text))
}
