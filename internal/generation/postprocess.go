package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"apex-codegen/internal/config"
	"apex-codegen/internal/extraction"
)

// PostProcessor adjusts the finished file set during Configuring. Its
// failures are recoverable.
type PostProcessor interface {
	Name() string
	Process(ctx context.Context, st *State) error
}

// DefaultPostProcessors returns the standard chain in run order. The
// rename comes first so platform files carry the final name.
func DefaultPostProcessors() []PostProcessor {
	return []PostProcessor{
		ProjectRenamer{Placeholder: config.DefaultProjectName},
		SpecFileInjector{},
		PlatformFileIntegrator{},
	}
}

// SpecFileInjector writes spec.md from the inferred specification.
type SpecFileInjector struct{}

// SpecFilePath is where the specification lands in the project.
const SpecFilePath = "spec.md"

func (SpecFileInjector) Name() string { return "spec_file" }

func (SpecFileInjector) Process(_ context.Context, st *State) error {
	sp := st.Specification()
	if sp == nil {
		return fmt.Errorf("no specification to inject")
	}
	st.Supersede(PhaseConfiguring, SpecFilePath, sp.Markdown())
	return nil
}

// PlatformFileIntegrator adds the build files a generated project needs
// when the model did not produce them. Existing files are left alone.
type PlatformFileIntegrator struct{}

func (PlatformFileIntegrator) Name() string { return "platform_files" }

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(name string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if s == "" {
		return "app"
	}
	return s
}

func (PlatformFileIntegrator) Process(_ context.Context, st *State) error {
	files := st.Files()
	name := slug(st.ProjectName())

	entry := extraction.EntryPoint(extraction.BackendFiles(files))
	if entry == "" {
		entry = "backend/main.mo"
	}

	dfx, err := json.MarshalIndent(map[string]interface{}{
		"version": 1,
		"canisters": map[string]interface{}{
			name + "_backend": map[string]interface{}{
				"type": "motoko",
				"main": entry,
			},
			name + "_frontend": map[string]interface{}{
				"type":         "assets",
				"source":       []string{"frontend/dist"},
				"dependencies": []string{name + "_backend"},
			},
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("render dfx.json: %w", err)
	}

	pkg, err := json.MarshalIndent(map[string]interface{}{
		"name":    strings.ReplaceAll(name, "_", "-"),
		"private": true,
		"type":    "module",
		"scripts": map[string]string{
			"dev":   "vite",
			"build": "tsc && vite build",
		},
		"dependencies": map[string]string{
			"@dfinity/agent": "^2.1.0",
			"react":          "^18.3.1",
			"react-dom":      "^18.3.1",
		},
		"devDependencies": map[string]string{
			"@vitejs/plugin-react": "^4.3.0",
			"typescript":           "^5.5.0",
			"vite":                 "^5.4.0",
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("render package.json: %w", err)
	}

	vite := `import { defineConfig } from "vite";
import react from "@vitejs/plugin-react";

export default defineConfig({
  root: "frontend",
  plugins: [react()],
  build: { outDir: "dist", emptyOutDir: true },
});
`

	st.AddFileIfAbsent(PhaseConfiguring, "dfx.json", string(dfx)+"\n")
	st.AddFileIfAbsent(PhaseConfiguring, "package.json", string(pkg)+"\n")
	st.AddFileIfAbsent(PhaseConfiguring, "vite.config.ts", vite)
	return nil
}

// ProjectRenamer replaces a placeholder project name with the inferred one.
// The trigger is an exact match on Placeholder.
type ProjectRenamer struct {
	Placeholder string
}

func (ProjectRenamer) Name() string { return "project_rename" }

func (p ProjectRenamer) Process(_ context.Context, st *State) error {
	if st.ProjectName() != p.Placeholder {
		return nil
	}
	sp := st.Specification()
	if sp == nil || strings.TrimSpace(sp.ProjectName) == "" {
		return fmt.Errorf("no inferred project name to rename %q to", p.Placeholder)
	}
	st.Rename(sp.ProjectName)
	return nil
}
