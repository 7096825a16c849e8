package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"apex-codegen/internal/app"
	"apex-codegen/internal/extraction"
	"apex-codegen/internal/generation"

	"github.com/spf13/cobra"
)

var (
	outDir       string
	providerName string
	projectName  string
	projectID    string
	quiet        bool
	noTelemetry  bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <request>",
	Short: "Run one generation and write the files to disk",
	Long: `Run the full pipeline in-process: infer a specification, pick a template,
generate the backend, analyze its interface, generate the frontend, and
write every file under --out.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&outDir, "out", "o", "generated", "output directory")
	generateCmd.Flags().StringVarP(&providerName, "provider", "p", "", "primary AI provider (claude, openai, gemini)")
	generateCmd.Flags().StringVarP(&projectName, "name", "n", "", "project name (inferred when empty)")
	generateCmd.Flags().StringVar(&projectID, "project", "", "project id recorded with the run")
	generateCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the summary")
	generateCmd.Flags().BoolVar(&noTelemetry, "no-telemetry", false, "do not record the run")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if providerName != "" {
		cfg.AI.Provider = providerName
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{}
	if !quiet {
		opts = append(opts, app.WithSink(newProgressPrinter(cmd.ErrOrStderr())))
	}
	if noTelemetry {
		opts = append(opts, app.WithoutTelemetry())
	}
	a, err := app.Build(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	name := projectName
	if name == "" {
		name = cfg.Generation.DefaultName
	}
	res := a.Orchestrator.Run(ctx, generation.Request{
		Input:       strings.Join(args, " "),
		ProjectID:   projectID,
		ProjectName: name,
	})
	return report(cmd.OutOrStdout(), res, outDir)
}

// report writes whatever the run produced and summarizes it.
func report(w io.Writer, res *generation.Result, dir string) error {
	written := 0
	if res.Files.Len() > 0 {
		n, err := writeFiles(dir, res.Files)
		if err != nil {
			return err
		}
		written = n
	}

	fmt.Fprintf(w, "run %s: %s\n", res.RunID, outcome(res))
	if res.TemplateUsed != nil {
		fmt.Fprintf(w, "template: %s (confidence %.2f", res.TemplateUsed.Name, res.TemplateUsed.Confidence)
		if res.TemplateUsed.FallbackUsed {
			fmt.Fprint(w, ", fallback instructions")
		}
		fmt.Fprintln(w, ")")
	}
	for _, warn := range res.Diagnostics.Warnings {
		fmt.Fprintf(w, "warning: %s: %s\n", warn.Kind, warn.Message)
	}
	if written > 0 {
		fmt.Fprintf(w, "wrote %d files to %s\n", written, dir)
	}
	if !res.Success {
		if res.Error != nil {
			return res.Error
		}
		return errors.New("generation failed")
	}
	return nil
}

func outcome(res *generation.Result) string {
	if res.Success {
		return fmt.Sprintf("succeeded with %d files for %q", res.Files.Len(), res.ProjectName)
	}
	return fmt.Sprintf("failed in %s", res.FinalPhase)
}

// writeFiles writes files under dir, refusing paths that escape it.
func writeFiles(dir string, files *extraction.FileSet) (int, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files.Files() {
		rel := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(f.Path, "/")))
		target := filepath.Join(root, rel)
		if rel == "." || !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return n, fmt.Errorf("refusing to write %q outside %s", f.Path, dir)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return n, err
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// progressPrinter prints phase changes and finished files.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) Publish(ev generation.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Type {
	case generation.EventPhaseTransition:
		fmt.Fprintf(p.w, "==> %s\n", ev.Phase)
	case generation.EventFileComplete:
		fmt.Fprintf(p.w, "    %s (%d bytes)\n", ev.Path, ev.Size)
	case generation.EventTerminal:
		if ev.Success {
			fmt.Fprintf(p.w, "==> done, %d files\n", ev.FileCount)
		} else {
			fmt.Fprintf(p.w, "==> failed: %s\n", ev.Error)
		}
	}
}

var _ generation.ProgressSink = (*progressPrinter)(nil)
