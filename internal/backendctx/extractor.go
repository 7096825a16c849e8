package backendctx

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"apex-codegen/internal/extraction"
	"apex-codegen/internal/logging"

	"go.uber.org/zap"
)

var (
	// ErrNoInterface is returned when neither path yields an interface.
	ErrNoInterface = errors.New("no backend interface could be derived")
	// ErrInconsistentInterface is returned when the verified interface
	// disagrees with the methods parsed from source.
	ErrInconsistentInterface = errors.New("verified interface disagrees with source")
)

// InterfaceVerifier produces a machine-verified interface description for
// backend files, typically by compiling them.
type InterfaceVerifier interface {
	Verify(ctx context.Context, files *extraction.FileSet) (string, error)
}

// Extractor derives a BackendContext from generated backend files.
type Extractor struct {
	verifier InterfaceVerifier
}

// NewExtractor creates an extractor. A nil verifier disables the verified
// path.
func NewExtractor(verifier InterfaceVerifier) *Extractor {
	return &Extractor{verifier: verifier}
}

// Extract tries the verified path, then source parsing. It returns
// ErrNoInterface when both fail.
func (e *Extractor) Extract(ctx context.Context, files *extraction.FileSet) (*BackendContext, error) {
	backend := extraction.BackendFiles(files)
	if backend.Len() == 0 {
		return nil, fmt.Errorf("%w: no backend sources", ErrNoInterface)
	}

	entry := extraction.EntryPoint(backend)
	methods, models := ParseSource(backend)
	log := logging.L().With(zap.String("entry_point", entry))

	if e.verifier != nil {
		bc, err := e.verified(ctx, files, methods)
		if err == nil {
			bc.DataModels = models
			bc.EntryPoint = entry
			log.Info("backend interface verified", zap.Int("methods", len(bc.Methods)))
			return bc, nil
		}
		log.Warn("verified interface unavailable, parsing source", zap.Error(err))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no public methods in source", ErrNoInterface)
	}
	log.Info("backend interface parsed from source", zap.Int("methods", len(methods)))
	return &BackendContext{
		Methods:       methods,
		DataModels:    models,
		InterfaceText: RenderInterface(methods, models),
		Source:        SourceFallback,
		EntryPoint:    entry,
	}, nil
}

func (e *Extractor) verified(ctx context.Context, files *extraction.FileSet, parsed []MethodSignature) (*BackendContext, error) {
	text, err := e.verifier.Verify(ctx, files)
	if err != nil {
		return nil, err
	}
	methods, err := ParseInterface(text)
	if err != nil {
		return nil, err
	}
	if len(parsed) > 0 {
		if err := sameNames(methods, parsed); err != nil {
			return nil, err
		}
	}
	return &BackendContext{
		Methods:       methods,
		InterfaceText: text,
		Source:        SourceVerified,
	}, nil
}

func sameNames(verified, parsed []MethodSignature) error {
	v := names(verified)
	p := names(parsed)
	if len(v) != len(p) {
		return fmt.Errorf("%w: %v vs %v", ErrInconsistentInterface, v, p)
	}
	for i := range v {
		if v[i] != p[i] {
			return fmt.Errorf("%w: %v vs %v", ErrInconsistentInterface, v, p)
		}
	}
	return nil
}

func names(methods []MethodSignature) []string {
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		out = append(out, m.Name)
	}
	sort.Strings(out)
	return out
}
