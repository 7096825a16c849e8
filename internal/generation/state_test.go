package generation

import (
	"errors"
	"testing"

	"apex-codegen/internal/extraction"
	"apex-codegen/internal/templates"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filesOf(kv ...string) *extraction.FileSet {
	fs := extraction.NewFileSet()
	for i := 0; i+1 < len(kv); i += 2 {
		fs.Put(kv[i], kv[i+1])
	}
	return fs
}

func TestStateAccumulatorsArePhaseLocal(t *testing.T) {
	st := NewState("run-1", Request{Input: "x"})

	st.AppendDelta(PhaseBackendGen, "back")
	st.AppendDelta(PhaseFrontendGen, "front")
	got := st.AppendDelta(PhaseBackendGen, "end")

	assert.Equal(t, "backend", got)
	assert.Equal(t, "backend", st.Accumulated(PhaseBackendGen))
	assert.Equal(t, "front", st.Accumulated(PhaseFrontendGen))
	assert.Equal(t, "", st.Accumulated(PhaseSpec))
	assert.Equal(t, "backfrontend", st.Transcript())
}

func TestStateRecordFilesNeverOverwrites(t *testing.T) {
	st := NewState("run-1", Request{})

	added := st.RecordFiles(PhaseBackendGen, filesOf("backend/main.mo", "v1", "backend/types.mo", "t"))
	assert.Equal(t, []string{"backend/main.mo", "backend/types.mo"}, added)

	added = st.RecordFiles(PhaseFrontendGen, filesOf("backend/main.mo", "v2", "frontend/App.tsx", "app"))
	assert.Equal(t, []string{"frontend/App.tsx"}, added)

	main, _ := st.Files().Get("backend/main.mo")
	assert.Equal(t, "v1", main)
	owner, ok := st.Owner("backend/main.mo")
	require.True(t, ok)
	assert.Equal(t, PhaseBackendGen, owner)

	// The phase-local view still reflects what the phase itself produced.
	fm, _ := st.PhaseFiles(PhaseFrontendGen).Get("backend/main.mo")
	assert.Equal(t, "v2", fm)

	assert.False(t, st.AddFileIfAbsent(PhaseConfiguring, "frontend/App.tsx", "other"))
	assert.True(t, st.AddFileIfAbsent(PhaseConfiguring, "dfx.json", "{}"))
	assert.Equal(t, 4, st.Files().Len())
	assert.Nil(t, st.RecordFiles(PhaseBackendGen, nil))
}

func TestStateSupersede(t *testing.T) {
	st := NewState("run-1", Request{})
	st.RecordFiles(PhaseBackendGen, filesOf("spec.md", "old"))

	st.Supersede(PhaseConfiguring, "spec.md", "new")

	got, _ := st.Files().Get("spec.md")
	assert.Equal(t, "new", got)
	owner, _ := st.Owner("spec.md")
	assert.Equal(t, PhaseConfiguring, owner)
}

func TestStateFilesAreCopies(t *testing.T) {
	st := NewState("run-1", Request{})
	st.RecordFiles(PhaseBackendGen, filesOf("a.mo", "a"))

	st.Files().Put("b.mo", "b")
	st.PhaseFiles(PhaseBackendGen).Put("c.mo", "c")

	assert.Equal(t, []string{"a.mo"}, st.Files().Paths())
	assert.Equal(t, 0, st.PhaseFiles(PhaseFrontendGen).Len())
}

func TestStateFirstErrorWins(t *testing.T) {
	st := NewState("run-1", Request{})
	first := newPhaseError(BackendGenerationError, PhaseBackendGen, errors.New("a"), "first")
	second := newPhaseError(FrontendGenerationError, PhaseFrontendGen, errors.New("b"), "second")

	assert.True(t, st.setError(first))
	assert.False(t, st.setError(second))
	assert.Same(t, first, st.Err())
}

func TestStateSelectionConfidenceIsClamped(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0.42, 0.42},
		{1.7, 1},
	}
	for _, tt := range tests {
		st := NewState("run-1", Request{})
		st.setSelection(templates.Selection{TemplateID: templates.Blog, Confidence: tt.in})
		assert.Equal(t, tt.want, st.Diagnostics().RouteConfidence)
	}
}

func TestStateSnapshot(t *testing.T) {
	st := NewState("run-9", Request{Input: "make a blog", ProjectID: "p1", ProjectName: "Blog"})
	st.setSelection(templates.Selection{TemplateID: templates.Blog, Confidence: 0.8})
	st.setContent(&templates.Content{ID: templates.GenericTemplateID}, true)
	st.RecordFiles(PhaseBackendGen, filesOf("backend/main.mo", "actor {}"))
	st.warn(newPhaseError(FetchingError, PhaseFetching, errors.New("down"), "fetch"))
	st.setError(newPhaseError(FrontendGenerationError, PhaseFrontendGen, nil, "no frontend"))
	st.markFinished()

	snap := st.Snapshot()
	assert.Equal(t, "run-9", snap.RunID)
	assert.Equal(t, "p1", snap.ProjectID)
	assert.False(t, snap.Success)
	assert.Equal(t, templates.Blog, snap.TemplateID)
	assert.True(t, snap.FallbackUsed)
	assert.InDelta(t, 0.8, snap.RouteConfidence, 1e-9)
	require.Len(t, snap.Files, 1)
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, string(FetchingError), snap.Warnings[0].Kind)
	assert.Equal(t, string(FrontendGenerationError), snap.ErrorKind)
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestPhaseErrorFormat(t *testing.T) {
	cause := errors.New("socket closed")
	perr := newPhaseError(BackendGenerationError, PhaseBackendGen, cause, "backend generation failed")

	assert.Equal(t, "backend_gen: backend generation failed: socket closed", perr.Error())
	assert.ErrorIs(t, perr, cause)
	assert.True(t, perr.Fatal)

	tests := map[ErrorKind]bool{
		SpecificationError:      true,
		RoutingError:            false,
		FetchingError:           false,
		BackendGenerationError:  true,
		BackendAnalysisError:    false,
		FrontendGenerationError: true,
		PostProcessingError:     false,
	}
	for kind, fatal := range tests {
		assert.Equal(t, fatal, kind.Fatal(), string(kind))
	}
}
