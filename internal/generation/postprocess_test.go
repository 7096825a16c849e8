package generation

import (
	"context"
	"encoding/json"
	"testing"

	"apex-codegen/internal/config"
	"apex-codegen/internal/spec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecFileInjector(t *testing.T) {
	st := NewState("run-1", Request{})
	require.Error(t, SpecFileInjector{}.Process(context.Background(), st))

	st.setSpecification(todoSpec())
	st.RecordFiles(PhaseBackendGen, filesOf(SpecFilePath, "model-written"))
	require.NoError(t, SpecFileInjector{}.Process(context.Background(), st))

	got, ok := st.Files().Get(SpecFilePath)
	require.True(t, ok)
	assert.Contains(t, got, "Todo Tracker")
	assert.NotEqual(t, "model-written", got)
}

func TestProjectRenamer(t *testing.T) {
	tests := []struct {
		name    string
		project string
		sp      *spec.Specification
		want    string
		wantErr bool
	}{
		{"placeholder renamed", config.DefaultProjectName, todoSpec(), "Todo Tracker", false},
		{"custom name kept", "My App", todoSpec(), "My App", false},
		{"near match kept", "untitled project", todoSpec(), "untitled project", false},
		{"no inferred name", config.DefaultProjectName, &spec.Specification{}, config.DefaultProjectName, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewState("run-1", Request{ProjectName: tt.project})
			st.setSpecification(tt.sp)

			err := ProjectRenamer{Placeholder: config.DefaultProjectName}.Process(context.Background(), st)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, st.ProjectName())
		})
	}
}

func TestPlatformFileIntegrator(t *testing.T) {
	st := NewState("run-1", Request{ProjectName: "Todo Tracker!"})
	st.RecordFiles(PhaseBackendGen, filesOf("backend/app.mo", "actor App {};\n"))
	st.RecordFiles(PhaseFrontendGen, filesOf("package.json", `{"name":"mine"}`))

	require.NoError(t, PlatformFileIntegrator{}.Process(context.Background(), st))
	files := st.Files()

	pkg, _ := files.Get("package.json")
	assert.Equal(t, `{"name":"mine"}`, pkg, "existing files are left alone")
	assert.True(t, files.Has("vite.config.ts"))

	raw, ok := files.Get("dfx.json")
	require.True(t, ok)
	var dfx struct {
		Canisters map[string]map[string]interface{} `json:"canisters"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &dfx))
	require.Contains(t, dfx.Canisters, "todo_tracker_backend")
	assert.Equal(t, "backend/app.mo", dfx.Canisters["todo_tracker_backend"]["main"])
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "todo_tracker", slug("Todo Tracker"))
	assert.Equal(t, "a_b_c", slug("--A b  C--"))
	assert.Equal(t, "app", slug("!!!"))
}

func TestDefaultPostProcessorsRenameFirst(t *testing.T) {
	chain := DefaultPostProcessors()
	require.NotEmpty(t, chain)
	assert.Equal(t, "project_rename", chain[0].Name())

	st := NewState("run-1", Request{ProjectName: config.DefaultProjectName})
	st.setSpecification(todoSpec())
	for _, p := range chain {
		require.NoError(t, p.Process(context.Background(), st))
	}
	dfx, _ := st.Files().Get("dfx.json")
	assert.Contains(t, dfx, "todo_tracker_backend")
	assert.True(t, st.Files().Has(SpecFilePath))
}
