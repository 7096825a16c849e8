package verify

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"apex-codegen/internal/extraction"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRuntime struct {
	result *RunResult
	err    error
	spec   RunSpec
	closed bool
}

func (s *stubRuntime) Run(_ context.Context, spec RunSpec) (*RunResult, error) {
	s.spec = spec
	return s.result, s.err
}

func (s *stubRuntime) Close() error {
	s.closed = true
	return nil
}

func backendFiles() *extraction.FileSet {
	files := extraction.NewFileSet()
	files.Put("backend/main.mo", "actor {\n  public query func ping() : async Text { \"pong\" };\n};\n")
	files.Put("frontend/src/App.tsx", "export default 1;\n")
	return files
}

func TestVerifyReturnsInterface(t *testing.T) {
	rt := &stubRuntime{result: &RunResult{Stdout: "service : {\n  ping : () -> (text) query;\n}\n"}}
	v := NewVerifier(rt, Config{Image: "apex/moc:latest", Timeout: time.Second})

	out, err := v.Verify(context.Background(), backendFiles())
	require.NoError(t, err)
	assert.Equal(t, "service : {\n  ping : () -> (text) query;\n}", out)

	assert.Equal(t, "apex/moc:latest", rt.spec.Image)
	assert.Equal(t, workDir, rt.spec.WorkDir)
	assert.Contains(t, strings.Join(rt.spec.Cmd, " "), `moc --idl "backend/main.mo"`)

	// Only backend sources are shipped to the compiler.
	tr := tar.NewReader(bytes.NewReader(rt.spec.Archive))
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"backend/main.mo"}, names)

	require.NoError(t, v.Close())
	assert.True(t, rt.closed)
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name    string
		rt      *stubRuntime
		files   *extraction.FileSet
		wantErr error
	}{
		{"no entry point", &stubRuntime{}, extraction.NewFileSet(), ErrNoEntryPoint},
		{"compile error", &stubRuntime{result: &RunResult{ExitCode: 1, Stderr: "main.mo:2.3: type error\nmore"}}, backendFiles(), ErrCompileFailed},
		{"timeout", &stubRuntime{result: &RunResult{TimedOut: true, ExitCode: 124}}, backendFiles(), ErrCompileFailed},
		{"empty output", &stubRuntime{result: &RunResult{Stdout: "  \n"}}, backendFiles(), ErrCompileFailed},
		{"runtime error", &stubRuntime{err: errors.New("daemon down")}, backendFiles(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.rt, Config{}).Verify(context.Background(), tt.files)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, limit: 4}
	n, err := w.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = w.Write([]byte("gh"))
	assert.Equal(t, "abcd", buf.String())
}
