package extraction

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSetPutNeverOverwrites(t *testing.T) {
	s := NewFileSet()
	assert.True(t, s.Put("b.ts", "b"))
	assert.True(t, s.Put("a.ts", "a"))
	assert.False(t, s.Put("b.ts", "other"))

	got, _ := s.Get("b.ts")
	assert.Equal(t, "b", got)
	assert.Equal(t, []string{"b.ts", "a.ts"}, s.Paths())
}

func TestFileSetSupersedeKeepsPosition(t *testing.T) {
	s := NewFileSet()
	s.Put("spec.md", "old")
	s.Put("main.mo", "actor {}")

	assert.True(t, s.Supersede("spec.md", "new"))
	assert.False(t, s.Supersede("dfx.json", "{}"))

	got, _ := s.Get("spec.md")
	assert.Equal(t, "new", got)
	assert.Equal(t, []string{"spec.md", "main.mo", "dfx.json"}, s.Paths())
}

func TestFileSetRemoveAndClone(t *testing.T) {
	s := NewFileSet()
	s.Put("a", "1")
	s.Put("b", "2")
	c := s.Clone()

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Equal(t, []string{"b"}, s.Paths())
	assert.Equal(t, []string{"a", "b"}, c.Paths())
}

func TestFileSetJSONKeepsOrder(t *testing.T) {
	s := NewFileSet()
	s.Put("z.ts", "z")
	s.Put("a.ts", "quote \" here")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `{"z.ts":"z","a.ts":"quote \" here"}`, string(data))
}

func TestFileSetNilSafe(t *testing.T) {
	var s *FileSet
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Paths())
	assert.False(t, s.Has("x"))
	assert.Empty(t, s.Map())
	assert.Equal(t, 0, s.Clone().Len())
	assert.Equal(t, 0, s.NonEmpty())
}

func TestFileSetNonEmpty(t *testing.T) {
	s := NewFileSet()
	s.Put("backend/main.mo", "")
	s.Put("backend/blank.mo", " \n\t\n")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 0, s.NonEmpty())

	s.Put("backend/app.mo", "actor {};\n")
	assert.Equal(t, 1, s.NonEmpty())
}

func TestFileSetFiles(t *testing.T) {
	s := NewFileSet()
	s.Put("main.mo", "actor {}")
	files := s.Files()
	require.Len(t, files, 1)
	assert.Equal(t, File{Path: "main.mo", Content: "actor {}", Language: "motoko", Size: 8}, files[0])
}
