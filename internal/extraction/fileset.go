package extraction

import (
	"bytes"
	"encoding/json"
	"strings"
)

// File is one extracted source file.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language"`
	Size     int64  `json:"size"`
}

// FileSet is an insertion-ordered path → content map. It is not safe for
// concurrent use; owners serialize access.
type FileSet struct {
	order []string
	files map[string]string
}

// NewFileSet returns an empty set.
func NewFileSet() *FileSet {
	return &FileSet{files: make(map[string]string)}
}

// Put adds path if absent. It reports whether the file was added; an
// existing path is never overwritten.
func (s *FileSet) Put(path, content string) bool {
	if _, ok := s.files[path]; ok {
		return false
	}
	s.order = append(s.order, path)
	s.files[path] = content
	return true
}

// Supersede writes path even if present, keeping its original position.
// It reports whether an existing file was replaced.
func (s *FileSet) Supersede(path, content string) bool {
	if _, ok := s.files[path]; ok {
		s.files[path] = content
		return true
	}
	s.order = append(s.order, path)
	s.files[path] = content
	return false
}

// Remove deletes path.
func (s *FileSet) Remove(path string) bool {
	if _, ok := s.files[path]; !ok {
		return false
	}
	delete(s.files, path)
	for i, p := range s.order {
		if p == path {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the content for path.
func (s *FileSet) Get(path string) (string, bool) {
	if s == nil {
		return "", false
	}
	c, ok := s.files[path]
	return c, ok
}

// Has reports whether path is present.
func (s *FileSet) Has(path string) bool {
	_, ok := s.Get(path)
	return ok
}

// Len returns the number of files.
func (s *FileSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// NonEmpty returns the number of files with non-blank content.
func (s *FileSet) NonEmpty() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, c := range s.files {
		if strings.TrimSpace(c) != "" {
			n++
		}
	}
	return n
}

// Paths returns paths in first-insertion order.
func (s *FileSet) Paths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Files returns the files in order with language and size filled in.
func (s *FileSet) Files() []File {
	if s == nil {
		return nil
	}
	out := make([]File, 0, len(s.order))
	for _, p := range s.order {
		c := s.files[p]
		out = append(out, File{Path: p, Content: c, Language: Language(p), Size: int64(len(c))})
	}
	return out
}

// Map returns an unordered copy.
func (s *FileSet) Map() map[string]string {
	out := make(map[string]string, s.Len())
	if s == nil {
		return out
	}
	for k, v := range s.files {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy.
func (s *FileSet) Clone() *FileSet {
	c := NewFileSet()
	if s == nil {
		return c
	}
	c.order = append(c.order, s.order...)
	for k, v := range s.files {
		c.files[k] = v
	}
	return c
}

// MarshalJSON writes an object whose keys keep insertion order.
func (s *FileSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range s.Paths() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(s.files[p])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
