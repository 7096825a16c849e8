package extraction

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Language determines the programming language from a file path
func Language(path string) string {
	switch strings.ToLower(filepath.Base(path)) {
	case "dockerfile":
		return "dockerfile"
	case "makefile":
		return "makefile"
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mo":
		return "motoko"
	case ".did":
		return "candid"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".html":
		return "html"
	case ".css", ".scss":
		return "css"
	case ".sql":
		return "sql"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".md":
		return "markdown"
	case ".sh":
		return "bash"
	default:
		return "text"
	}
}

// IsBackendSource reports whether path holds backend canister source.
func IsBackendSource(path string) bool {
	return Language(path) == "motoko"
}

var actorDecl = regexp.MustCompile(`(?m)^\s*(?:persistent\s+)?actor(?:\s+class)?\b`)

// BackendFiles returns the backend sources of files, in order.
func BackendFiles(files *FileSet) *FileSet {
	out := NewFileSet()
	for _, f := range files.Files() {
		if IsBackendSource(f.Path) {
			out.Put(f.Path, f.Content)
		}
	}
	return out
}

// EntryPoint returns the path of the backend entry point: a file named
// main.mo, else the first backend source declaring an actor. It returns ""
// when there is none.
func EntryPoint(files *FileSet) string {
	for _, f := range files.Files() {
		if path.Base(f.Path) == "main.mo" && strings.TrimSpace(f.Content) != "" {
			return f.Path
		}
	}
	for _, f := range files.Files() {
		if IsBackendSource(f.Path) && actorDecl.MatchString(f.Content) {
			return f.Path
		}
	}
	return ""
}
