// Package extraction detects generated source files inside streamed model
// output.
//
// A file is announced by a marker line such as "// File: src/App.tsx"
// (also "# File:", "/* File: */", "<!-- File: -->" and "**File:**")
// and carried in the fenced block that follows it. A marker that appears
// as the first line inside an anonymous fence names that fence's file.
package extraction

import (
	"path/filepath"
	"regexp"
	"strings"
)

var markerPattern = regexp.MustCompile("^(?://|#+|/\\*|<!--|\\*\\*)?\\s*(?:File|FILE|file)\\s*:\\s*(?:\\*\\*)?\\s*`?([^`*\\s][^`*]*?)`?\\s*(?:\\*\\*)?\\s*(?:\\*/|-->)?$")

// Detection is the result of one detection pass.
type Detection struct {
	// Complete holds files whose closing fence has arrived.
	Complete *FileSet
	// InProgress holds at most one file whose fence is still open.
	InProgress *FileSet
	// Skipped lists marker paths rejected as unsafe.
	Skipped []string
}

// Detect scans text and reports complete and in-progress files. Only
// newline-terminated lines can open or close a file, so calling Detect on
// a longer version of the same text never drops a file reported complete
// before. Repeated paths keep their first complete occurrence.
func Detect(text string) Detection {
	return detect(text, false)
}

// DetectFinal is Detect for a text that will not grow any more: a closing
// fence on the unterminated last line also closes the file.
func DetectFinal(text string) Detection {
	return detect(text, true)
}

// Salvage is DetectFinal for a stream that stopped inside a fence, as
// happens when the model runs out of tokens. The open file is closed with
// the body received so far unless that body is blank.
func Salvage(text string) Detection {
	det := detect(text, true)
	for _, f := range det.InProgress.Files() {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		det.Complete.Put(f.Path, normalizeContent(f.Content))
		det.InProgress.Remove(f.Path)
	}
	return det
}

type scanState int

const (
	seekMarker scanState = iota
	seekFence
	inFence
)

func detect(text string, final bool) Detection {
	det := Detection{Complete: NewFileSet(), InProgress: NewFileSet()}

	lines := strings.Split(text, "\n")
	// The last element is either "" (text ended with a newline) or an
	// unterminated line.
	tail := lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	state := seekMarker
	pending := ""
	var body strings.Builder

	closeFile := func() {
		if pending != "" {
			det.Complete.Put(pending, normalizeContent(body.String()))
		}
		pending = ""
		body.Reset()
		state = seekMarker
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch state {
		case seekMarker, seekFence:
			if path, ok := parseMarker(trimmed); ok {
				if safe := sanitizeFilePath(path); safe != "" {
					pending = safe
					state = seekFence
				} else {
					det.Skipped = append(det.Skipped, path)
					pending = ""
					state = seekMarker
				}
				continue
			}
			if strings.HasPrefix(trimmed, "```") {
				// A fence without a marker still has to be skipped as a
				// unit, otherwise its closing line would open a new block.
				state = inFence
				body.Reset()
				continue
			}
			if state == seekFence && trimmed != "" {
				// Prose between a marker and its fence cancels the marker.
				pending = ""
				state = seekMarker
			}
		case inFence:
			if trimmed == "```" {
				closeFile()
				continue
			}
			if pending == "" && body.Len() == 0 {
				if path, ok := parseMarker(trimmed); ok {
					if safe := sanitizeFilePath(path); safe != "" {
						pending = safe
					} else {
						det.Skipped = append(det.Skipped, path)
					}
					continue
				}
			}
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}

	if state == inFence && pending != "" {
		if final && strings.TrimSpace(tail) == "```" {
			closeFile()
		} else if !det.Complete.Has(pending) {
			body.WriteString(tail)
			det.InProgress.Put(pending, body.String())
		}
	} else if state == seekFence && pending != "" && !det.Complete.Has(pending) {
		det.InProgress.Put(pending, "")
	}
	return det
}

func parseMarker(trimmed string) (string, bool) {
	if !strings.Contains(trimmed, ":") {
		return "", false
	}
	m := markerPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return "", false
	}
	path := strings.TrimSpace(m[1])
	if path == "" {
		return "", false
	}
	return path, true
}

func normalizeContent(s string) string {
	s = strings.Trim(s, "\n")
	if s == "" {
		return ""
	}
	return s + "\n"
}

// sanitizeFilePath normalizes a model-provided path. It returns "" for
// paths that are absolute or escape the project root.
func sanitizeFilePath(path string) string {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return ""
	}
	// Strip annotations like "package.json (root)".
	if idx := strings.Index(cleaned, " ("); idx != -1 {
		if end := strings.Index(cleaned[idx:], ")"); end != -1 {
			cleaned = strings.TrimSpace(cleaned[:idx] + cleaned[idx+end+1:])
		}
	}
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if strings.HasPrefix(cleaned, "/") || (len(cleaned) > 1 && cleaned[1] == ':') {
		return ""
	}
	cleaned = filepath.ToSlash(filepath.Clean(cleaned))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ""
	}
	if strings.ContainsAny(cleaned, " \t") {
		return ""
	}
	return cleaned
}

// SanitizePath is the exported form of the path check used by extraction.
func SanitizePath(path string) string {
	return sanitizeFilePath(path)
}
