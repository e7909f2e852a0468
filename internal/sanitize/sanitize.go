// Package sanitize normalizes client-supplied file paths and content before
// they touch a container filesystem or durable storage. All functions are
// total: malformed input degrades to a safe value, never an error.
package sanitize

import (
	"encoding/json"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"
)

// WorkspaceRoot is the in-container directory user files live under. Clients
// sometimes send absolute paths that include it; normalization strips it so
// storage keys stay relative.
const WorkspaceRoot = "/workspace"

// extensionRepairs maps truncated extensions to their intended form, longest
// suffix first so ".jso" wins over a shorter rule. Editors that stream file
// names occasionally drop trailing characters; this table recovers the
// common cases.
var extensionRepairs = [][2]string{
	{".jso", ".json"},
	{".do", ".dockerfile"},
	{".ja", ".java"},
	{".ph", ".php"},
	{".ru", ".rust"},
	{".sw", ".swift"},
	{".ht", ".html"},
	{".cs", ".css"},
	{".j", ".js"},
	{".t", ".ts"},
	{".p", ".py"},
	{".c", ".cpp"},
	{".h", ".hpp"},
	{".r", ".rb"},
	{".g", ".go"},
	{".k", ".kt"},
	{".s", ".sh"},
	{".x", ".xml"},
	{".m", ".md"},
	{".y", ".yml"},
}

// NormalizePath canonicalizes a raw client path so syntactically different
// spellings map to one storage key. It strips control characters, surrounding
// quotes and whitespace, backslash separators, a leading workspace-root
// prefix, and leading "./" or "/" runs, then collapses the remainder with
// path.Clean. The result is a clean relative path ("" for degenerate input).
// NormalizePath is idempotent.
func NormalizePath(raw string) string {
	// Invalid UTF-8 bytes decode to utf8.RuneError; drop those along with
	// the control ranges so raw C1 bytes cannot survive as U+FFFD.
	s := strings.Map(func(r rune) rune {
		if r <= 0x1f || (r >= 0x7f && r <= 0x9f) || r == utf8.RuneError {
			return -1
		}
		return r
	}, raw)

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, `\`, "/")

	// Cleaning can expose a fresh workspace or "./" prefix (e.g. after a
	// "x/.." collapse), so strip and clean until the path stops changing.
	for {
		prev := s
		for {
			inner := s
			s = strings.TrimLeft(s, "/")
			s = strings.TrimPrefix(s, "./")
			s = strings.TrimPrefix(s, strings.TrimPrefix(WorkspaceRoot, "/")+"/")
			if s == inner {
				break
			}
		}
		s = path.Clean(s)
		if s == prev {
			break
		}
	}

	if s == "." || s == "/" || s == ".." || strings.HasPrefix(s, "../") {
		return ""
	}
	return s
}

// RepairExtension fixes a path whose extension was truncated to a known
// prefix of a real extension. Paths already carrying a complete extension
// are returned unchanged.
func RepairExtension(p string) string {
	for _, rule := range extensionRepairs {
		truncated, complete := rule[0], rule[1]
		if strings.HasSuffix(p, truncated) && !strings.HasSuffix(p, complete) {
			return p[:len(p)-len(truncated)] + complete
		}
	}
	return p
}

// defaultPackageManifest mirrors what the client scaffolds for a new project.
var defaultPackageManifest = map[string]any{
	"name":        "test",
	"version":     "1.0.0",
	"main":        "index.js",
	"type":        "module",
	"scripts":     map[string]any{"test": `echo "Error: no test specified" && exit 1`},
	"keywords":    []any{},
	"author":      "",
	"license":     "ISC",
	"description": "",
}

// isStructured reports whether the path names a JSON document that should be
// parsed and reformatted rather than passed through verbatim.
func isStructured(p string) bool {
	return strings.Contains(p, ".json") || strings.Contains(p, "package")
}

// SanitizeContent restricts content to printable ASCII plus tab and newline,
// normalizes line endings to LF, and reformats structured-data files with
// stable two-space indentation. Unparseable structured content is replaced
// with a minimal valid document. SanitizeContent never fails; problems are
// logged and a usable result is always returned.
func SanitizeContent(content, p string) string {
	if content == "" && !isStructured(p) {
		return ""
	}

	cleaned := strings.ReplaceAll(content, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	cleaned = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, cleaned)

	if !isStructured(p) {
		return cleaned
	}

	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		slog.Warn("Structured file failed to parse, substituting default",
			"path", p, "error", err)
		if strings.Contains(p, "package.json") {
			doc = defaultPackageManifest
		} else {
			doc = map[string]any{}
		}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		// Only reachable for values json cannot represent, which a prior
		// Unmarshal cannot produce.
		slog.Warn("Structured file failed to re-serialize", "path", p, "error", err)
		return "{}"
	}
	return string(out)
}
