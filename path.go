package h2engine

import (
	"strings"

	"github.com/imroc/h2engine/internal/ascii"
)

// checkPath is a minimal directory traversal check on a decoded path.
func checkPath(path string) bool {
	return strings.HasPrefix(path, "/") &&
		!strings.Contains(path, "\\") &&
		!strings.Contains(path, "/../") &&
		!strings.Contains(path, "/./") &&
		!strings.HasSuffix(path, "/..") &&
		!strings.HasSuffix(path, "/.")
}

// splitPath decodes a :path value. The query, when present, keeps its
// leading '?'.
func splitPath(raw string) (unparsed, path, query string, hasQuery bool) {
	unparsed = ascii.PercentDecode(raw)
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return unparsed, ascii.PercentDecode(raw[:i]), ascii.PercentDecode(raw[i:]), true
	}
	return unparsed, unparsed, "", false
}
