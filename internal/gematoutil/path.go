package gematoutil

import (
	"path"
	"strings"
)

// Dir returns the slash-terminated directory prefix used to key Manifests
// in the forest: the Manifest at "sub/Manifest" owns directory "sub/", the
// top-level Manifest owns "". Unlike filepath.Dir, a path with no slash
// maps to the empty (top-level) directory rather than ".".
func Dir(relPath string) string {
	i := strings.LastIndexByte(relPath, '/')
	if i < 0 {
		return ""
	}
	return relPath[:i+1]
}

// Join mirrors path.Join but treats an empty dir as the top-level directory
// rather than collapsing it away.
func Join(dir, elem string) string {
	if dir == "" {
		return path.Clean(elem)
	}
	return path.Clean(dir + "/" + elem)
}

// PathStartsWith reports whether dir is a prefix of p or equals it when both are
// interpreted as directory paths (so "sub" is a prefix of "sub/x" but not
// of "subdir/x"). An empty dir matches everything, mirroring the top-level
// Manifest's scope covering the whole tree.
func PathStartsWith(p, dir string) bool {
	if dir == "" {
		return true
	}
	dir = strings.TrimSuffix(dir, "/")
	if p == dir {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}

// PathInsideDir reports whether p lies strictly inside dir (p != dir).
func PathInsideDir(p, dir string) bool {
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		return p != ""
	}
	return strings.HasPrefix(p, dir+"/")
}
