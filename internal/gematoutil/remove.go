package gematoutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RemoveFile removes the regular file at relPath (relative to root), used
// to delete the stale file left behind when SaveManifests recompresses a
// Manifest under a different name. It refuses to remove anything outside
// root and tolerates the file already being gone.
func RemoveFile(root, relPath string) error {
	if root == "" {
		return fmt.Errorf("internal error: root is unset")
	}
	cleanRoot := filepath.Clean(root) + string(filepath.Separator)
	path := filepath.Clean(filepath.Join(cleanRoot, relPath))
	if !strings.HasPrefix(path, cleanRoot) {
		return fmt.Errorf("cannot remove path %s outside of root %s", path, root)
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
