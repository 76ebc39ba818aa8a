package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

// TempOutputRoot creates a temporary output root pre-populated with
// files at the given relative paths, creating any intermediate
// directories. Returns the root and the absolute paths created.
func TempOutputRoot(t *testing.T, relPaths []string) (string, []string) {
	root := t.TempDir()
	absPaths := make([]string, 0, len(relPaths))
	for _, rel := range relPaths {
		abs := filepath.Join(root, rel)
		assert.NilError(t, os.MkdirAll(filepath.Dir(abs), 0755), "failed to create parent dirs for %s", rel)
		assert.NilError(t, os.WriteFile(abs, []byte("payload"), 0644), "failed to create file %s", rel)
		absPaths = append(absPaths, abs)
	}

	assert.Equal(t, len(absPaths), len(relPaths), "expected one file per requested path")
	return root, absPaths
}
