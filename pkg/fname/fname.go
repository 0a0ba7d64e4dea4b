// Package fname derives output filenames from an input image path.
package fname

import (
	"path/filepath"
	"strings"
)

// compound extensions recognised before falling back to filepath.Ext
var compoundExts = []string{".nii.gz", ".hdr.gz", ".img.gz"}

// SplitExt splits path into directory, stem and extension, keeping .nii.gz
// together.
func SplitExt(path string) (dir, stem, ext string) {
	dir, base := filepath.Split(path)
	dir = filepath.Clean(dir)
	if dir == "." && !strings.HasPrefix(path, ".") {
		dir = ""
	}

	lower := strings.ToLower(base)
	for _, ce := range compoundExts {
		if strings.HasSuffix(lower, ce) {
			n := len(base) - len(ce)
			return dir, base[:n], base[n:]
		}
	}

	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

// PreSuffix returns newDir/prefix+stem+suffix+ext. The input directory is
// kept when newDir is empty.
func PreSuffix(path, prefix, suffix, newDir string) string {
	dir, stem, ext := SplitExt(path)
	if newDir != "" {
		dir = newDir
	}
	return filepath.Join(dir, prefix+stem+suffix+ext)
}

// WithSuffix is PreSuffix without a prefix or directory change.
func WithSuffix(path, suffix string) string {
	return PreSuffix(path, "", suffix, "")
}

// IsGzip reports whether path names a gzip-compressed file.
func IsGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}
