// ABOUTME: Evidence bundle loading and validation, plus the content hash recorded as inputs_hash.
// ABOUTME: The hash is over sorted relative paths and contents, so identical bundles hash identically anywhere.
package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EvidenceFile is one file in an evidence bundle.
type EvidenceFile struct {
	Path string // relative to the bundle dir, forward slashes
	Size int64
}

// Bundle is a validated evidence bundle.
type Bundle struct {
	Dir   string
	Files []EvidenceFile
	Hash  string
}

// evidenceExtensions are the file types accepted as evidence.
var evidenceExtensions = map[string]bool{
	".md":   true,
	".txt":  true,
	".json": true,
	".csv":  true,
}

// LoadBundle walks dir and validates it as an evidence bundle. A non-empty
// problems slice means the bundle is unusable; the returned bundle is nil in
// that case. Hidden files and unsupported extensions are skipped, not errors.
func LoadBundle(dir string) (*Bundle, []string) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, []string{fmt.Sprintf("evidence directory %q is not readable: %v", dir, err)}
	}
	if !info.IsDir() {
		return nil, []string{fmt.Sprintf("evidence path %q is not a directory", dir)}
	}

	var files []EvidenceFile
	var problems []string
	hasher := sha256.New()

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			problems = append(problems, fmt.Sprintf("walk %q: %v", path, err))
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !evidenceExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, []string{fmt.Sprintf("walk evidence directory: %v", err)}
	}

	sort.Strings(paths)
	for _, path := range paths {
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			problems = append(problems, fmt.Sprintf("resolve %q: %v", path, relErr))
			continue
		}
		rel = filepath.ToSlash(rel)

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			problems = append(problems, fmt.Sprintf("read %q: %v", rel, readErr))
			continue
		}
		if len(data) == 0 {
			problems = append(problems, fmt.Sprintf("evidence file %q is empty", rel))
			continue
		}

		hasher.Write([]byte(rel))
		hasher.Write([]byte{0})
		hasher.Write(data)
		hasher.Write([]byte{0})
		files = append(files, EvidenceFile{Path: rel, Size: int64(len(data))})
	}

	if len(files) == 0 {
		problems = append(problems, fmt.Sprintf("no usable evidence files found in %q", dir))
	}
	if len(problems) > 0 {
		return nil, problems
	}

	return &Bundle{
		Dir:   dir,
		Files: files,
		Hash:  hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// ReadFileText returns the contents of one bundle file.
func (b *Bundle) ReadFileText(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
