// ABOUTME: Export packager: zips a run's artifacts with a checksum manifest for handoff.
// ABOUTME: The manifest inside the archive lets a recipient verify every file independently.
package tools

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PackageEntry describes one archived artifact.
type PackageEntry struct {
	Name        string    `json:"name"`
	ContentHash string    `json:"content_hash"`
	Stage       string    `json:"stage,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PackageManifest is the artifact index written into the archive.
type PackageManifest struct {
	RunID string         `json:"run_id"`
	Files []PackageEntry `json:"files"`
}

// Entry returns the manifest entry for the named file.
func (m *PackageManifest) Entry(name string) (PackageEntry, bool) {
	for _, e := range m.Files {
		if e.Name == name {
			return e, true
		}
	}
	return PackageEntry{}, false
}

// PackageArtifacts zips every file under artifactsDir into destPath, adding a
// manifest.json that records each file's sha256, producing stage (from the
// producers map, keyed by relative path), and modification time.
func PackageArtifacts(runID, artifactsDir, destPath string, producers map[string]string) (*PackageManifest, error) {
	manifest := &PackageManifest{RunID: runID}

	var paths []string
	err := filepath.WalkDir(artifactsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk artifacts: %w", err)
	}
	sort.Strings(paths)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("create bundle: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, path := range paths {
		rel, relErr := filepath.Rel(artifactsDir, path)
		if relErr != nil {
			return nil, relErr
		}
		rel = filepath.ToSlash(rel)

		// The bundle contains itself in no universe; skip a stale archive
		// left over from an earlier export attempt.
		if strings.HasSuffix(rel, ".zip") {
			continue
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read artifact %q: %w", rel, readErr)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, fmt.Errorf("stat artifact %q: %w", rel, statErr)
		}

		sum := sha256.Sum256(data)
		manifest.Files = append(manifest.Files, PackageEntry{
			Name:        rel,
			ContentHash: hex.EncodeToString(sum[:]),
			Stage:       producers[rel],
			Timestamp:   info.ModTime().UTC(),
		})

		w, zerr := zw.Create(rel)
		if zerr != nil {
			return nil, fmt.Errorf("add %q to bundle: %w", rel, zerr)
		}
		if _, werr := w.Write(data); werr != nil {
			return nil, fmt.Errorf("write %q to bundle: %w", rel, werr)
		}
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	w, err := zw.Create("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("add manifest to bundle: %w", err)
	}
	if _, err := w.Write(manifestData); err != nil {
		return nil, fmt.Errorf("write manifest to bundle: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize bundle: %w", err)
	}
	return manifest, nil
}
