// ABOUTME: Artifact endpoints: listing a run's outputs index and serving individual artifacts.
// ABOUTME: Markdown artifacts render to HTML via goldmark when the client asks for text/html.
package server

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
)

var markdown = goldmark.New()

// artifactEntry is one row in the artifact listing.
type artifactEntry struct {
	Name string `json:"name"`
	Ref  string `json:"ref"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]artifactEntry, 0, len(run.OutputsIndex))
	for name, ref := range run.OutputsIndex {
		entries = append(entries, artifactEntry{Name: name, Ref: ref})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "artifacts": entries})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	run, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	ref, ok := run.OutputsIndex[name]
	if !ok || ref == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("artifact %q not found", name)})
		return
	}

	// Refs are run-relative; keep resolution inside the run directory.
	clean := filepath.Clean(filepath.FromSlash(ref))
	if strings.HasPrefix(clean, "..") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid artifact ref"})
		return
	}
	path := filepath.Join(s.store.RunDir(id), clean)

	if strings.HasSuffix(ref, ".md") && wantsHTML(r) {
		s.serveMarkdown(w, path, name)
		return
	}

	switch {
	case strings.HasSuffix(ref, ".json"):
		w.Header().Set("Content-Type", "application/json")
	case strings.HasSuffix(ref, ".zip"):
		w.Header().Set("Content-Type", "application/zip")
	case strings.HasSuffix(ref, ".md"), strings.HasSuffix(ref, ".patch"):
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	http.ServeFile(w, r, path)
}

func (s *Server) serveMarkdown(w http.ResponseWriter, path, title string) {
	data, err := os.ReadFile(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	var body bytes.Buffer
	if err := markdown.Convert(data, &body); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html>\n<html><head><title>%s</title></head><body>\n", title)
	_, _ = w.Write(body.Bytes())
	fmt.Fprint(w, "\n</body></html>\n")
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
