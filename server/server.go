// ABOUTME: HTTP control surface: run lifecycle endpoints over a chi router.
// ABOUTME: Start, cancel, supply input, approve, inspect; events and artifacts live in sibling files.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/growpad/config"
	"github.com/2389-research/growpad/pipeline"
)

// Server exposes the pipeline engine over HTTP.
type Server struct {
	engine *pipeline.Engine
	store  pipeline.RunStore
	events *pipeline.Emitter
	log    *pipeline.EventLog
	index  *pipeline.SqliteRunIndex // optional
	cfg    *config.Config
	router chi.Router
}

// New builds the server and its route table. index may be nil.
func New(engine *pipeline.Engine, store pipeline.RunStore, events *pipeline.Emitter, index *pipeline.SqliteRunIndex, cfg *config.Config) *Server {
	s := &Server{
		engine: engine,
		store:  store,
		events: events,
		log:    pipeline.NewEventLog(store),
		index:  index,
		cfg:    cfg,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)

	r.Post("/runs", s.handleCreateRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Post("/runs/{id}/cancel", s.handleCancelRun)
	r.Post("/runs/{id}/input", s.handleSupplyInput)
	r.Post("/runs/{id}/approval", s.handleApproval)
	r.Get("/runs/{id}/events", s.handleEvents)
	r.Get("/runs/{id}/artifacts", s.handleListArtifacts)
	r.Get("/runs/{id}/artifacts/{name}", s.handleGetArtifact)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createRunRequest is the POST /runs body.
type createRunRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Goal        string `json:"goal"`
	EvidenceDir string `json:"evidence_dir"`
	FastMode    bool   `json:"fast_mode"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}

	ws, ok := s.cfg.Workspace(req.WorkspaceID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown workspace " + req.WorkspaceID})
		return
	}

	guardrails := ws.PipelineGuardrails()
	run, err := s.engine.StartRun(pipeline.NewRunRequest{
		WorkspaceID:      ws.ID,
		Goal:             req.Goal,
		EvidenceDir:      req.EvidenceDir,
		RepoDir:          ws.RepoDir,
		FastMode:         req.FastMode,
		ApprovalRequired: ws.ApprovalEnabled,
		Guardrails:       &guardrails,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := pipeline.RunStatus(r.URL.Query().Get("status"))

	if s.index != nil {
		rows, err := s.index.ListByStatus(status)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": rows})
		return
	}

	runs, err := s.store.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if status != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if run.Status == status {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "cancel": "requested"})
}

func (s *Server) handleSupplyInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var payload pipeline.InputPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if payload.Kind == "" {
		payload.Kind = pipeline.PromptFeatureSelection
	}

	if err := s.engine.SupplyInput(id, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "input": "accepted"})
}

// approvalRequest is the POST /runs/{id}/approval body.
type approvalRequest struct {
	Decision pipeline.ApprovalState `json:"decision"`
	Comment  string                 `json:"comment"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}

	err := s.engine.SupplyInput(id, pipeline.InputPayload{
		Kind:     pipeline.PromptApproval,
		Decision: req.Decision,
		Comment:  req.Comment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "decision": string(req.Decision)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine and store errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var ve *pipeline.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case strings.Contains(err.Error(), "not found"):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case strings.Contains(err.Error(), "already"):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case strings.Contains(err.Error(), "not awaiting"), strings.Contains(err.Error(), "not active"):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
