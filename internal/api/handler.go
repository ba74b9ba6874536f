package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/voidmesh/hivemind/internal/memory"
	"github.com/voidmesh/hivemind/internal/orchestrator"
	"github.com/voidmesh/hivemind/internal/provider"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch   *orchestrator.Orchestrator
	mem    *memory.Manager
	router *provider.Router
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, mem *memory.Manager, router *provider.Router, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, mem: mem, router: router, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/tasks", h.submitTask)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Delete("/tasks/{id}", h.cancelTask)
		r.Get("/tasks/{id}/subtasks", h.getSubtasks)
		r.Get("/tasks/{id}/debate", h.getDebateTrace)

		r.Get("/agents/{id}/memory", h.getAgentMemory)
		r.Get("/providers", h.listProviders)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitTaskRequest is the POST /api/tasks body.
type submitTaskRequest struct {
	Description string   `json:"description"`
	Provider    string   `json:"provider,omitempty"`
	AutoExecute *bool    `json:"auto_execute,omitempty"`
	Knowledge   []string `json:"knowledge,omitempty"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cfg := orchestrator.TaskConfig{
		Provider:    req.Provider,
		AutoExecute: true,
		Knowledge:   req.Knowledge,
	}
	if req.AutoExecute != nil {
		cfg.AutoExecute = *req.AutoExecute
	}

	task, err := h.orch.Submit(r.Context(), req.Description, cfg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.orch.ListTasks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*orchestrator.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.orch.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "task_id": id})
}

func (h *Handler) getSubtasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.orch.GetTask(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	subtasks, err := h.orch.Subtasks(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if subtasks == nil {
		subtasks = []*orchestrator.Subtask{}
	}
	writeJSON(w, http.StatusOK, subtasks)
}

func (h *Handler) getDebateTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.orch.GetTask(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	rounds, err := h.orch.DebateTrace(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "rounds": rounds})
}

func (h *Handler) getAgentMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.mem.Read(r.Context(), memory.ScopeAgent, id, memory.Filter{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "entries": entries})
}

// providerView is the external shape of one provider's routing state.
type providerView struct {
	ID      string                 `json:"id"`
	Circuit provider.BreakerStatus `json:"circuit"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	circuits := h.router.Circuits()
	out := make([]providerView, 0, len(circuits))
	for _, id := range h.router.Providers() {
		out = append(out, providerView{ID: id, Circuit: circuits[id]})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
