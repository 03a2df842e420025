package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/autocreate"
	"github.com/snarg/ecm/internal/store"
)

// AutoCreateStore is the rule persistence surface. *store.DB satisfies it.
type AutoCreateStore interface {
	ListAutoCreationRules(ctx context.Context) ([]store.AutoCreationRule, error)
	CreateAutoCreationRule(ctx context.Context, r *store.AutoCreationRule) error
	UpdateAutoCreationRule(ctx context.Context, r *store.AutoCreationRule) error
	DeleteAutoCreationRule(ctx context.Context, id int64) error
	ListExecutions(ctx context.Context, limit, offset int) ([]store.AutoCreationExecution, error)
	GetExecution(ctx context.Context, id int64) (*store.AutoCreationExecution, error)
}

// Pipeline is the autocreate engine surface driven by this handler.
type Pipeline interface {
	Run(ctx context.Context, opts autocreate.Options) (*store.AutoCreationExecution, error)
	Rollback(ctx context.Context, executionID int64) (*store.AutoCreationExecution, error)
}

type AutoCreateHandler struct {
	db       AutoCreateStore
	pipeline Pipeline
}

func NewAutoCreateHandler(db AutoCreateStore, pipeline Pipeline) *AutoCreateHandler {
	return &AutoCreateHandler{db: db, pipeline: pipeline}
}

func (h *AutoCreateHandler) Routes(r chi.Router) {
	r.Get("/autocreate/rules", h.ListRules)
	r.Post("/autocreate/rules", h.CreateRule)
	r.Put("/autocreate/rules/{id}", h.UpdateRule)
	r.Delete("/autocreate/rules/{id}", h.DeleteRule)
	r.Post("/autocreate/run", h.Run)
	r.Get("/autocreate/executions", h.ListExecutions)
	r.Get("/autocreate/executions/{id}", h.GetExecution)
	r.Post("/autocreate/executions/{id}/rollback", h.Rollback)
}

func (h *AutoCreateHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.db.ListAutoCreationRules(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if rules == nil {
		rules = []store.AutoCreationRule{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rules": rules, "total": len(rules)})
}

func (h *AutoCreateHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule store.AutoCreationRule
	if err := DecodeJSON(r, &rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := autocreate.ValidateRule(&rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.CreateAutoCreationRule(r.Context(), &rule); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, rule)
}

func (h *AutoCreateHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var rule store.AutoCreationRule
	if err := DecodeJSON(r, &rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = id
	if err := autocreate.ValidateRule(&rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.UpdateAutoCreationRule(r.Context(), &rule); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

func (h *AutoCreateHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.DeleteAutoCreationRule(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Run triggers a pipeline run synchronously. Dry runs report the full plan
// without creating anything.
func (h *AutoCreateHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun        bool    `json:"dry_run"`
		RuleIDs       []int64 `json:"rule_ids"`
		M3UAccountIDs []int64 `json:"m3u_account_ids"`
	}
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	exec, err := h.pipeline.Run(r.Context(), autocreate.Options{
		DryRun:        req.DryRun,
		TriggeredBy:   "manual",
		RuleIDs:       req.RuleIDs,
		M3UAccountIDs: req.M3UAccountIDs,
	})
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

func (h *AutoCreateHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	execs, err := h.db.ListExecutions(r.Context(), p.Limit, p.Offset)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if execs == nil {
		execs = []store.AutoCreationExecution{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"limit":      p.Limit,
		"offset":     p.Offset,
	})
}

func (h *AutoCreateHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

func (h *AutoCreateHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	exec, err := h.pipeline.Rollback(r.Context(), id)
	if err != nil {
		if exec == nil {
			WriteStoreError(w, err)
			return
		}
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}
