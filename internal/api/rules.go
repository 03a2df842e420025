package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/normalize"
	"github.com/snarg/ecm/internal/store"
)

// RuleStore is the persistence surface for normalization rules and tags.
// *store.DB satisfies it.
type RuleStore interface {
	ListRuleGroups(ctx context.Context) ([]store.RuleGroup, error)
	CreateRuleGroup(ctx context.Context, g *store.RuleGroup) error
	UpdateRuleGroup(ctx context.Context, g *store.RuleGroup) error
	DeleteRuleGroup(ctx context.Context, id int64) error
	CreateRule(ctx context.Context, r *store.Rule) error
	UpdateRule(ctx context.Context, r *store.Rule) error
	DeleteRule(ctx context.Context, id int64) error
	ListTagGroups(ctx context.Context) ([]store.TagGroup, error)
	TagsForGroup(ctx context.Context, groupID int64) ([]store.Tag, error)
	CreateTagGroup(ctx context.Context, g *store.TagGroup) error
	DeleteTagGroup(ctx context.Context, id int64) error
	CreateTag(ctx context.Context, t *store.Tag) error
	DeleteTag(ctx context.Context, id int64) error
}

type RulesHandler struct {
	db     RuleStore
	engine *normalize.Engine
	tags   *normalize.TagIndex
}

func NewRulesHandler(db RuleStore, engine *normalize.Engine, tags *normalize.TagIndex) *RulesHandler {
	return &RulesHandler{db: db, engine: engine, tags: tags}
}

func (h *RulesHandler) Routes(r chi.Router) {
	r.Get("/rule-groups", h.ListRuleGroups)
	r.Post("/rule-groups", h.CreateRuleGroup)
	r.Put("/rule-groups/{id}", h.UpdateRuleGroup)
	r.Delete("/rule-groups/{id}", h.DeleteRuleGroup)
	r.Post("/rules", h.CreateRule)
	r.Put("/rules/{id}", h.UpdateRule)
	r.Delete("/rules/{id}", h.DeleteRule)
	r.Post("/normalize/preview", h.Preview)

	r.Get("/tag-groups", h.ListTagGroups)
	r.Post("/tag-groups", h.CreateTagGroup)
	r.Delete("/tag-groups/{id}", h.DeleteTagGroup)
	r.Post("/tags", h.CreateTag)
	r.Delete("/tags/{id}", h.DeleteTag)
}

func (h *RulesHandler) ListRuleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.db.ListRuleGroups(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if groups == nil {
		groups = []store.RuleGroup{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"groups": groups, "total": len(groups)})
}

func (h *RulesHandler) CreateRuleGroup(w http.ResponseWriter, r *http.Request) {
	var g store.RuleGroup
	if err := DecodeJSON(r, &g); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if g.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.db.CreateRuleGroup(r.Context(), &g); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, g)
}

func (h *RulesHandler) UpdateRuleGroup(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var g store.RuleGroup
	if err := DecodeJSON(r, &g); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.ID = id
	if err := h.db.UpdateRuleGroup(r.Context(), &g); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, g)
}

func (h *RulesHandler) DeleteRuleGroup(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.DeleteRuleGroup(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RulesHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule store.Rule
	if err := DecodeJSON(r, &rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rule.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.CreateRule(r.Context(), &rule); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, rule)
}

func (h *RulesHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var rule store.Rule
	if err := DecodeJSON(r, &rule); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = id
	if err := rule.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.UpdateRule(r.Context(), &rule); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

func (h *RulesHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.DeleteRule(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Preview runs the normalization pipeline over sample names without
// touching anything upstream.
func (h *RulesHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Names []string `json:"names"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Names) == 0 {
		WriteError(w, http.StatusBadRequest, "names is required")
		return
	}
	groups, err := h.db.ListRuleGroups(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	type previewResult struct {
		Input string `json:"input"`
		normalize.Result
	}
	results := make([]previewResult, 0, len(req.Names))
	for _, name := range req.Names {
		results = append(results, previewResult{
			Input:  name,
			Result: h.engine.Normalize(r.Context(), name, groups),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *RulesHandler) ListTagGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.db.ListTagGroups(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	type tagGroupWithTags struct {
		store.TagGroup
		Tags []store.Tag `json:"tags"`
	}
	out := make([]tagGroupWithTags, 0, len(groups))
	for _, g := range groups {
		tags, err := h.db.TagsForGroup(r.Context(), g.ID)
		if err != nil {
			WriteStoreError(w, err)
			return
		}
		if tags == nil {
			tags = []store.Tag{}
		}
		out = append(out, tagGroupWithTags{TagGroup: g, Tags: tags})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"groups": out, "total": len(out)})
}

func (h *RulesHandler) CreateTagGroup(w http.ResponseWriter, r *http.Request) {
	var g store.TagGroup
	if err := DecodeJSON(r, &g); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if g.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.db.CreateTagGroup(r.Context(), &g); err != nil {
		WriteStoreError(w, err)
		return
	}
	h.invalidateTags()
	WriteJSON(w, http.StatusCreated, g)
}

func (h *RulesHandler) DeleteTagGroup(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.DeleteTagGroup(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	h.invalidateTags()
	w.WriteHeader(http.StatusNoContent)
}

func (h *RulesHandler) CreateTag(w http.ResponseWriter, r *http.Request) {
	var t store.Tag
	if err := DecodeJSON(r, &t); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if t.GroupID == 0 || t.Value == "" {
		WriteError(w, http.StatusBadRequest, "group_id and value are required")
		return
	}
	if err := h.db.CreateTag(r.Context(), &t); err != nil {
		WriteStoreError(w, err)
		return
	}
	h.invalidateTags()
	WriteJSON(w, http.StatusCreated, t)
}

func (h *RulesHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.DeleteTag(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	h.invalidateTags()
	w.WriteHeader(http.StatusNoContent)
}

// Tag mutations invalidate the engine's tag index so rule evaluation sees
// them immediately.
func (h *RulesHandler) invalidateTags() {
	if h.tags != nil {
		h.tags.Invalidate()
	}
}
