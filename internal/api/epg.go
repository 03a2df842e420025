package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/upstream"
	"github.com/snarg/ecm/internal/xmltv"
)

// EPGStore persists EPG profiles. *store.DB satisfies it.
type EPGStore interface {
	ListEPGProfiles(ctx context.Context) ([]store.EPGProfile, error)
	GetEPGProfile(ctx context.Context, id int64) (*store.EPGProfile, error)
	CreateEPGProfile(ctx context.Context, p *store.EPGProfile) error
	UpdateEPGProfile(ctx context.Context, p *store.EPGProfile) error
	DeleteEPGProfile(ctx context.Context, id int64) error
}

// ChannelLister is the upstream slice XMLTV generation reads from.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]upstream.Channel, error)
}

type EPGHandler struct {
	db    EPGStore
	api   ChannelLister
	synth *xmltv.Synthesizer
}

func NewEPGHandler(db EPGStore, api ChannelLister, synth *xmltv.Synthesizer) *EPGHandler {
	return &EPGHandler{db: db, api: api, synth: synth}
}

func (h *EPGHandler) Routes(r chi.Router) {
	r.Get("/epg/profiles", h.ListProfiles)
	r.Post("/epg/profiles", h.CreateProfile)
	r.Put("/epg/profiles/{id}", h.UpdateProfile)
	r.Delete("/epg/profiles/{id}", h.DeleteProfile)
	r.Get("/epg/xmltv", h.XMLTV)
}

func (h *EPGHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.db.ListEPGProfiles(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	if profiles == nil {
		profiles = []store.EPGProfile{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"profiles": profiles, "total": len(profiles)})
}

func (h *EPGHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var p store.EPGProfile
	if err := DecodeJSON(r, &p); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := xmltv.ValidateProfile(p); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.CreateEPGProfile(r.Context(), &p); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

func (h *EPGHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var p store.EPGProfile
	if err := DecodeJSON(r, &p); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.ID = id
	if err := xmltv.ValidateProfile(p); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.UpdateEPGProfile(r.Context(), &p); err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *EPGHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.db.DeleteEPGProfile(r.Context(), id); err != nil {
		WriteStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// XMLTV synthesizes guide data for all enabled profiles over the current
// channel lineup. Profiles that fail to compile are skipped, not fatal; the
// operator sees them in the logs and the validation errors at save time.
func (h *EPGHandler) XMLTV(w http.ResponseWriter, r *http.Request) {
	stored, err := h.db.ListEPGProfiles(r.Context())
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	var profiles []*xmltv.Profile
	for _, sp := range stored {
		p, err := xmltv.ParseProfile(sp)
		if err != nil {
			continue
		}
		profiles = append(profiles, p)
	}

	channels, err := h.api.ListChannels(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	doc, err := h.synth.Generate(profiles, channels)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out, err := h.synth.Marshal(doc)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}
