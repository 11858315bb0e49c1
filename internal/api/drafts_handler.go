package api

import (
	"net/http"

	"github.com/vdavid/mailgate/internal/models"
)

// DraftLookupResponse is returned by GET /drafts/{draftId}.
type DraftLookupResponse struct {
	Success bool               `json:"success"`
	Draft   models.DraftHandle `json:"draft"`
}

// GetDraft handles GET /drafts/{draftId}?email=.
func (h *Handler) GetDraft(w http.ResponseWriter, r *http.Request) {
	account, ok := accountOrFail(w, r)
	if !ok {
		return
	}

	draft, err := h.drafts.Lookup(r.Context(), account, r.PathValue("draftId"))
	if err != nil {
		WriteError(w, r, err, "Failed to load draft.")
		return
	}

	WriteJSONResponse(w, DraftLookupResponse{Success: true, Draft: draft})
}

// DeleteDraft handles DELETE /drafts/{draftId}?email=.
func (h *Handler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	account, ok := accountOrFail(w, r)
	if !ok {
		return
	}

	if err := h.drafts.Delete(r.Context(), account, r.PathValue("draftId")); err != nil {
		WriteError(w, r, err, "Failed to delete draft.")
		return
	}

	WriteJSONResponse(w, StatusResponse{Success: true, Message: "Draft deleted."})
}
