package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

// EmailsResponse is returned by the fetch and search endpoints.
type EmailsResponse struct {
	Success bool             `json:"success"`
	Emails  []models.Message `json:"emails"`
}

// MailboxesResponse is returned by /list-mailboxes.
type MailboxesResponse struct {
	Success   bool     `json:"success"`
	Mailboxes []string `json:"mailboxes"`
}

// StatusResponse is a plain success acknowledgement.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// accountOrFail returns the account stored by auth.RequireAccount.
func accountOrFail(w http.ResponseWriter, r *http.Request) (models.Account, bool) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		WriteError(w, r, mailerr.Errorf(mailerr.Unauthorized, "api.account", "no account in request context"), "")
		return models.Account{}, false
	}
	return account, true
}

// FetchEmails handles GET /fetch-emails?email=&folder=&limit=.
func (h *Handler) FetchEmails(w http.ResponseWriter, r *http.Request) {
	h.fetchFolder(w, r, r.URL.Query().Get("folder"))
}

// FetchInbox handles GET /fetch-inbox-emails.
func (h *Handler) FetchInbox(w http.ResponseWriter, r *http.Request) {
	h.fetchFolder(w, r, InboxFolder)
}

// FetchSent handles GET /fetch-sent-emails.
func (h *Handler) FetchSent(w http.ResponseWriter, r *http.Request) {
	h.fetchFolder(w, r, h.opts.SentFolder)
}

// FetchDrafts handles GET /fetch-drafts.
func (h *Handler) FetchDrafts(w http.ResponseWriter, r *http.Request) {
	h.fetchFolder(w, r, h.opts.DraftsFolder)
}

func (h *Handler) fetchFolder(w http.ResponseWriter, r *http.Request, folder string) {
	const fallback = "Failed to fetch emails."

	account, ok := accountOrFail(w, r)
	if !ok {
		return
	}

	limit, err := ParseLimit(r, h.opts.FetchLimit)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	emails, err := h.reader.Fetch(r.Context(), account, folder, limit)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	WriteJSONResponse(w, EmailsResponse{Success: true, Emails: emails})
}

// ListMailboxes handles GET /list-mailboxes.
func (h *Handler) ListMailboxes(w http.ResponseWriter, r *http.Request) {
	account, ok := accountOrFail(w, r)
	if !ok {
		return
	}

	folders, err := h.reader.ListFolders(r.Context(), account)
	if err != nil {
		WriteError(w, r, err, "Failed to list mailboxes.")
		return
	}

	names := make([]string, 0, len(folders))
	for _, f := range folders {
		names = append(names, f.Name)
	}
	WriteJSONResponse(w, MailboxesResponse{Success: true, Mailboxes: names})
}

// SearchEmails handles GET /search-emails?email=&query=&folder=.
func (h *Handler) SearchEmails(w http.ResponseWriter, r *http.Request) {
	const fallback = "Failed to search emails."

	account, ok := accountOrFail(w, r)
	if !ok {
		return
	}

	folder := r.URL.Query().Get("folder")
	if folder == "" {
		folder = InboxFolder
	}
	limit, err := ParseLimit(r, h.opts.FetchLimit)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	emails, err := h.reader.SearchMessages(r.Context(), account, folder, r.URL.Query().Get("query"), limit)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	WriteJSONResponse(w, EmailsResponse{Success: true, Emails: emails})
}

// messageUID accepts a UID sent either as a JSON number or a numeric string.
type messageUID uint32

func (u *messageUID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*u = 0
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 32)
	if err != nil {
		return err
	}
	*u = messageUID(n)
	return nil
}

type markReadRequest struct {
	Email     string     `json:"email"`
	MessageID messageUID `json:"messageId"`
	Folder    string     `json:"folder"`
}

// MarkAsRead handles POST /mark-as-read with a JSON body.
func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	const (
		op       = "api.MarkAsRead"
		fallback = "Failed to mark email as read."
	)

	var req markReadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, formOverhead)).Decode(&req); err != nil {
		WriteError(w, r, mailerr.Errorf(mailerr.InvalidInput, op, "invalid JSON body"), fallback)
		return
	}
	if req.Folder == "" {
		req.Folder = InboxFolder
	}

	account, err := h.gate.Authorize(req.Email)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	if err := h.reader.MarkRead(r.Context(), account, req.Folder, uint32(req.MessageID)); err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	WriteJSONResponse(w, StatusResponse{Success: true, Message: "Email marked as read."})
}
