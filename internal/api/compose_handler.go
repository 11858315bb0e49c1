package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/submit"
)

// formOverhead is the room left for text fields and multipart framing on top
// of the attachment size limit.
const formOverhead = 1 << 20

// composeForm holds the fields shared by send, save-draft and update-draft.
type composeForm struct {
	From       string             `json:"fromEmail"`
	To         string             `json:"toEmail"`
	Subject    string             `json:"subject"`
	Message    string             `json:"message"`
	Attachment *models.Attachment `json:"-"`
}

// SendResponse is returned by /send-email.
type SendResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// DraftResponse is returned by the draft write endpoints.
type DraftResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	DraftID string              `json:"draftId"`
	Draft   *models.DraftHandle `json:"draft,omitempty"`
}

// parseCompose reads a multipart, urlencoded or JSON body. Only multipart
// bodies can carry an attachment.
func (h *Handler) parseCompose(w http.ResponseWriter, r *http.Request) (composeForm, error) {
	const op = "api.parseCompose"
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes+formOverhead)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json":
		var f composeForm
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return composeForm{}, mailerr.Errorf(mailerr.InvalidInput, op, "invalid JSON body")
		}
		return f, nil

	case strings.HasPrefix(mediaType, "multipart/"):
		if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
			return composeForm{}, h.formError(op, err)
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

	default:
		if err := r.ParseForm(); err != nil {
			return composeForm{}, h.formError(op, err)
		}
	}

	f := composeForm{
		From:    r.FormValue("fromEmail"),
		To:      r.FormValue("toEmail"),
		Subject: r.FormValue("subject"),
		Message: r.FormValue("message"),
	}

	attachment, err := h.readAttachment(r)
	if err != nil {
		return composeForm{}, err
	}
	f.Attachment = attachment
	return f, nil
}

func (h *Handler) formError(op string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return mailerr.Errorf(mailerr.InvalidInput, op, "request body exceeds %d bytes", tooLarge.Limit)
	}
	return mailerr.Errorf(mailerr.InvalidInput, op, "malformed form body")
}

// readAttachment returns the optional "attachment" file of a multipart form.
func (h *Handler) readAttachment(r *http.Request) (*models.Attachment, error) {
	const op = "api.readAttachment"
	if r.MultipartForm == nil {
		return nil, nil
	}

	file, header, err := r.FormFile("attachment")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, mailerr.Errorf(mailerr.InvalidInput, op, "unreadable attachment")
	}
	defer func() { _ = file.Close() }()

	if header.Size > h.opts.MaxUploadBytes {
		return nil, mailerr.Errorf(mailerr.InvalidInput, op, "attachment exceeds %d bytes", h.opts.MaxUploadBytes)
	}

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, mailerr.Errorf(mailerr.InvalidInput, op, "unreadable attachment")
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &models.Attachment{Filename: header.Filename, ContentType: contentType, Content: content}, nil
}

// authorizeSender resolves the form's sender address through the gate.
func (h *Handler) authorizeSender(f composeForm) (models.Account, error) {
	return h.gate.Authorize(f.From)
}

func (f composeForm) draftInput() models.DraftInput {
	return models.DraftInput{
		To:         f.To,
		Subject:    f.Subject,
		Body:       f.Message,
		Attachment: f.Attachment,
	}
}

// SendEmail handles POST /send-email.
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	const fallback = "Failed to send email. Please try again later."

	f, err := h.parseCompose(w, r)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}
	if f.From == "" || f.To == "" || f.Subject == "" || f.Message == "" {
		WriteError(w, r, mailerr.Errorf(mailerr.InvalidInput, "api.SendEmail", "all fields are required"), fallback)
		return
	}

	account, err := h.authorizeSender(f)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	id, err := h.sender.Submit(r.Context(), account, submit.Envelope{
		From:       account.Address,
		To:         []string{f.To},
		Subject:    f.Subject,
		Body:       f.Message,
		Attachment: f.Attachment,
	})
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	h.logger.WithFields(logrus.Fields{"account": account.Address, "message_id": id}).Info("Email sent")
	WriteJSONResponse(w, SendResponse{Success: true, Message: "Email sent successfully!", MessageID: id})
}

// SaveDraft handles POST /save-draft.
func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	const fallback = "Failed to save draft. Please try again later."

	f, err := h.parseCompose(w, r)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}
	if f.From == "" {
		WriteError(w, r, mailerr.Errorf(mailerr.InvalidInput, "api.SaveDraft", "from email is required"), fallback)
		return
	}

	account, err := h.authorizeSender(f)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	draft, err := h.drafts.Create(r.Context(), account, f.draftInput())
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	WriteJSONResponse(w, DraftResponse{
		Success: true,
		Message: "Draft saved successfully!",
		DraftID: draft.CorrelationID,
		Draft:   &draft,
	})
}

// UpdateDraft handles PUT /update-draft/{draftId}.
func (h *Handler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	const fallback = "Failed to update draft. Please try again later."

	draftID := r.PathValue("draftId")
	f, err := h.parseCompose(w, r)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}
	if f.From == "" || strings.TrimSpace(draftID) == "" {
		WriteError(w, r, mailerr.Errorf(mailerr.InvalidInput, "api.UpdateDraft", "from email and draft ID are required"), fallback)
		return
	}

	account, err := h.authorizeSender(f)
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	draft, err := h.drafts.Update(r.Context(), account, draftID, f.draftInput())
	if err != nil {
		WriteError(w, r, err, fallback)
		return
	}

	WriteJSONResponse(w, DraftResponse{
		Success: true,
		Message: "Draft updated successfully!",
		DraftID: draft.CorrelationID,
		Draft:   &draft,
	})
}
