package api

import (
	"fmt"
	"net/http"

	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/ratelimit"
)

// NewRouter registers every endpoint. Message-submitting endpoints go through
// limiter when it is not nil; read endpoints resolve the "email" query
// parameter with auth.RequireAccount.
func NewRouter(h *Handler, limiter *ratelimit.Limiter) http.Handler {
	limited := func(fn http.HandlerFunc) http.Handler {
		if limiter == nil {
			return fn
		}
		return limiter.Middleware(fn)
	}
	account := func(fn http.HandlerFunc) http.Handler {
		return auth.RequireAccount(h.gate, fn)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handleRoot)

	mux.Handle("POST /send-email", limited(h.SendEmail))
	mux.Handle("POST /save-draft", limited(h.SaveDraft))
	mux.Handle("PUT /update-draft/{draftId}", limited(h.UpdateDraft))

	mux.Handle("GET /drafts/{draftId}", account(h.GetDraft))
	mux.Handle("DELETE /drafts/{draftId}", account(h.DeleteDraft))

	mux.Handle("GET /fetch-emails", account(h.FetchEmails))
	mux.Handle("GET /fetch-inbox-emails", account(h.FetchInbox))
	mux.Handle("GET /fetch-sent-emails", account(h.FetchSent))
	mux.Handle("GET /fetch-drafts", account(h.FetchDrafts))
	mux.Handle("GET /list-mailboxes", account(h.ListMailboxes))
	mux.Handle("GET /search-emails", account(h.SearchEmails))
	mux.HandleFunc("POST /mark-as-read", h.MarkAsRead)

	mux.Handle("GET /api/v1/events", account(h.Events))

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailgate is running")
}
