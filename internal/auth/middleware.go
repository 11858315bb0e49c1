package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

type contextKey string

// AccountKey is the context key used to store the authorized account.
const AccountKey contextKey = "account"

// AccountParam is the query parameter naming the account on read endpoints.
const AccountParam = "email"

// RequireAccount resolves the "email" query parameter through the gate and
// stores the account in the request context for downstream handlers.
// A missing parameter is a 400, an unknown address a 403.
func RequireAccount(gate *Gate, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := gate.Authorize(r.URL.Query().Get(AccountParam))
		if err != nil {
			log.Logger(log.API).WithField("path", r.URL.Path).Infof("Auth: %v", err)
			writeAuthError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
	})
}

// WithAccount returns a context carrying the authorized account.
func WithAccount(ctx context.Context, account models.Account) context.Context {
	return context.WithValue(ctx, AccountKey, account)
}

// AccountFromContext returns the authorized account from the context.
func AccountFromContext(ctx context.Context) (models.Account, bool) {
	account, ok := ctx.Value(AccountKey).(models.Account)
	return account, ok
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if errors.Is(err, mailerr.ErrInvalidInput) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Email is required.","kind":"invalid_input"}`))
		return
	}
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"Unauthorized email account.","kind":"unauthorized"}`))
}
