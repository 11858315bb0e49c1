package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vdavid/mailgate/internal/models"
)

func TestRequireAccount(t *testing.T) {
	gate := NewGate([]models.Account{{Address: "a@example.com", Credential: models.Credential{Password: "pw"}}})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, ok := AccountFromContext(r.Context())
		if !ok {
			t.Error("Expected account in context")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(account.Address))
	})

	authHandler := RequireAccount(gate, handler)

	t.Run("allows configured account", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/fetch-drafts?email=a@example.com", nil)
		rr := httptest.NewRecorder()
		authHandler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "a@example.com", rr.Body.String())
	})

	t.Run("rejects missing email with 400", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/fetch-drafts", nil)
		rr := httptest.NewRecorder()
		authHandler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid_input")
	})

	t.Run("rejects unknown account with 403", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/fetch-drafts?email=b@example.com", nil)
		rr := httptest.NewRecorder()
		authHandler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Contains(t, rr.Body.String(), "unauthorized")
	})
}

func TestAccountFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, ok := AccountFromContext(req.Context())
	assert.False(t, ok)
}
