package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/drafts"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/imap/imaptest"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/ratelimit"
	"github.com/vdavid/mailgate/internal/submit"
	ws "github.com/vdavid/mailgate/internal/websocket"
)

func TestMain(m *testing.M) {
	log.Init("error")
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

const (
	sentFolder   = "[Gmail]/Sent Mail"
	draftsFolder = "[Gmail]/Drafts"
)

var account = models.Account{
	Address:    "a@example.com",
	Credential: models.Credential{Username: "a@example.com", Password: "app-password"},
}

// recordingSender records outgoing envelopes and returns err when set.
type recordingSender struct {
	mu   sync.Mutex
	envs []submit.Envelope
	err  error
}

func (s *recordingSender) Submit(_ context.Context, _ models.Account, env submit.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.envs = append(s.envs, env)
	return fmt.Sprintf("<sent-%d@example.com>", len(s.envs)), nil
}

func (s *recordingSender) sent() []submit.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submit.Envelope(nil), s.envs...)
}

type fixture struct {
	store   *imaptest.Store
	sender  *recordingSender
	hub     *ws.Hub
	handler *Handler
	router  http.Handler
}

func newFixture(t *testing.T, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	store := imaptest.NewStore("INBOX", sentFolder, draftsFolder)
	sup := imap.NewSupervisor(store, []models.Account{account}, imap.Options{
		OpTimeout: time.Second,
		After:     imaptest.NewClock().After,
	})
	t.Cleanup(sup.Close)

	reader := imap.NewReader(sup)
	reconciler := drafts.NewReconciler(reader, submit.NewDraftAppender(sup, draftsFolder, "example.com"), draftsFolder)
	sender := &recordingSender{}
	hub := ws.NewHub(10)
	t.Cleanup(hub.CloseAll)

	h := NewHandler(auth.NewGate([]models.Account{account}), reader, reconciler, sender, hub, Options{
		SentFolder:     sentFolder,
		DraftsFolder:   draftsFolder,
		FetchLimit:     20,
		MaxUploadBytes: 1024,
	})
	return &fixture{store: store, sender: sender, hub: hub, handler: h, router: NewRouter(h, limiter)}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func rawMessage(subject, from, date, body string) []byte {
	return []byte(fmt.Sprintf("From: %s\r\nTo: a@example.com\r\nSubject: %s\r\nDate: %s\r\n\r\n%s", from, subject, date, body))
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind mailerr.Kind
		want int
	}{
		{mailerr.Unauthorized, http.StatusForbidden},
		{mailerr.InvalidInput, http.StatusBadRequest},
		{mailerr.FolderNotFound, http.StatusNotFound},
		{mailerr.DraftNotFound, http.StatusNotFound},
		{mailerr.ConnectionLost, http.StatusServiceUnavailable},
		{mailerr.Timeout, http.StatusGatewayTimeout},
		{mailerr.ReconciliationPartialFailure, http.StatusInternalServerError},
		{mailerr.Canceled, http.StatusRequestTimeout},
		{mailerr.RateLimited, http.StatusTooManyRequests},
		{mailerr.UpstreamFailure, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.kind))
		})
	}
}

func TestWriteError(t *testing.T) {
	t.Run("upstream details are not leaked", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		WriteError(rr, req, errors.New("dial tcp 10.0.0.1:993: connection refused"), "Failed to do it.")

		assert.Equal(t, http.StatusBadGateway, rr.Code)
		resp := decodeError(t, rr)
		assert.Equal(t, "Failed to do it.", resp.Error)
		assert.Equal(t, "upstream_failure", resp.Kind)
	})

	t.Run("validation message is passed through", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		WriteError(rr, req, mailerr.Errorf(mailerr.InvalidInput, "op", "folder is required"), "unused")

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "Folder is required.", decodeError(t, rr).Error)
	})

	t.Run("context errors", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		WriteError(rr, req, context.DeadlineExceeded, "unused")
		assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
		assert.Equal(t, "timeout", decodeError(t, rr).Kind)
	})
}

func TestParseLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/fetch-emails", nil)
	n, err := ParseLimit(req, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	req = httptest.NewRequest(http.MethodGet, "/fetch-emails?limit=5", nil)
	n, err = ParseLimit(req, 20)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, bad := range []string{"0", "-3", "ten"} {
		req = httptest.NewRequest(http.MethodGet, "/fetch-emails?limit="+bad, nil)
		_, err = ParseLimit(req, 20)
		assert.ErrorIs(t, err, mailerr.ErrInvalidInput, bad)
	}
}

func TestRoot(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "running")
}
