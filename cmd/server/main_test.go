package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/imap/imaptest"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/testutil"
)

func TestMain(m *testing.M) {
	log.Init("error")
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func getTestConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Port:        "8080",
		Accounts: []models.Account{
			{Address: "a@example.com", Credential: models.Credential{Username: "a@example.com", Password: "pw"}},
		},
		IMAPAddr:          "imap.example.com:993",
		IMAPTLS:           true,
		SMTPAddr:          "smtp.example.com:465",
		SMTPSecurity:      config.SMTPSecurityTLS,
		DraftsFolder:      "[Gmail]/Drafts",
		SentFolder:        "[Gmail]/Sent Mail",
		DraftsViaIMAP:     true,
		ReconnectInterval: time.Second,
		OpTimeout:         time.Second,
		FetchLimit:        20,
		RateLimit:         100,
		RateWindow:        time.Minute,
		MaxUploadBytes:    1 << 20,
	}
}

func TestNewServer(t *testing.T) {
	store := imaptest.NewStore("INBOX", "[Gmail]/Drafts", "[Gmail]/Sent Mail")
	store.Add("INBOX", []byte("From: x@example.com\r\nSubject: Hi\r\n\r\nbody"))

	server := NewServer(getTestConfig(), store)
	t.Cleanup(server.Close)

	t.Run("root", func(t *testing.T) {
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	})

	t.Run("fetch inbox through the supervisor", func(t *testing.T) {
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/fetch-inbox-emails?email=a@example.com", nil))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp struct {
			Emails []models.Message `json:"emails"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Emails, 1)
		assert.Equal(t, "Hi", resp.Emails[0].Subject)
		assert.Equal(t, 1, store.Dials())
	})

	t.Run("drafts are appended over IMAP", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/save-draft", strings.NewReader(`{"fromEmail":"a@example.com","subject":"draft"}`))
		req.Header.Set("Content-Type", "application/json")
		server.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Len(t, store.Messages("[Gmail]/Drafts"), 1)
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/threads", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestListAccounts(t *testing.T) {
	cfg := getTestConfig()
	cfg.Accounts = append(cfg.Accounts, models.Account{Address: "b@example.com"})

	t.Run("without verification", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, listAccounts(t.Context(), &out, cfg, nil))
		assert.Contains(t, out.String(), "a@example.com")
		assert.Contains(t, out.String(), "b@example.com")
		assert.NotContains(t, out.String(), "IMAP")
	})

	t.Run("verify ok", func(t *testing.T) {
		store := imaptest.NewStore()
		var out bytes.Buffer
		require.NoError(t, listAccounts(t.Context(), &out, cfg, store))
		assert.Equal(t, 2, store.Dials())
		assert.Equal(t, 0, store.LiveConns())
		assert.Equal(t, 2, strings.Count(out.String(), " ok"))
	})

	t.Run("verify failure", func(t *testing.T) {
		store := imaptest.NewStore()
		store.SetDialError(errors.New("authentication failed"))
		var out bytes.Buffer
		err := listAccounts(t.Context(), &out, cfg, store)
		assert.ErrorContains(t, err, "2 of 2")
		assert.Contains(t, out.String(), "authentication failed")
	})
}

func TestSealCommand(t *testing.T) {
	key := testutil.TestKey()

	t.Run("argument", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"seal", "--key", key, "app-password"})
		require.NoError(t, cmd.Execute())

		opened, err := testutil.GetTestSealer(t).Open(strings.TrimSpace(out.String()))
		require.NoError(t, err)
		assert.Equal(t, "app-password", opened)
	})

	t.Run("stdin", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetIn(strings.NewReader("from-stdin\n"))
		cmd.SetArgs([]string{"seal", "--key", key})
		require.NoError(t, cmd.Execute())
		assert.NotEmpty(t, strings.TrimSpace(out.String()))
	})

	t.Run("missing key", func(t *testing.T) {
		t.Setenv("MAILGATE_ENCRYPTION_KEY_BASE64", "")
		err := seal(io.Discard, "", "pw")
		assert.ErrorContains(t, err, "encryption key")
	})
}

func TestTLSConfig(t *testing.T) {
	c := tlsConfig("imap.gmail.com:993", false)
	assert.Equal(t, "imap.gmail.com", c.ServerName)
	assert.False(t, c.InsecureSkipVerify)

	c = tlsConfig("localhost", true)
	assert.Equal(t, "localhost", c.ServerName)
	assert.True(t, c.InsecureSkipVerify)
}

func TestDevEnvironment(t *testing.T) {
	env, err := startDevEnvironment(devOptions{
		Port:     "0",
		IMAPAddr: "127.0.0.1:0",
		SMTPAddr: "127.0.0.1:0",
		LogLevel: "error",
	})
	require.NoError(t, err)
	t.Cleanup(env.Close)

	t.Run("inbox is seeded", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.Server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/fetch-inbox-emails?email="+devAccount, nil))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Contains(t, rr.Body.String(), "Welcome to mailgate")
		assert.Contains(t, rr.Body.String(), "Invoice #42")
	})

	t.Run("send goes through SMTP", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/send-email", strings.NewReader(
			`{"fromEmail":"`+devAccount+`","toEmail":"friend@example.com","subject":"Hi","message":"Hello"}`))
		req.Header.Set("Content-Type", "application/json")
		env.Server.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		msgs := env.SMTP.GetMessages()
		require.Len(t, msgs, 1)
		assert.Equal(t, devAccount, msgs[0].From)
		assert.Equal(t, []string{"friend@example.com"}, msgs[0].To)
	})

	t.Run("draft is stored over IMAP", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/save-draft", strings.NewReader(
			`{"fromEmail":"`+devAccount+`","subject":"Later"}`))
		req.Header.Set("Content-Type", "application/json")
		env.Server.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		rr = httptest.NewRecorder()
		env.Server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/fetch-drafts?email="+devAccount, nil))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Contains(t, rr.Body.String(), "Later")
	})
}
