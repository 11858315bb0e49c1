package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/vdavid/mailgate/internal/models"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	listener net.Listener
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// The memory backend creates a default user with username "username" and password "password".
// The server is closed when the test ends.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	srv, err := StartIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// StartIMAPServer starts an in-memory IMAP server on addr outside of a test,
// for the local development server. The caller must Close it.
func StartIMAPServer(addr string) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		listener: listener,
		cleanup: func() {
			_ = s.Close()
		},
		username: "username",
		password: "password",
	}, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Account returns an account that logs in as the default user.
func (s *TestIMAPServer) Account(address string) models.Account {
	return models.Account{
		Address:    address,
		Credential: models.Credential{Username: s.username, Password: s.password},
	}
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// CreateFolder creates a folder for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// Seed creates folders and appends messages without a test context. Each
// entry of messages maps a folder to raw messages.
func (s *TestIMAPServer) Seed(messages map[string][]string) error {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout() }()

	if err := client.Login(s.username, s.password); err != nil {
		return err
	}

	for folderName, raws := range messages {
		if folderName != "INBOX" {
			if err := client.Create(folderName); err != nil {
				return fmt.Errorf("failed to create folder %s: %w", folderName, err)
			}
		}
		for _, raw := range raws {
			if err := client.Append(folderName, nil, time.Now(), strings.NewReader(raw)); err != nil {
				return fmt.Errorf("failed to append to %s: %w", folderName, err)
			}
		}
	}
	return nil
}

// AddMessage appends a raw message to a folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, raw string, flags ...string) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Append(folderName, flags, time.Now(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	status, err := client.Select(folderName, true)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	return status.UidNext - 1
}

// Flags returns the flags of a message.
func (s *TestIMAPServer) Flags(t *testing.T, folderName string, uid uint32) []string {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	messages := make(chan *imap.Message, 1)
	if err := client.UidFetch(seqSet, []imap.FetchItem{imap.FetchFlags}, messages); err != nil {
		t.Fatalf("Failed to fetch flags: %v", err)
	}
	msg := <-messages
	if msg == nil {
		t.Fatalf("Message %d not found", uid)
	}
	return msg.Flags
}

// UIDs returns every UID in a folder.
func (s *TestIMAPServer) UIDs(t *testing.T, folderName string) []uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	uids, err := client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	return uids
}

// RawMessage builds a minimal plain-text message.
func RawMessage(messageID, from, to, subject, body string, date time.Time) string {
	var b strings.Builder
	if messageID != "" {
		b.WriteString("Message-ID: " + messageID + "\r\n")
	}
	b.WriteString("Date: " + date.Format(time.RFC1123Z) + "\r\n")
	if from != "" {
		b.WriteString("From: " + from + "\r\n")
	}
	if to != "" {
		b.WriteString("To: " + to + "\r\n")
	}
	if subject != "" {
		b.WriteString("Subject: " + subject + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return b.String()
}
