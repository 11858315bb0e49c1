package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

// Conn is the folder-oriented store client driven by a Session.
// Implementations need not be safe for concurrent use: the Supervisor hands a
// connection to one operation at a time.
type Conn interface {
	// Select opens a folder read-write.
	Select(name string) error
	// Search returns the UIDs matching criteria in ascending order.
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	// Fetch returns the requested items for the given UIDs.
	Fetch(uids []uint32, items []imap.FetchItem) ([]*imap.Message, error)
	// AddFlags adds flags to a single message.
	AddFlags(uid uint32, flags ...string) error
	// CloseFolder leaves the selected folder, expunging \Deleted messages if asked.
	CloseFolder(expunge bool) error
	// List returns every folder name.
	List() ([]string, error)
	// Append stores a raw RFC 5322 message in a folder.
	Append(folder string, flags []string, date time.Time, msg []byte) error
	// Alive reports whether the connection is still authenticated.
	Alive() bool
	// Logout ends the connection.
	Logout() error
}

// Dialer opens authenticated connections for an account.
type Dialer interface {
	Dial(ctx context.Context, account models.Account) (Conn, error)
}

// ClientDialer dials a real IMAP server with go-imap.
type ClientDialer struct {
	Addr      string
	TLS       bool
	TLSConfig *tls.Config
	// Timeout bounds the dial and every command on the resulting connection.
	Timeout time.Duration
}

// Dial connects and logs in. Network failures are reported as ConnectionLost
// (or Timeout), rejected credentials as UpstreamFailure.
func (d *ClientDialer) Dial(ctx context.Context, account models.Account) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var c *client.Client
	var err error
	if d.TLS {
		c, err = client.DialWithDialerTLS(dialer, d.Addr, d.TLSConfig)
	} else {
		c, err = client.DialWithDialer(dialer, d.Addr)
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, mailerr.New(mailerr.Timeout, "imap.Dial", err)
		}
		return nil, mailerr.New(mailerr.ConnectionLost, "imap.Dial", fmt.Errorf("failed to dial %s: %w", d.Addr, err))
	}
	c.Timeout = timeout

	if err := c.Login(account.Login(), account.Credential.Password); err != nil {
		_ = c.Logout()
		return nil, mailerr.New(mailerr.UpstreamFailure, "imap.Login", fmt.Errorf("failed to authenticate: %w", err))
	}

	return &clientConn{client: c}, nil
}

// clientConn adapts a go-imap client to Conn.
type clientConn struct {
	client *client.Client
}

func (c *clientConn) Select(name string) error {
	_, err := c.client.Select(name, false)
	return err
}

func (c *clientConn) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	return c.client.UidSearch(criteria)
}

func (c *clientConn) Fetch(uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	result := make([]*imap.Message, 0, len(uids))
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, err
	}
	return result, nil
}

func (c *clientConn) AddFlags(uid uint32, flags ...string) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	return c.client.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), values, nil)
}

func (c *clientConn) CloseFolder(expunge bool) error {
	if expunge {
		// CLOSE permanently removes \Deleted messages.
		return c.client.Close()
	}
	err := c.client.Unselect()
	if errors.Is(err, client.ErrExtensionUnsupported) {
		// The next SELECT deselects without expunging.
		return nil
	}
	return err
}

func (c *clientConn) List() ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		folders = append(folders, m.Name)
	}

	if err := <-done; err != nil {
		return nil, err
	}
	return folders, nil
}

func (c *clientConn) Append(folder string, flags []string, date time.Time, msg []byte) error {
	return c.client.Append(folder, flags, date, bytes.NewBuffer(msg))
}

func (c *clientConn) Alive() bool {
	select {
	case <-c.client.LoggedOut():
		return false
	default:
	}
	state := c.client.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

func (c *clientConn) Logout() error {
	return c.client.Logout()
}
