package imap

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

// Session is exclusive use of one account's connection between Acquire and
// release. It is not safe for concurrent use.
type Session struct {
	sup  *Supervisor
	slot *slot
	conn Conn

	folder  string
	expunge bool
	lost    bool
	// dangling is set when an exchange outlived its context; the goroutine
	// still running it logs the connection out.
	dangling bool
}

// Account returns the account the session belongs to.
func (s *Session) Account() models.Account {
	return s.slot.account
}

// Folder returns the selected folder, or "" if none is selected.
func (s *Session) Folder() string {
	return s.folder
}

// Select opens a folder. A refusal from a live connection is FolderNotFound.
func (s *Session) Select(ctx context.Context, name string) error {
	const op = "imap.Select"
	err := s.run(ctx, op, func(c Conn) error { return c.Select(name) })
	if err != nil {
		return mailerr.Wrap(mailerr.FolderNotFound, op, err)
	}
	s.folder = name
	s.slot.setState(FolderSelected)
	return nil
}

// Search returns the UIDs matching criteria in the selected folder.
func (s *Session) Search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	const op = "imap.Search"
	var uids []uint32
	err := s.run(ctx, op, func(c Conn) error {
		var err error
		uids, err = c.Search(criteria)
		return err
	})
	if err != nil {
		return nil, mailerr.Wrap(mailerr.UpstreamFailure, op, err)
	}
	return uids, nil
}

// Fetch returns items for the given UIDs in the selected folder.
func (s *Session) Fetch(ctx context.Context, uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	const op = "imap.Fetch"
	var msgs []*imap.Message
	err := s.run(ctx, op, func(c Conn) error {
		var err error
		msgs, err = c.Fetch(uids, items)
		return err
	})
	if err != nil {
		return nil, mailerr.Wrap(mailerr.UpstreamFailure, op, err)
	}
	return msgs, nil
}

// AddFlags adds flags to one message in the selected folder.
func (s *Session) AddFlags(ctx context.Context, uid uint32, flags ...string) error {
	const op = "imap.AddFlags"
	err := s.run(ctx, op, func(c Conn) error { return c.AddFlags(uid, flags...) })
	return mailerr.Wrap(mailerr.UpstreamFailure, op, err)
}

// Delete flags a message \Deleted. It is removed when the folder is closed,
// either by CloseFolder(ctx, true) or on release.
func (s *Session) Delete(ctx context.Context, uid uint32) error {
	if err := s.AddFlags(ctx, uid, imap.DeletedFlag); err != nil {
		return err
	}
	s.expunge = true
	return nil
}

// CloseFolder leaves the selected folder. With expunge, or after Delete,
// messages flagged \Deleted are removed permanently before it returns.
func (s *Session) CloseFolder(ctx context.Context, expunge bool) error {
	const op = "imap.CloseFolder"
	if s.folder == "" {
		return nil
	}
	expunge = expunge || s.expunge
	err := s.run(ctx, op, func(c Conn) error { return c.CloseFolder(expunge) })
	if err != nil {
		return mailerr.Wrap(mailerr.UpstreamFailure, op, err)
	}
	s.folder = ""
	s.expunge = false
	s.slot.setState(Connected)
	return nil
}

// List returns all folder names.
func (s *Session) List(ctx context.Context) ([]string, error) {
	const op = "imap.List"
	var names []string
	err := s.run(ctx, op, func(c Conn) error {
		var err error
		names, err = c.List()
		return err
	})
	if err != nil {
		return nil, mailerr.Wrap(mailerr.UpstreamFailure, op, err)
	}
	return names, nil
}

// Append stores a raw message in a folder.
func (s *Session) Append(ctx context.Context, folder string, flags []string, msg []byte) error {
	const op = "imap.Append"
	err := s.run(ctx, op, func(c Conn) error { return c.Append(folder, flags, time.Now(), msg) })
	return mailerr.Wrap(mailerr.UpstreamFailure, op, err)
}

// run executes one protocol exchange under the operation timeout.
//
// When ctx ends first the exchange is abandoned: the session is marked lost,
// the caller gets Timeout or Canceled at once, and the exchange finishes in the
// background before its connection is logged out. Failures that leave the
// connection dead are reported as ConnectionLost. In both cases the reconnect
// loop is woken. Other errors are returned as is for the caller to classify.
func (s *Session) run(ctx context.Context, op string, fn func(Conn) error) error {
	if s.lost {
		return mailerr.Errorf(mailerr.ConnectionLost, op, "session is no longer usable")
	}

	ctx, cancel := context.WithTimeout(ctx, s.sup.opTimeout)
	defer cancel()

	conn := s.conn
	done := make(chan error, 1)
	go func() {
		done <- fn(conn)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if isTransportError(err) || !conn.Alive() {
			s.markLost(err)
			return mailerr.New(mailerr.ConnectionLost, op, err)
		}
		return err
	case <-ctx.Done():
		err := mailerr.FromContext(op, ctx.Err())
		s.dangling = true
		s.markLost(err)
		go func() {
			<-done
			_ = conn.Logout()
		}()
		return err
	}
}

func (s *Session) markLost(cause error) {
	s.lost = true
	s.sup.connectionLost(s.slot, s.conn, cause)
}

// release closes the selected folder, expunging if a deletion is pending, and
// frees the acquisition slot. A lost connection is logged out unless an
// abandoned exchange still owns it.
func (s *Session) release() {
	defer func() { <-s.slot.sem }()

	if !s.lost && s.folder != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.sup.opTimeout)
		if err := s.CloseFolder(ctx, s.expunge); err != nil {
			s.sup.logger.WithField("account", s.slot.account.Address).Warnf("Failed to close folder on release: %v", err)
		}
		cancel()
	}

	if s.lost {
		if !s.dangling {
			_ = s.conn.Logout()
		}
		return
	}

	if s.sup.isClosed() {
		if conn := s.slot.take(); conn != nil {
			_ = conn.Logout()
		}
		return
	}
	s.slot.setState(Connected)
}

// isTransportError reports whether err comes from the network rather than
// from a protocol-level refusal.
func isTransportError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
