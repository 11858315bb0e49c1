package submit

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

// SMTP security modes.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// SMTP submits messages to a mail submission server, authenticating with SASL
// PLAIN as the sending account.
type SMTP struct {
	Addr      string
	Security  string
	TLSConfig *tls.Config
	// Timeout bounds every SMTP command.
	Timeout time.Duration
	// IDDomain is the Message-ID domain; the sender's domain when empty.
	IDDomain string

	logger *logrus.Logger
}

// NewSMTP creates an SMTP submitter.
func NewSMTP(addr, security string, tlsConfig *tls.Config, timeout time.Duration, idDomain string) *SMTP {
	return &SMTP{
		Addr:      addr,
		Security:  security,
		TLSConfig: tlsConfig,
		Timeout:   timeout,
		IDDomain:  idDomain,
		logger:    log.Logger(log.SMTP),
	}
}

// Submit composes and sends env. Drafts without recipients are addressed to
// the sender.
func (s *SMTP) Submit(ctx context.Context, account models.Account, env Envelope) (string, error) {
	const op = "smtp.Submit"

	id, raw, err := Compose(env, s.IDDomain, time.Now())
	if err != nil {
		return "", err
	}

	rcpts, err := parseRecipients(env.To)
	if err != nil {
		return "", mailerr.New(mailerr.InvalidInput, op, err)
	}
	to := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		to = append(to, r.Address)
	}
	if len(to) == 0 {
		if !env.Draft {
			return "", mailerr.Errorf(mailerr.InvalidInput, op, "at least one recipient is required")
		}
		to = append(to, account.Address)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.send(account, account.Address, to, raw)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.WithFields(logrus.Fields{"account": account.Address, "message_id": id}).Warnf("Submission failed: %v", err)
			return "", classify(op, err)
		}
	case <-ctx.Done():
		// The exchange finishes or times out on its own.
		return "", mailerr.FromContext(op, ctx.Err())
	}

	s.logger.WithFields(logrus.Fields{
		"account":    account.Address,
		"message_id": id,
		"draft":      env.Draft,
	}).Info("Message submitted")
	return id, nil
}

func (s *SMTP) send(account models.Account, from string, to []string, raw []byte) error {
	c, err := s.dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if s.Timeout > 0 {
		c.CommandTimeout = s.Timeout
		c.SubmissionTimeout = s.Timeout
	}

	if ok, _ := c.Extension("AUTH"); ok {
		auth := sasl.NewPlainClient("", account.Login(), account.Credential.Password)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return err
	}
	return c.Quit()
}

func (s *SMTP) dial() (*smtp.Client, error) {
	switch s.Security {
	case SecurityTLS:
		return smtp.DialTLS(s.Addr, s.TLSConfig)
	case SecurityStartTLS:
		return smtp.DialStartTLS(s.Addr, s.TLSConfig)
	case SecurityNone, "":
		return smtp.Dial(s.Addr)
	}
	return nil, fmt.Errorf("unknown SMTP security mode %q", s.Security)
}

// classify maps network failures to ConnectionLost or Timeout and everything
// else, including server rejections, to UpstreamFailure.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return mailerr.New(mailerr.Timeout, op, err)
		}
		return mailerr.New(mailerr.ConnectionLost, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return mailerr.New(mailerr.ConnectionLost, op, err)
	}
	return mailerr.New(mailerr.UpstreamFailure, op, err)
}
