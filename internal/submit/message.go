// Package submit composes outgoing messages and hands them to a transport:
// SMTP for sends, IMAP APPEND to the drafts folder for drafts.
package submit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

// DraftHeader marks a message as a draft for Gmail.
const DraftHeader = "X-GM-DRAFT"

// Envelope is one message to submit.
type Envelope struct {
	From       string
	To         []string
	Subject    string
	Body       string
	Attachment *models.Attachment
	Draft      bool
	// CorrelationID, when set, is used as the Message-ID instead of a new one.
	CorrelationID string
}

// Submitter submits a message and returns the Message-ID it was sent with,
// angle brackets included.
type Submitter interface {
	Submit(ctx context.Context, account models.Account, env Envelope) (string, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, account models.Account, env Envelope) (string, error)

func (f SubmitterFunc) Submit(ctx context.Context, account models.Account, env Envelope) (string, error) {
	return f(ctx, account, env)
}

// NewMessageID returns a fresh "<uuid@domain>" identifier.
func NewMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// NormalizeMessageID wraps an id in angle brackets if they are missing.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return "<" + strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">") + ">"
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return strings.Trim(address[i+1:], "> ")
	}
	return ""
}

// Compose renders env as an RFC 5322 message. The Message-ID is the
// envelope's correlation id, or a new id under domain (the sender's domain if
// empty).
func Compose(env Envelope, domain string, date time.Time) (string, []byte, error) {
	const op = "submit.Compose"

	from, err := mail.ParseAddress(env.From)
	if err != nil {
		return "", nil, mailerr.Errorf(mailerr.InvalidInput, op, "invalid sender %q: %v", env.From, err)
	}
	to, err := parseRecipients(env.To)
	if err != nil {
		return "", nil, mailerr.New(mailerr.InvalidInput, op, err)
	}

	id := NormalizeMessageID(env.CorrelationID)
	if id == "" {
		if domain == "" {
			domain = domainOf(from.Address)
		}
		id = NewMessageID(domain)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetMessageID(strings.Trim(id, "<>"))
	h.SetAddressList("From", []*mail.Address{from})
	if len(to) > 0 {
		h.SetAddressList("To", to)
	}
	h.SetSubject(env.Subject)
	if env.Draft {
		h.Set(DraftHeader, "yes")
	}

	var buf bytes.Buffer
	if env.Attachment == nil {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return "", nil, mailerr.New(mailerr.UpstreamFailure, op, err)
		}
		if err := writeAndClose(w, []byte(env.Body)); err != nil {
			return "", nil, mailerr.New(mailerr.UpstreamFailure, op, err)
		}
		return id, buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return "", nil, mailerr.New(mailerr.UpstreamFailure, op, err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := mw.CreateSingleInline(th)
	if err != nil {
		return "", nil, mailerr.New(mailerr.UpstreamFailure, op, err)
	}
	if err := writeAndClose(w, []byte(env.Body)); err != nil {
		return "", nil, mailerr.New(mailerr.UpstreamFailure, op, err)
	}

	contentType := env.Attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var ah mail.AttachmentHeader
	ah.SetContentType(contentType, nil)
	ah.SetFilename(env.Attachment.Filename)
	ah.Set("Content-Transfer-Encoding", "base64")
	w, err = mw.CreateAttachment(ah)
	if err != nil {
		return "", nil, mailerr.New(mailerr.UpstreamFailure, op, err)
	}
	if err := writeAndClose(w, env.Attachment.Content); err != nil {
		return "", nil, mailerr.New(mailerr.UpstreamFailure, op, err)
	}

	if err := mw.Close(); err != nil {
		return "", nil, mailerr.New(mailerr.UpstreamFailure, op, err)
	}
	return id, buf.Bytes(), nil
}

func parseRecipients(to []string) ([]*mail.Address, error) {
	var out []*mail.Address
	for _, entry := range to {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		list, err := mail.ParseAddressList(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", entry, err)
		}
		out = append(out, list...)
	}
	return out, nil
}

func writeAndClose(w io.WriteCloser, data []byte) error {
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
