package imap

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/vdavid/mailgate/internal/models"
)

// Fallbacks used when a record lacks a value.
const (
	FallbackAddress = "Unknown"
	FallbackSubject = "No Subject"
	FallbackDate    = "Unknown Date"
	FallbackBody    = "No Content"
)

// RawRecord is one message as fetched from the store. Header and Body may be
// empty when the store returned nothing for them.
type RawRecord struct {
	UID    uint32
	Header mail.Header
	Body   []byte
	Flags  []string
}

// MessageID returns the record's Message-ID header, brackets included.
func (r RawRecord) MessageID() string {
	return strings.TrimSpace(r.Header.Get("Message-Id"))
}

// Normalize converts a record into a fully populated message. It never fails:
// every missing or empty value is replaced by its fallback.
//
// IsRead is true when the record does NOT carry \Seen. Existing clients depend
// on this inverted meaning, so it stays as is.
func Normalize(r RawRecord) models.Message {
	seen := false
	for _, flag := range r.Flags {
		if flag == imap.SeenFlag {
			seen = true
			break
		}
	}

	body := string(r.Body)
	if body == "" {
		body = FallbackBody
	}

	return models.Message{
		ID:      r.UID,
		From:    headerText(r.Header, "From", FallbackAddress),
		To:      headerText(r.Header, "To", FallbackAddress),
		Subject: headerText(r.Header, "Subject", FallbackSubject),
		Date:    headerText(r.Header, "Date", FallbackDate),
		Body:    body,
		IsRead:  !seen,
	}
}

// headerText returns the decoded header value, the raw value if decoding
// fails, or fallback if the header is absent or blank.
func headerText(h mail.Header, key, fallback string) string {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return fallback
	}

	text, err := h.Text(key)
	if err != nil {
		return raw
	}
	if text = strings.TrimSpace(text); text == "" {
		return raw
	}
	return text
}

// recordFromMessage builds a RawRecord from a fetched message, reading the
// header-fields and text sections wherever the server placed them.
func recordFromMessage(msg *imap.Message) RawRecord {
	rec := RawRecord{UID: msg.Uid, Flags: msg.Flags}

	for section, literal := range msg.Body {
		if section == nil || literal == nil {
			continue
		}
		switch section.Specifier {
		case imap.HeaderSpecifier:
			rec.Header = parseHeader(literal)
		case imap.TextSpecifier:
			body, err := io.ReadAll(literal)
			if err == nil {
				rec.Body = body
			}
		}
	}
	return rec
}

// parseHeader reads a header block. A truncated block yields whatever fields
// were read before the error.
func parseHeader(r io.Reader) mail.Header {
	h, _ := textproto.ReadHeader(bufio.NewReader(r))
	return mail.Header{Header: message.Header{Header: h}}
}

// entireBody returns the BODY[] literal of a message, if present.
func entireBody(msg *imap.Message) ([]byte, bool) {
	for section, literal := range msg.Body {
		if section == nil || literal == nil {
			continue
		}
		if section.Specifier == imap.EntireSpecifier && len(section.Path) == 0 {
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(literal); err != nil {
				return nil, false
			}
			return buf.Bytes(), true
		}
	}
	return nil, false
}
