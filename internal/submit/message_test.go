package submit

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

var testDate = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func TestCompose_PlainMessage(t *testing.T) {
	id, raw, err := Compose(Envelope{
		From:    "a@example.com",
		To:      []string{"b@example.com", "Carol <c@example.com>"},
		Subject: "Hello",
		Body:    "Hi there",
	}, "mail.example.com", testDate)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@mail.example.com>"))

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, id, env.GetHeader("Message-Id"))
	assert.Equal(t, "Hello", env.GetHeader("Subject"))
	assert.Equal(t, "a@example.com", strings.Trim(env.GetHeader("From"), "<>"))
	assert.Contains(t, env.GetHeader("To"), "c@example.com")
	assert.Empty(t, env.GetHeader(DraftHeader))
	assert.Equal(t, "Hi there", env.Text)
}

func TestCompose_Draft(t *testing.T) {
	id, raw, err := Compose(Envelope{
		From:          "a@example.com",
		Draft:         true,
		CorrelationID: "corr-123@example.com",
	}, "", testDate)
	require.NoError(t, err)
	assert.Equal(t, "<corr-123@example.com>", id)

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "yes", env.GetHeader(DraftHeader))
	assert.Equal(t, "<corr-123@example.com>", env.GetHeader("Message-Id"))
	assert.Empty(t, env.GetHeader("To"))
}

func TestCompose_DefaultsToSenderDomain(t *testing.T) {
	id, _, err := Compose(Envelope{From: "a@sender.org", To: []string{"b@x.com"}}, "", testDate)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@sender.org>"))
}

func TestCompose_WithAttachment(t *testing.T) {
	_, raw, err := Compose(Envelope{
		From:    "a@example.com",
		To:      []string{"b@example.com"},
		Subject: "Report",
		Body:    "Attached.",
		Attachment: &models.Attachment{
			Filename:    "report.txt",
			ContentType: "text/plain",
			Content:     []byte("numbers"),
		},
	}, "example.com", testDate)
	require.NoError(t, err)

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Attached.", env.Text)
	require.Len(t, env.Attachments, 1)
	assert.Equal(t, "report.txt", env.Attachments[0].FileName)
	assert.Equal(t, []byte("numbers"), env.Attachments[0].Content)
}

func TestCompose_InvalidAddresses(t *testing.T) {
	_, _, err := Compose(Envelope{From: "not an address"}, "", testDate)
	assert.ErrorIs(t, err, mailerr.ErrInvalidInput)

	_, _, err = Compose(Envelope{From: "a@example.com", To: []string{"@@"}}, "", testDate)
	assert.ErrorIs(t, err, mailerr.ErrInvalidInput)
}

func TestNewMessageID(t *testing.T) {
	a := NewMessageID("example.com")
	b := NewMessageID("example.com")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^<[0-9a-f-]{36}@example\.com>$`, a)
	assert.True(t, strings.HasSuffix(NewMessageID(""), "@localhost>"))
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "<x@y>", NormalizeMessageID("x@y"))
	assert.Equal(t, "<x@y>", NormalizeMessageID("<x@y>"))
	assert.Equal(t, "<x@y>", NormalizeMessageID(" <x@y "))
	assert.Equal(t, "", NormalizeMessageID("  "))
}
