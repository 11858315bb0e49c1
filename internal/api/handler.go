package api

import (
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/drafts"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/submit"
	ws "github.com/vdavid/mailgate/internal/websocket"
)

// InboxFolder is the folder read by /fetch-inbox-emails and the default for
// /mark-as-read and /search-emails.
const InboxFolder = "INBOX"

// Options configures the folders and limits the handlers use.
type Options struct {
	SentFolder     string
	DraftsFolder   string
	FetchLimit     int
	MaxUploadBytes int64
}

// Handler serves the mail API.
type Handler struct {
	gate   *auth.Gate
	reader *imap.Reader
	drafts *drafts.Reconciler
	sender submit.Submitter
	hub    *ws.Hub
	opts   Options
	logger *logrus.Logger
}

// NewHandler creates a Handler. sender submits outgoing (non-draft) mail.
func NewHandler(gate *auth.Gate, reader *imap.Reader, reconciler *drafts.Reconciler, sender submit.Submitter, hub *ws.Hub, opts Options) *Handler {
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 20
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 5 << 20
	}
	return &Handler{
		gate:   gate,
		reader: reader,
		drafts: reconciler,
		sender: sender,
		hub:    hub,
		opts:   opts,
		logger: log.Logger(log.API),
	}
}
