package submit

import (
	"context"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

// DraftAppender stores drafts directly in the drafts folder with IMAP APPEND,
// flagged \Draft, through the account's supervised connection.
type DraftAppender struct {
	sup      *imap.Supervisor
	folder   string
	idDomain string
	logger   *logrus.Logger
}

// NewDraftAppender creates a DraftAppender writing to folder.
func NewDraftAppender(sup *imap.Supervisor, folder, idDomain string) *DraftAppender {
	return &DraftAppender{
		sup:      sup,
		folder:   folder,
		idDomain: idDomain,
		logger:   log.Logger(log.Draft),
	}
}

// Submit appends env to the drafts folder. Only drafts are accepted.
func (a *DraftAppender) Submit(ctx context.Context, account models.Account, env Envelope) (string, error) {
	const op = "drafts.Append"
	if !env.Draft {
		return "", mailerr.Errorf(mailerr.InvalidInput, op, "only drafts can be appended")
	}

	id, raw, err := Compose(env, a.idDomain, time.Now())
	if err != nil {
		return "", err
	}

	sess, release, err := a.sup.Acquire(ctx, account)
	if err != nil {
		return "", err
	}
	defer release()

	if err := sess.Append(ctx, a.folder, []string{goimap.DraftFlag}, raw); err != nil {
		return "", err
	}

	a.logger.WithFields(logrus.Fields{
		"account":    account.Address,
		"folder":     a.folder,
		"message_id": id,
	}).Info("Draft stored")
	return id, nil
}
