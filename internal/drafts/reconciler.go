// Package drafts emulates draft editing on a store that has no update
// primitive. A draft is identified by its Message-ID (the correlation id); an
// update deletes the stored record and submits a new one carrying the same id.
package drafts

import (
	"bytes"
	"context"

	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/submit"
)

const correlationHeader = "Message-ID"

// Reconciler creates, updates, looks up and deletes drafts.
//
// Updates of different drafts may run concurrently. Two updates of the same
// draft must be serialized by the caller; nothing here locks per draft.
type Reconciler struct {
	reader    *imap.Reader
	submitter submit.Submitter
	folder    string
	logger    *logrus.Logger
}

// NewReconciler creates a Reconciler over the drafts folder.
func NewReconciler(reader *imap.Reader, submitter submit.Submitter, folder string) *Reconciler {
	return &Reconciler{
		reader:    reader,
		submitter: submitter,
		folder:    folder,
		logger:    log.Logger(log.Draft),
	}
}

// Create submits a new draft. The Message-ID assigned on submission becomes
// the draft's correlation id.
func (r *Reconciler) Create(ctx context.Context, account models.Account, in models.DraftInput) (models.DraftHandle, error) {
	const op = "drafts.Create"

	id, err := r.submitter.Submit(ctx, account, envelope(account, in, ""))
	if err != nil {
		return models.DraftHandle{}, mailerr.Wrap(mailerr.UpstreamFailure, op, err)
	}

	r.logger.WithFields(logrus.Fields{"account": account.Address, "draft": id}).Info("Draft created")
	return handle(id, in), nil
}

// Update replaces the content of an existing draft. The old record is flagged
// \Deleted and expunged before the replacement is submitted, so a later search
// never sees two records with the same id. If the replacement cannot be
// submitted the draft is gone and ReconciliationPartialFailure is returned.
func (r *Reconciler) Update(ctx context.Context, account models.Account, correlationID string, in models.DraftInput) (models.DraftHandle, error) {
	const op = "drafts.Update"

	id := submit.NormalizeMessageID(correlationID)
	if id == "" {
		return models.DraftHandle{}, mailerr.Errorf(mailerr.InvalidInput, op, "draft id is required")
	}

	if err := r.remove(ctx, account, id); err != nil {
		return models.DraftHandle{}, err
	}

	newID, err := r.submitter.Submit(ctx, account, envelope(account, in, id))
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"account": account.Address,
			"draft":   id,
		}).Errorf("Draft was deleted but its replacement could not be submitted: %v", err)
		return models.DraftHandle{}, mailerr.New(mailerr.ReconciliationPartialFailure, op, err)
	}

	r.logger.WithFields(logrus.Fields{"account": account.Address, "draft": newID}).Info("Draft updated")
	return handle(newID, in), nil
}

// Delete removes a draft.
func (r *Reconciler) Delete(ctx context.Context, account models.Account, correlationID string) error {
	id := submit.NormalizeMessageID(correlationID)
	if id == "" {
		return mailerr.Errorf(mailerr.InvalidInput, "drafts.Delete", "draft id is required")
	}
	if err := r.remove(ctx, account, id); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{"account": account.Address, "draft": id}).Info("Draft deleted")
	return nil
}

// remove finds the draft and expunges it. It returns only after the folder has
// been closed with expunge.
func (r *Reconciler) remove(ctx context.Context, account models.Account, id string) error {
	sess, release, err := r.reader.Supervisor().Acquire(ctx, account)
	if err != nil {
		return err
	}
	defer release()

	rec, err := r.find(ctx, sess, id)
	if err != nil {
		return err
	}
	if err := sess.Delete(ctx, rec.UID); err != nil {
		return err
	}
	return sess.CloseFolder(ctx, true)
}

// Lookup returns the current content of a draft.
func (r *Reconciler) Lookup(ctx context.Context, account models.Account, correlationID string) (models.DraftHandle, error) {
	const op = "drafts.Lookup"

	id := submit.NormalizeMessageID(correlationID)
	if id == "" {
		return models.DraftHandle{}, mailerr.Errorf(mailerr.InvalidInput, op, "draft id is required")
	}

	sess, release, err := r.reader.Supervisor().Acquire(ctx, account)
	if err != nil {
		return models.DraftHandle{}, err
	}
	defer release()

	rec, err := r.find(ctx, sess, id)
	if err != nil {
		return models.DraftHandle{}, err
	}

	raw, err := r.reader.FetchRaw(ctx, sess, rec.UID)
	if err != nil {
		return models.DraftHandle{}, err
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return models.DraftHandle{}, mailerr.Errorf(mailerr.UpstreamFailure, op, "failed to parse draft: %w", err)
	}

	h := models.DraftHandle{
		CorrelationID: id,
		To:            env.GetHeader("To"),
		Subject:       env.GetHeader("Subject"),
		Body:          env.Text,
	}
	for _, a := range env.Attachments {
		h.Attachments = append(h.Attachments, a.FileName)
	}
	return h, nil
}

// find selects the drafts folder and returns the record carrying id.
func (r *Reconciler) find(ctx context.Context, sess *imap.Session, id string) (*imap.RawRecord, error) {
	if err := sess.Select(ctx, r.folder); err != nil {
		return nil, err
	}

	rec, err := r.reader.FindByHeader(ctx, sess, correlationHeader, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, mailerr.Errorf(mailerr.DraftNotFound, "drafts.Find", "no draft with id %s", id)
	}
	return rec, nil
}

func envelope(account models.Account, in models.DraftInput, correlationID string) submit.Envelope {
	env := submit.Envelope{
		From:          account.Address,
		Subject:       in.Subject,
		Body:          in.Body,
		Attachment:    in.Attachment,
		Draft:         true,
		CorrelationID: correlationID,
	}
	if in.To != "" {
		env.To = []string{in.To}
	}
	return env
}

func handle(id string, in models.DraftInput) models.DraftHandle {
	h := models.DraftHandle{
		CorrelationID: id,
		To:            in.To,
		Subject:       in.Subject,
		Body:          in.Body,
	}
	if in.Attachment != nil {
		h.Attachments = []string{in.Attachment.Filename}
	}
	return h
}
