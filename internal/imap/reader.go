package imap

import (
	"context"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

// HeaderFields are the header fields fetched for every listed message.
var HeaderFields = []string{"FROM", "TO", "SUBJECT", "DATE", "MESSAGE-ID"}

// Reader reads folder contents through the Supervisor.
type Reader struct {
	sup    *Supervisor
	logger *logrus.Logger
}

// NewReader creates a Reader.
func NewReader(sup *Supervisor) *Reader {
	return &Reader{sup: sup, logger: log.Logger(log.IMAP)}
}

// Supervisor returns the supervisor the reader acquires sessions from.
func (r *Reader) Supervisor() *Supervisor {
	return r.sup
}

// listItems returns the fetch items for header fields, text body, flags and UID.
// Both body sections are peeked so listing never marks a message \Seen.
func listItems() []imap.FetchItem {
	header := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier, Fields: HeaderFields},
		Peek:         true,
	}
	text := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
	return []imap.FetchItem{header.FetchItem(), text.FetchItem(), imap.FetchFlags, imap.FetchUid}
}

// Fetch returns at most limit messages of a folder, newest first. An empty
// folder yields an empty slice.
func (r *Reader) Fetch(ctx context.Context, account models.Account, folder string, limit int) ([]models.Message, error) {
	const op = "imap.Fetch"
	if folder == "" {
		return nil, mailerr.Errorf(mailerr.InvalidInput, op, "folder is required")
	}
	if limit <= 0 {
		return nil, mailerr.Errorf(mailerr.InvalidInput, op, "limit must be positive, got %d", limit)
	}

	sess, release, err := r.sup.Acquire(ctx, account)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := sess.Select(ctx, folder); err != nil {
		return nil, err
	}

	uids, err := sess.Search(ctx, imap.NewSearchCriteria())
	if err != nil {
		return nil, err
	}

	uids = newestUIDs(uids, limit)
	if len(uids) == 0 {
		return []models.Message{}, nil
	}

	records, err := r.fetchRecords(ctx, sess, uids)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(records))
	for _, rec := range records {
		messages = append(messages, Normalize(rec))
	}

	r.logger.WithFields(logrus.Fields{
		"account": account.Address,
		"folder":  folder,
	}).Debugf("Fetched %d messages", len(messages))
	return messages, nil
}

// fetchRecords fetches list items for uids and returns them in the order of uids.
// UIDs the server did not return (expunged meanwhile) are skipped.
func (r *Reader) fetchRecords(ctx context.Context, sess *Session, uids []uint32) ([]RawRecord, error) {
	msgs, err := sess.Fetch(ctx, uids, listItems())
	if err != nil {
		return nil, err
	}

	byUID := make(map[uint32]*imap.Message, len(msgs))
	for _, m := range msgs {
		if m != nil {
			byUID[m.Uid] = m
		}
	}

	records := make([]RawRecord, 0, len(uids))
	for _, uid := range uids {
		if m, ok := byUID[uid]; ok {
			records = append(records, recordFromMessage(m))
		}
	}
	return records, nil
}

// newestUIDs keeps the limit highest UIDs, highest first.
func newestUIDs(uids []uint32, limit int) []uint32 {
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// Search finds the record whose Message-ID equals correlationID in a folder.
// It returns nil, nil when there is none.
func (r *Reader) Search(ctx context.Context, account models.Account, folder, correlationID string) (*RawRecord, error) {
	sess, release, err := r.sup.Acquire(ctx, account)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := sess.Select(ctx, folder); err != nil {
		return nil, err
	}
	return r.FindByHeader(ctx, sess, "Message-ID", correlationID)
}

// FindByHeader searches the session's selected folder for a header value.
// Several matches break the uniqueness the store is supposed to guarantee; that
// is logged and the lowest UID wins.
func (r *Reader) FindByHeader(ctx context.Context, sess *Session, header, value string) (*RawRecord, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add(header, value)

	uids, err := sess.Search(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > 1 {
		r.logger.WithFields(logrus.Fields{
			"account": sess.Account().Address,
			"folder":  sess.Folder(),
			"header":  header,
			"value":   value,
			"uids":    uids,
		}).Warn("Header value matches several messages, using the lowest UID")
	}

	records, err := r.fetchRecords(ctx, sess, uids[:1])
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// FetchRaw returns the complete RFC 5322 source of one message in the
// session's selected folder.
func (r *Reader) FetchRaw(ctx context.Context, sess *Session, uid uint32) ([]byte, error) {
	const op = "imap.FetchRaw"
	section := &imap.BodySectionName{Peek: true}
	msgs, err := sess.Fetch(ctx, []uint32{uid}, []imap.FetchItem{section.FetchItem(), imap.FetchUid})
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m == nil || m.Uid != uid {
			continue
		}
		if raw, ok := entireBody(m); ok {
			return raw, nil
		}
	}
	return nil, mailerr.Errorf(mailerr.UpstreamFailure, op, "server returned no body for UID %d", uid)
}

// ListFolders returns every folder of an account, sorted by name.
func (r *Reader) ListFolders(ctx context.Context, account models.Account) ([]models.Folder, error) {
	sess, release, err := r.sup.Acquire(ctx, account)
	if err != nil {
		return nil, err
	}
	defer release()

	names, err := sess.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	folders := make([]models.Folder, 0, len(names))
	for _, name := range names {
		folders = append(folders, models.Folder{Name: name})
	}
	return folders, nil
}

// MarkRead adds \Seen to a message.
func (r *Reader) MarkRead(ctx context.Context, account models.Account, folder string, uid uint32) error {
	if uid == 0 {
		return mailerr.Errorf(mailerr.InvalidInput, "imap.MarkRead", "message id is required")
	}

	sess, release, err := r.sup.Acquire(ctx, account)
	if err != nil {
		return err
	}
	defer release()

	if err := sess.Select(ctx, folder); err != nil {
		return err
	}
	return sess.AddFlags(ctx, uid, imap.SeenFlag)
}

// SearchMessages fetches up to limit messages and keeps those whose subject or
// sender contains query (case-sensitive), newest date first. Messages with an
// unparseable date sort last.
func (r *Reader) SearchMessages(ctx context.Context, account models.Account, folder, query string, limit int) ([]models.Message, error) {
	messages, err := r.Fetch(ctx, account, folder, limit)
	if err != nil {
		return nil, err
	}

	matched := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if strings.Contains(m.Subject, query) || strings.Contains(m.From, query) {
			matched = append(matched, m)
		}
	}

	dates := make(map[uint32]time.Time, len(matched))
	for _, m := range matched {
		if t, err := mail.ParseDate(m.Date); err == nil {
			dates[m.ID] = t
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		di, iok := dates[matched[i].ID]
		dj, jok := dates[matched[j].ID]
		if iok != jok {
			return iok
		}
		return di.After(dj)
	})
	return matched, nil
}
