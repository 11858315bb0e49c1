package drafts

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/imap/imaptest"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/submit"
)

func TestMain(m *testing.M) {
	log.Init("error")
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

const draftsFolder = "[Gmail]/Drafts"

var account = models.Account{Address: "a@example.com"}

// countingSubmitter wraps a submitter, counts calls and can be made to fail.
type countingSubmitter struct {
	next submit.Submitter
	mu   sync.Mutex
	envs []submit.Envelope
	fail error
}

func (c *countingSubmitter) Submit(ctx context.Context, a models.Account, env submit.Envelope) (string, error) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return "", fail
	}
	return c.next.Submit(ctx, a, env)
}

func (c *countingSubmitter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

type fixture struct {
	store      *imaptest.Store
	submitter  *countingSubmitter
	reader     *imap.Reader
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := imaptest.NewStore(draftsFolder)
	sup := imap.NewSupervisor(store, []models.Account{account}, imap.Options{
		OpTimeout: time.Second,
		After:     imaptest.NewClock().After,
	})
	t.Cleanup(sup.Close)

	reader := imap.NewReader(sup)
	submitter := &countingSubmitter{next: submit.NewDraftAppender(sup, draftsFolder, "example.com")}
	return &fixture{
		store:      store,
		submitter:  submitter,
		reader:     reader,
		reconciler: NewReconciler(reader, submitter, draftsFolder),
	}
}

func (f *fixture) matches(t *testing.T, id string) int {
	t.Helper()
	n := 0
	for _, m := range f.store.Messages(draftsFolder) {
		if m.Header().Get("Message-Id") == id {
			n++
		}
	}
	return n
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	h, err := f.reconciler.Create(context.Background(), account, models.DraftInput{To: "b@x.com", Subject: "S", Body: "B"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(h.CorrelationID, "<"))
	assert.Equal(t, "b@x.com", h.To)
	assert.Equal(t, "S", h.Subject)
	assert.Equal(t, "B", h.Body)
	assert.Equal(t, 1, f.matches(t, h.CorrelationID))
}

func TestCreate_SubmissionFailure(t *testing.T) {
	f := newFixture(t)
	f.submitter.fail = errors.New("boom")

	_, err := f.reconciler.Create(context.Background(), account, models.DraftInput{})
	assert.ErrorIs(t, err, mailerr.ErrUpstreamFailure)
}

func TestUpdate_UnknownDraft(t *testing.T) {
	f := newFixture(t)
	other, err := f.reconciler.Create(context.Background(), account, models.DraftInput{Subject: "keep me"})
	require.NoError(t, err)
	f.store.ResetCalls()

	_, err = f.reconciler.Update(context.Background(), account, "corr-123", models.DraftInput{To: "b@x.com", Subject: "S", Body: "B"})
	assert.ErrorIs(t, err, mailerr.ErrDraftNotFound)

	assert.Equal(t, 1, f.submitter.calls(), "nothing is submitted")
	for _, call := range f.store.Calls() {
		assert.False(t, strings.HasPrefix(call, "STORE"), "nothing is deleted: %s", call)
		assert.NotEqual(t, "CLOSE", call)
	}
	assert.Equal(t, 1, f.matches(t, other.CorrelationID))
}

func TestUpdate_ReplacesDraftKeepingID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reconciler.Create(ctx, account, models.DraftInput{To: "b@x.com", Subject: "v1", Body: "first"})
	require.NoError(t, err)
	oldUID := f.store.Messages(draftsFolder)[0].UID

	updated, err := f.reconciler.Update(ctx, account, created.CorrelationID, models.DraftInput{To: "c@x.com", Subject: "v2", Body: "second"})
	require.NoError(t, err)

	assert.Equal(t, created.CorrelationID, updated.CorrelationID)
	assert.Equal(t, "v2", updated.Subject)

	stored := f.store.Messages(draftsFolder)
	require.Len(t, stored, 1)
	assert.NotEqual(t, oldUID, stored[0].UID, "the store assigns a new UID")
	assert.Equal(t, "v2", stored[0].Header().Get("Subject"))
}

func TestUpdate_DeletesBeforeSubmitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reconciler.Create(ctx, account, models.DraftInput{Subject: "v1"})
	require.NoError(t, err)
	f.store.ResetCalls()

	_, err = f.reconciler.Update(ctx, account, created.CorrelationID, models.DraftInput{Subject: "v2"})
	require.NoError(t, err)

	calls := f.store.Calls()
	index := func(prefix string) int {
		for i, c := range calls {
			if strings.HasPrefix(c, prefix) {
				return i
			}
		}
		return -1
	}
	store, closeIdx, appendIdx := index("STORE"), index("CLOSE"), index("APPEND")
	require.NotEqual(t, -1, store)
	require.NotEqual(t, -1, closeIdx)
	require.NotEqual(t, -1, appendIdx)
	assert.Contains(t, calls[store], `\Deleted`)
	assert.Less(t, store, closeIdx)
	assert.Less(t, closeIdx, appendIdx)
}

func TestUpdate_SequentialUpdatesLeaveOneRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reconciler.Create(ctx, account, models.DraftInput{Subject: "same", Body: "same"})
	require.NoError(t, err)

	in := models.DraftInput{To: "b@x.com", Subject: "same", Body: "same"}
	first, err := f.reconciler.Update(ctx, account, created.CorrelationID, in)
	require.NoError(t, err)
	second, err := f.reconciler.Update(ctx, account, created.CorrelationID, in)
	require.NoError(t, err)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)

	rec, err := f.reader.Search(ctx, account, draftsFolder, created.CorrelationID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, f.matches(t, created.CorrelationID))
}

func TestUpdate_AcceptsIDWithoutBrackets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reconciler.Create(ctx, account, models.DraftInput{Subject: "v1"})
	require.NoError(t, err)

	bare := strings.Trim(created.CorrelationID, "<>")
	updated, err := f.reconciler.Update(ctx, account, bare, models.DraftInput{Subject: "v2"})
	require.NoError(t, err)
	assert.Equal(t, created.CorrelationID, updated.CorrelationID)
}

func TestUpdate_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reconciler.Create(ctx, account, models.DraftInput{Subject: "v1"})
	require.NoError(t, err)

	f.submitter.fail = errors.New("submission refused")
	_, err = f.reconciler.Update(ctx, account, created.CorrelationID, models.DraftInput{Subject: "v2"})

	assert.ErrorIs(t, err, mailerr.ErrReconciliationPartialFailure)
	assert.NotErrorIs(t, err, mailerr.ErrDraftNotFound)
	assert.Equal(t, 0, f.matches(t, created.CorrelationID), "the old draft is gone")
}

func TestUpdate_ConnectionLostBeforeDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reconciler.Create(ctx, account, models.DraftInput{Subject: "v1"})
	require.NoError(t, err)
	submitted := f.submitter.calls()

	f.store.BreakOn("SEARCH")
	_, err = f.reconciler.Update(ctx, account, created.CorrelationID, models.DraftInput{Subject: "v2"})

	assert.ErrorIs(t, err, mailerr.ErrConnectionLost)
	assert.Equal(t, submitted, f.submitter.calls())
	assert.Equal(t, 1, f.matches(t, created.CorrelationID))
}

func TestUpdate_RequiresID(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciler.Update(context.Background(), account, " ", models.DraftInput{})
	assert.ErrorIs(t, err, mailerr.ErrInvalidInput)
}

func TestLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reconciler.Create(ctx, account, models.DraftInput{
		To:      "b@x.com",
		Subject: "Quarterly",
		Body:    "Numbers attached",
		Attachment: &models.Attachment{
			Filename:    "q3.txt",
			ContentType: "text/plain",
			Content:     []byte("1,2,3"),
		},
	})
	require.NoError(t, err)

	got, err := f.reconciler.Lookup(ctx, account, created.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, created.CorrelationID, got.CorrelationID)
	assert.Contains(t, got.To, "b@x.com")
	assert.Equal(t, "Quarterly", got.Subject)
	assert.Equal(t, "Numbers attached", got.Body)
	assert.Equal(t, []string{"q3.txt"}, got.Attachments)

	_, err = f.reconciler.Lookup(ctx, account, "<missing@x>")
	assert.ErrorIs(t, err, mailerr.ErrDraftNotFound)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reconciler.Create(ctx, account, models.DraftInput{Subject: "bye"})
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Delete(ctx, account, created.CorrelationID))
	assert.Empty(t, f.store.Messages(draftsFolder))

	err = f.reconciler.Delete(ctx, account, created.CorrelationID)
	assert.ErrorIs(t, err, mailerr.ErrDraftNotFound)
}

func TestUpdate_DifferentDraftsConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		h, err := f.reconciler.Create(ctx, account, models.DraftInput{Subject: "v1"})
		require.NoError(t, err)
		ids = append(ids, h.CorrelationID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.reconciler.Update(ctx, account, id, models.DraftInput{Subject: "v2"})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	stored := f.store.Messages(draftsFolder)
	require.Len(t, stored, 4)
	for _, m := range stored {
		assert.Equal(t, "v2", m.Header().Get("Subject"))
	}
}
