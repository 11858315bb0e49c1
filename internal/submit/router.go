package submit

import (
	"context"

	"github.com/vdavid/mailgate/internal/models"
)

// Router sends drafts to one transport and everything else to another.
type Router struct {
	Outbound Submitter
	// Drafts handles draft envelopes; Outbound is used when nil.
	Drafts Submitter
}

func (r Router) Submit(ctx context.Context, account models.Account, env Envelope) (string, error) {
	if env.Draft && r.Drafts != nil {
		return r.Drafts.Submit(ctx, account, env)
	}
	return r.Outbound.Submit(ctx, account, env)
}
