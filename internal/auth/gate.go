package auth

import (
	"sort"

	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

// Gate decides which sender addresses may use the service. It is built once
// from configuration and never mutated, so it is safe for concurrent use.
type Gate struct {
	accounts map[string]models.Account
}

// NewGate creates a Gate over a fixed set of accounts.
func NewGate(accounts []models.Account) *Gate {
	m := make(map[string]models.Account, len(accounts))
	for _, a := range accounts {
		m[a.Address] = a
	}
	return &Gate{accounts: m}
}

// Authorize returns the account, with its credential, for an address.
// The address must match a configured account exactly; no case folding or
// trimming is applied.
func (g *Gate) Authorize(address string) (models.Account, error) {
	if address == "" {
		return models.Account{}, mailerr.Errorf(mailerr.InvalidInput, "auth.Authorize", "sender address is required")
	}

	account, ok := g.accounts[address]
	if !ok {
		return models.Account{}, mailerr.Errorf(mailerr.Unauthorized, "auth.Authorize", "unauthorized sender %q", address)
	}
	return account, nil
}

// Accounts lists the configured accounts ordered by address.
func (g *Gate) Accounts() []models.Account {
	out := make([]models.Account, 0, len(g.accounts))
	for _, a := range g.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
