package models

// Credential is the secret used to open IMAP sessions and submit mail for an account.
type Credential struct {
	Username string
	Password string
}

// Account is one pre-authorized sender. The set of accounts is fixed at startup.
type Account struct {
	Address    string
	Credential Credential
}

// Login returns the username used to authenticate, falling back to the address.
func (a Account) Login() string {
	if a.Credential.Username != "" {
		return a.Credential.Username
	}
	return a.Address
}
