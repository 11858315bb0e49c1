package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vdavid/mailgate/internal/crypto"
	"github.com/vdavid/mailgate/internal/models"
)

// SMTP security modes.
const (
	SMTPSecurityTLS      = "tls"
	SMTPSecurityStartTLS = "starttls"
	SMTPSecurityNone     = "none"
)

type Config struct {
	Environment string
	Port        string
	LogLevel    string

	// AccountsSpec is the raw MAILGATE_ACCOUNTS value: "addr=ENV_VAR,addr2=ENV_VAR2".
	AccountsSpec        string
	Accounts            []models.Account
	EncryptionKeyBase64 string

	IMAPAddr               string
	IMAPTLS                bool
	IMAPInsecureSkipVerify bool
	SMTPAddr               string
	SMTPSecurity           string
	MessageIDDomain        string

	DraftsFolder  string
	SentFolder    string
	DraftsViaIMAP bool

	ReconnectInterval time.Duration
	OpTimeout         time.Duration
	FetchLimit        int

	RateLimit      int
	RateWindow     time.Duration
	MaxUploadBytes int64
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILGATE_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	p := &envParser{}
	config := &Config{
		Environment:            env,
		Port:                   getEnvOrDefault("PORT", "5000"),
		LogLevel:               getEnvOrDefault("MAILGATE_LOG_LEVEL", "info"),
		AccountsSpec:           os.Getenv("MAILGATE_ACCOUNTS"),
		EncryptionKeyBase64:    os.Getenv("MAILGATE_ENCRYPTION_KEY_BASE64"),
		IMAPAddr:               getEnvOrDefault("MAILGATE_IMAP_ADDR", "imap.gmail.com:993"),
		IMAPTLS:                p.bool("MAILGATE_IMAP_TLS", true),
		IMAPInsecureSkipVerify: p.bool("MAILGATE_IMAP_INSECURE_SKIP_VERIFY", false),
		SMTPAddr:               getEnvOrDefault("MAILGATE_SMTP_ADDR", "smtp.gmail.com:465"),
		SMTPSecurity:           strings.ToLower(getEnvOrDefault("MAILGATE_SMTP_SECURITY", SMTPSecurityTLS)),
		MessageIDDomain:        os.Getenv("MAILGATE_MESSAGE_ID_DOMAIN"),
		DraftsFolder:           getEnvOrDefault("MAILGATE_DRAFTS_FOLDER", "[Gmail]/Drafts"),
		SentFolder:             getEnvOrDefault("MAILGATE_SENT_FOLDER", "[Gmail]/Sent Mail"),
		DraftsViaIMAP:          p.bool("MAILGATE_DRAFTS_VIA_IMAP", true),
		ReconnectInterval:      p.duration("MAILGATE_RECONNECT_INTERVAL", 5*time.Second),
		OpTimeout:              p.duration("MAILGATE_OP_TIMEOUT", 30*time.Second),
		FetchLimit:             p.int("MAILGATE_FETCH_LIMIT", 20),
		RateLimit:              p.int("MAILGATE_RATE_LIMIT", 100),
		RateWindow:             p.duration("MAILGATE_RATE_WINDOW", 15*time.Minute),
		MaxUploadBytes:         int64(p.int("MAILGATE_MAX_UPLOAD_BYTES", 5*1024*1024)),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	accounts, err := LoadAccounts(config.AccountsSpec, config.EncryptionKeyBase64, os.Getenv)
	if err != nil {
		return nil, err
	}
	config.Accounts = accounts

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("MAILGATE_ACCOUNTS must name at least one account")
	}

	if c.IMAPAddr == "" {
		return fmt.Errorf("MAILGATE_IMAP_ADDR is required")
	}

	if c.SMTPAddr == "" {
		return fmt.Errorf("MAILGATE_SMTP_ADDR is required")
	}

	switch c.SMTPSecurity {
	case SMTPSecurityTLS, SMTPSecurityStartTLS, SMTPSecurityNone:
	default:
		return fmt.Errorf("MAILGATE_SMTP_SECURITY must be one of tls, starttls, none; got %q", c.SMTPSecurity)
	}

	if c.DraftsFolder == "" {
		return fmt.Errorf("MAILGATE_DRAFTS_FOLDER is required")
	}

	if c.ReconnectInterval <= 0 || c.OpTimeout <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("durations must be positive")
	}

	if c.FetchLimit <= 0 || c.RateLimit <= 0 || c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAILGATE_FETCH_LIMIT, MAILGATE_RATE_LIMIT and MAILGATE_MAX_UPLOAD_BYTES must be positive")
	}

	return nil
}

// LoadAccounts parses an accounts list of the form "addr=ENV_VAR,...". Each
// password is read from the named variable through lookup; when sealKey is set
// the value is a sealed password and is opened first. Accounts are returned
// sorted by address.
func LoadAccounts(list, sealKey string, lookup func(string) string) ([]models.Account, error) {
	var sealer *crypto.Sealer
	if sealKey != "" {
		s, err := crypto.NewSealer(sealKey)
		if err != nil {
			return nil, fmt.Errorf("MAILGATE_ENCRYPTION_KEY_BASE64: %w", err)
		}
		sealer = s
	}

	seen := make(map[string]bool)
	var accounts []models.Account
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		address, varName, ok := strings.Cut(entry, "=")
		address, varName = strings.TrimSpace(address), strings.TrimSpace(varName)
		if !ok || address == "" || varName == "" {
			return nil, fmt.Errorf("MAILGATE_ACCOUNTS: entry %q must look like address=ENV_VAR", entry)
		}
		if seen[address] {
			return nil, fmt.Errorf("MAILGATE_ACCOUNTS: duplicate address %q", address)
		}
		seen[address] = true

		password := lookup(varName)
		if password == "" {
			return nil, fmt.Errorf("%s (password for %s) is required", varName, address)
		}
		if sealer != nil {
			opened, err := sealer.Open(password)
			if err != nil {
				return nil, fmt.Errorf("%s: failed to open sealed password: %w", varName, err)
			}
			password = opened
		}

		accounts = append(accounts, models.Account{
			Address:    address,
			Credential: models.Credential{Username: address, Password: password},
		})
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Address < accounts[j].Address })
	return accounts, nil
}

// envParser reads typed variables and collects parse errors.
type envParser struct {
	errs []error
}

func (p *envParser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *envParser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
