package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/testutil"
)

const (
	devAccount      = "dev@example.com"
	devDraftsFolder = "[Gmail]/Drafts"
	devSentFolder   = "[Gmail]/Sent Mail"
)

// devOptions configures the local development environment.
type devOptions struct {
	Port     string
	IMAPAddr string
	SMTPAddr string
	LogLevel string
}

func newDevCmd() *cobra.Command {
	opts := devOptions{}
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run against in-memory IMAP and SMTP servers seeded with sample mail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Init(opts.LogLevel)

			env, err := startDevEnvironment(opts)
			if err != nil {
				return err
			}
			defer env.Close()

			logger := log.Logger(log.Main)
			logger.Infof("Test IMAP server on %s, SMTP server on %s", env.IMAP.Address, env.SMTP.Address)
			logger.Infof("Use ?email=%s or fromEmail=%s", devAccount, devAccount)

			return serve(cmd.Context(), env.Config, env.Server)
		},
	}
	cmd.Flags().StringVar(&opts.Port, "port", "5000", "HTTP port")
	cmd.Flags().StringVar(&opts.IMAPAddr, "imap-addr", "127.0.0.1:1143", "listen address of the in-memory IMAP server")
	cmd.Flags().StringVar(&opts.SMTPAddr, "smtp-addr", "127.0.0.1:1025", "listen address of the in-memory SMTP server")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "debug", "log level")
	return cmd
}

// devEnvironment is a running server wired to local mail servers.
type devEnvironment struct {
	IMAP   *testutil.TestIMAPServer
	SMTP   *testutil.TestSMTPServer
	Config *config.Config
	Server *Server
}

func (e *devEnvironment) Close() {
	if e.Server != nil {
		e.Server.Close()
	}
	if e.SMTP != nil {
		e.SMTP.Close()
	}
	if e.IMAP != nil {
		e.IMAP.Close()
	}
}

// startDevEnvironment starts the mail servers, seeds sample mail and wires a
// Server that talks to them over the real IMAP and SMTP clients.
func startDevEnvironment(opts devOptions) (*devEnvironment, error) {
	env := &devEnvironment{}

	imapServer, err := testutil.StartIMAPServer(opts.IMAPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	env.IMAP = imapServer

	smtpServer, err := testutil.StartSMTPServer(opts.SMTPAddr, imapServer.Username(), imapServer.Password())
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to start test SMTP server: %w", err)
	}
	env.SMTP = smtpServer

	if err := seedDevMail(imapServer); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to seed test data: %w", err)
	}

	env.Config = devConfig(opts, imapServer, smtpServer)
	env.Server = NewServer(env.Config, newDialer(env.Config))
	return env, nil
}

func devConfig(opts devOptions, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) *config.Config {
	return &config.Config{
		Environment: "development",
		Port:        opts.Port,
		LogLevel:    opts.LogLevel,
		Accounts: []models.Account{{
			Address:    devAccount,
			Credential: models.Credential{Username: imapServer.Username(), Password: imapServer.Password()},
		}},
		IMAPAddr:          imapServer.Address,
		IMAPTLS:           false,
		SMTPAddr:          smtpServer.Address,
		SMTPSecurity:      config.SMTPSecurityNone,
		MessageIDDomain:   "mailgate.local",
		DraftsFolder:      devDraftsFolder,
		SentFolder:        devSentFolder,
		DraftsViaIMAP:     true,
		ReconnectInterval: 2 * time.Second,
		OpTimeout:         10 * time.Second,
		FetchLimit:        20,
		RateLimit:         1000,
		RateWindow:        time.Minute,
		MaxUploadBytes:    5 << 20,
	}
}

func seedDevMail(s *testutil.TestIMAPServer) error {
	now := time.Now()
	return s.Seed(map[string][]string{
		"INBOX": {
			testutil.RawMessage("<welcome@mailgate.local>", "Mailgate <hello@mailgate.local>", devAccount,
				"Welcome to mailgate", "This inbox lives in memory and resets on restart.", now.Add(-2*time.Hour)),
			testutil.RawMessage("<invoice-42@mailgate.local>", "Billing <billing@example.com>", devAccount,
				"Invoice #42", "Your invoice is attached in spirit.", now.Add(-time.Hour)),
		},
		devDraftsFolder: {},
		devSentFolder:   {},
	})
}
