package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vdavid/mailgate/internal/api"
	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/crypto"
	"github.com/vdavid/mailgate/internal/drafts"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/ratelimit"
	"github.com/vdavid/mailgate/internal/submit"
	ws "github.com/vdavid/mailgate/internal/websocket"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailgate",
		Short:         "HTTP gateway for sending, drafting and reading mail of pre-authorized accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			RunE:  runServe,
		},
		newAccountsCmd(),
		newSealCmd(),
		newDevCmd(),
	)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.Init(cfg.LogLevel)

	server := NewServer(cfg, newDialer(cfg))
	defer server.Close()

	return serve(cmd.Context(), cfg, server)
}

// serve runs the HTTP server until ctx is done or SIGINT/SIGTERM arrives,
// then shuts it down gracefully.
func serve(ctx context.Context, cfg *config.Config, handler http.Handler) error {
	logger := log.Logger(log.Main)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("mailgate starting on %s (environment: %s, accounts: %d)", httpServer.Addr, cfg.Environment, len(cfg.Accounts))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// Server is the HTTP handler together with the connections it owns.
type Server struct {
	http.Handler
	sup *imap.Supervisor
	hub *ws.Hub
}

// NewServer wires every component from the config. dialer opens store
// connections; production passes an imap.ClientDialer.
func NewServer(cfg *config.Config, dialer imap.Dialer) *Server {
	hub := ws.NewHub(10)

	sup := imap.NewSupervisor(dialer, cfg.Accounts, imap.Options{
		Retry:     imap.RetryPolicy{Interval: cfg.ReconnectInterval},
		OpTimeout: cfg.OpTimeout,
		OnEvent:   func(e imap.Event) { api.PublishEvent(hub, e) },
	})
	reader := imap.NewReader(sup)

	outbound := submit.NewSMTP(cfg.SMTPAddr, cfg.SMTPSecurity, tlsConfig(cfg.SMTPAddr, false), cfg.OpTimeout, cfg.MessageIDDomain)
	router := submit.Router{Outbound: outbound}
	if cfg.DraftsViaIMAP {
		router.Drafts = submit.NewDraftAppender(sup, cfg.DraftsFolder, cfg.MessageIDDomain)
	}
	reconciler := drafts.NewReconciler(reader, router, cfg.DraftsFolder)

	handler := api.NewHandler(auth.NewGate(cfg.Accounts), reader, reconciler, outbound, hub, api.Options{
		SentFolder:     cfg.SentFolder,
		DraftsFolder:   cfg.DraftsFolder,
		FetchLimit:     cfg.FetchLimit,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	return &Server{
		Handler: api.NewRouter(handler, ratelimit.New(cfg.RateLimit, cfg.RateWindow)),
		sup:     sup,
		hub:     hub,
	}
}

// Close drops all WebSocket subscribers and store connections.
func (s *Server) Close() {
	s.hub.CloseAll()
	s.sup.Close()
}

func newDialer(cfg *config.Config) *imap.ClientDialer {
	return &imap.ClientDialer{
		Addr:      cfg.IMAPAddr,
		TLS:       cfg.IMAPTLS,
		TLSConfig: tlsConfig(cfg.IMAPAddr, cfg.IMAPInsecureSkipVerify),
		Timeout:   cfg.OpTimeout,
	}
}

func tlsConfig(addr string, insecure bool) *tls.Config {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecure, //nolint:gosec // opt-in for self-signed test servers
		MinVersion:         tls.VersionTLS12,
	}
}

func newAccountsCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List configured sender accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log.Init(cfg.LogLevel)

			var dialer imap.Dialer
			if verify {
				dialer = newDialer(cfg)
			}
			return listAccounts(cmd.Context(), cmd.OutOrStdout(), cfg, dialer)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "log in to the IMAP server with each account")
	return cmd
}

// listAccounts prints one line per account. With a dialer, each account is
// logged in and out and the result is reported.
func listAccounts(ctx context.Context, out io.Writer, cfg *config.Config, dialer imap.Dialer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if dialer == nil {
		_, _ = fmt.Fprintln(tw, "ADDRESS\tLOGIN")
	} else {
		_, _ = fmt.Fprintln(tw, "ADDRESS\tLOGIN\tIMAP")
	}

	var failed int
	for _, a := range cfg.Accounts {
		if dialer == nil {
			_, _ = fmt.Fprintf(tw, "%s\t%s\n", a.Address, a.Login())
			continue
		}

		status := "ok"
		dialCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
		conn, err := dialer.Dial(dialCtx, a)
		cancel()
		if err != nil {
			failed++
			status = "failed: " + err.Error()
		} else {
			_ = conn.Logout()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Address, a.Login(), status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed to log in", failed, len(cfg.Accounts))
	}
	return nil
}

func newSealCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "seal [password]",
		Short: "Encrypt an app password for use in the environment",
		Long: "Encrypt an app password with MAILGATE_ENCRYPTION_KEY_BASE64 (or --key). " +
			"The password is read from the argument or, if omitted, from the first line of stdin.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("MAILGATE_ENCRYPTION_KEY_BASE64")
			}
			password := ""
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			return seal(cmd.OutOrStdout(), key, password)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "base64-encoded 32-byte key")
	return cmd
}

func seal(out io.Writer, key, password string) error {
	if key == "" {
		return errors.New("an encryption key is required (MAILGATE_ENCRYPTION_KEY_BASE64 or --key)")
	}
	if password == "" {
		return errors.New("password is required")
	}

	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return err
	}
	sealed, err := sealer.Seal(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, sealed)
	return err
}
