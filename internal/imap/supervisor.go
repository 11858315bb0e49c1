package imap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/mailerr"
	"github.com/vdavid/mailgate/internal/models"
)

const (
	// DefaultReconnectInterval is the fixed wait before each background reconnect attempt.
	DefaultReconnectInterval = 5 * time.Second
	// DefaultOpTimeout bounds dialing and every protocol exchange.
	DefaultOpTimeout = 30 * time.Second
)

// State is the lifecycle state of an account's connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	FolderSelected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case FolderSelected:
		return "folder_selected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RetryPolicy drives the background reconnect loop. Attempts repeat forever at
// a fixed interval.
type RetryPolicy struct {
	Interval time.Duration
}

// Options configures a Supervisor. Zero values fall back to the defaults.
type Options struct {
	Retry     RetryPolicy
	OpTimeout time.Duration
	// After replaces time.After in the reconnect loop.
	After func(time.Duration) <-chan time.Time
	// OnEvent receives every lifecycle event. It must not block.
	OnEvent func(Event)
}

// Supervisor owns one long-lived connection per account.
//
// Requests for the same account are serialized through a capacity-one
// semaphore (the acquisition queue). The background reconnect loop takes the
// same semaphore, so a reconnect racing a request never leaves two live
// connections behind.
type Supervisor struct {
	dialer    Dialer
	retry     RetryPolicy
	opTimeout time.Duration
	after     func(time.Duration) <-chan time.Time
	onEvent   func(Event)
	logger    *logrus.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// slot holds the connection state of one account.
type slot struct {
	account models.Account
	sem     chan struct{} // Acquisition queue (capacity 1)
	lost    chan struct{} // Wakes the reconnect loop (capacity 1)

	mu    sync.Mutex
	conn  Conn
	state State
}

// NewSupervisor creates a supervisor and starts a reconnect loop for every
// account. Call Close to stop the loops and log out.
func NewSupervisor(dialer Dialer, accounts []models.Account, opts Options) *Supervisor {
	if opts.Retry.Interval <= 0 {
		opts.Retry.Interval = DefaultReconnectInterval
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		dialer:    dialer,
		retry:     opts.Retry,
		opTimeout: opts.OpTimeout,
		after:     opts.After,
		onEvent:   opts.OnEvent,
		logger:    log.Logger(log.IMAP),
		slots:     make(map[string]*slot),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, a := range accounts {
		_, _ = s.slotFor(a)
	}
	return s
}

// slotFor returns the account's slot, creating it (and its reconnect loop) on
// first use.
func (s *Supervisor) slotFor(account models.Account) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, mailerr.Errorf(mailerr.ConnectionLost, "imap.Acquire", "supervisor is closed")
	}
	if sl, ok := s.slots[account.Address]; ok {
		return sl, nil
	}

	sl := &slot{
		account: account,
		sem:     make(chan struct{}, 1),
		lost:    make(chan struct{}, 1),
	}
	s.slots[account.Address] = sl
	s.wg.Add(1)
	go s.reconnectLoop(sl)
	return sl, nil
}

// Acquire waits for exclusive use of the account's connection, dialing one if
// none is live. The returned release function must be called exactly once
// (extra calls are ignored); it closes the selected folder and frees the slot
// for the next caller.
func (s *Supervisor) Acquire(ctx context.Context, account models.Account) (*Session, func(), error) {
	const op = "imap.Acquire"

	sl, err := s.slotFor(account)
	if err != nil {
		return nil, nil, err
	}

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, mailerr.FromContext(op, ctx.Err())
	case <-s.ctx.Done():
		return nil, nil, mailerr.Errorf(mailerr.ConnectionLost, op, "supervisor is closed")
	}

	conn := s.liveConn(sl)
	if conn == nil {
		conn, err = s.dial(ctx, sl)
		if err != nil {
			<-sl.sem
			return nil, nil, err
		}
	}

	sess := &Session{sup: s, slot: sl, conn: conn}
	var once sync.Once
	release := func() {
		once.Do(sess.release)
	}
	return sess, release, nil
}

// liveConn returns the installed connection if it is still usable, dropping it
// otherwise. The caller must hold the slot's semaphore.
func (s *Supervisor) liveConn(sl *slot) Conn {
	sl.mu.Lock()
	conn := sl.conn
	if conn != nil && !conn.Alive() {
		sl.conn = nil
		sl.state = Disconnected
		conn = nil
	}
	sl.mu.Unlock()
	return conn
}

// dial opens and installs a connection. The caller must hold the slot's
// semaphore. Transport failures wake the reconnect loop.
func (s *Supervisor) dial(ctx context.Context, sl *slot) (Conn, error) {
	const op = "imap.Dial"

	sl.setState(Connecting)
	dialCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, sl.account)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = mailerr.FromContext(op, ctxErr)
		}
		err = mailerr.Wrap(mailerr.ConnectionLost, op, err)
		switch mailerr.KindOf(err) {
		case mailerr.ConnectionLost, mailerr.Timeout:
			s.connectionLost(sl, nil, err)
		default:
			sl.setState(Disconnected)
		}
		return nil, err
	}

	sl.install(conn)
	s.logger.WithField("account", sl.account.Address).Info("Connected")
	return conn, nil
}

// connectionLost drops conn (if it is still the installed one), records the
// Reconnecting state and wakes the account's reconnect loop.
func (s *Supervisor) connectionLost(sl *slot, conn Conn, cause error) {
	sl.mu.Lock()
	if conn != nil && sl.conn == conn {
		sl.conn = nil
	}
	if sl.conn == nil {
		sl.state = Reconnecting
	}
	sl.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"account": sl.account.Address}).Warnf("Connection lost: %v", cause)
	s.emit(Event{Kind: EventConnectionLost, Account: sl.account.Address, Error: errString(cause)})

	select {
	case sl.lost <- struct{}{}:
	default:
	}
}

// State reports the connection state of an account. Unknown accounts are
// Disconnected.
func (s *Supervisor) State(address string) State {
	s.mu.Lock()
	sl, ok := s.slots[address]
	s.mu.Unlock()
	if !ok {
		return Disconnected
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state
}

// Close stops every reconnect loop and logs out all idle connections.
// Connections still held by a session are logged out when released.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	for _, sl := range slots {
		select {
		case sl.sem <- struct{}{}:
			if conn := sl.take(); conn != nil {
				if err := conn.Logout(); err != nil {
					s.logger.WithField("account", sl.account.Address).Debugf("Logout failed: %v", err)
				}
			}
			<-sl.sem
		default:
			// In use; the holder's release logs out because the supervisor is closed.
		}
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Supervisor) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.onEvent(e)
}

func (sl *slot) setState(state State) {
	sl.mu.Lock()
	sl.state = state
	sl.mu.Unlock()
}

func (sl *slot) install(conn Conn) {
	sl.mu.Lock()
	sl.conn = conn
	sl.state = Connected
	sl.mu.Unlock()
}

// take removes and returns the installed connection.
func (sl *slot) take() Conn {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	conn := sl.conn
	sl.conn = nil
	sl.state = Disconnected
	return conn
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
