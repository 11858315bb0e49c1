package imap

import (
	"context"

	"github.com/sirupsen/logrus"
)

// reconnectLoop sleeps until the account's connection is reported lost, then
// retries at a fixed interval until a live connection is installed. It runs
// until the supervisor is closed.
func (s *Supervisor) reconnectLoop(sl *slot) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-sl.lost:
		}

		for attempt := 1; ; attempt++ {
			s.emit(Event{
				Kind:    EventReconnectScheduled,
				Account: sl.account.Address,
				Attempt: attempt,
				Delay:   s.retry.Interval,
			})
			s.logger.WithFields(logrus.Fields{
				"account": sl.account.Address,
				"attempt": attempt,
			}).Infof("Reconnecting in %s", s.retry.Interval)

			select {
			case <-s.ctx.Done():
				return
			case <-s.after(s.retry.Interval):
			}

			if s.reconnect(sl, attempt) {
				break
			}
		}
	}
}

// reconnect makes one attempt. It takes the account's acquisition slot so it
// cannot race a request-driven dial, and skips dialing when a live connection
// is already installed. It reports whether the account is connected.
func (s *Supervisor) reconnect(sl *slot, attempt int) bool {
	select {
	case sl.sem <- struct{}{}:
	case <-s.ctx.Done():
		return true
	}
	defer func() { <-sl.sem }()

	logger := s.logger.WithFields(logrus.Fields{"account": sl.account.Address, "attempt": attempt})

	if s.liveConn(sl) != nil {
		logger.Debug("Already connected, skipping reconnect")
		drainLost(sl)
		s.emit(Event{Kind: EventReconnectSucceeded, Account: sl.account.Address, Attempt: attempt})
		return true
	}

	sl.setState(Reconnecting)
	ctx, cancel := context.WithTimeout(s.ctx, s.opTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(ctx, sl.account)
	if err != nil {
		logger.Warnf("Reconnect failed: %v", err)
		s.emit(Event{Kind: EventReconnectFailed, Account: sl.account.Address, Attempt: attempt, Error: err.Error()})
		return false
	}

	sl.install(conn)
	drainLost(sl)
	logger.Info("Reconnected")
	s.emit(Event{Kind: EventReconnectSucceeded, Account: sl.account.Address, Attempt: attempt})
	return true
}

// drainLost discards a loss signal left over from the connection that was just
// replaced. The caller holds the slot, so no live session can be signalling.
func drainLost(sl *slot) {
	select {
	case <-sl.lost:
	default:
	}
}
