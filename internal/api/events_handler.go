package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailgate/internal/imap"
	ws "github.com/vdavid/mailgate/internal/websocket"
)

// Message types pushed on the events stream.
const (
	MessageTypeState           = "state"
	MessageTypeConnectionEvent = "connection_event"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The service is expected to run behind a reverse proxy that
		// enforces origin policy.
		return true
	},
}

// StatePayload reports an account's current connection state.
type StatePayload struct {
	State string `json:"state"`
}

// Events handles GET /api/v1/events?email=. The account has already been
// authorized by auth.RequireAccount. On connect the client receives the
// current connection state, then every supervisor event for the account.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	account, ok := accountOrFail(w, r)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithField("account", account.Address).Warnf("WebSocket: failed to upgrade connection: %v", err)
		return
	}

	client := h.hub.Register(account.Address, conn)
	if client == nil {
		return
	}
	h.logger.WithField("account", account.Address).Debug("WebSocket: connection established")

	state := h.reader.Supervisor().State(account.Address)
	if err := client.Send(account.Address, MessageTypeState, StatePayload{State: state.String()}); err != nil {
		h.logger.WithField("account", account.Address).Warnf("WebSocket: failed to send state: %v", err)
		h.hub.Unregister(account.Address, client)
		return
	}

	go h.readLoop(account.Address, client)
}

// PublishEvent forwards a supervisor event to the account's subscribers. It is
// installed as imap.Options.OnEvent.
func PublishEvent(hub *ws.Hub, e imap.Event) {
	hub.Publish(e.Account, MessageTypeConnectionEvent, e)
}

// readLoop reads until the connection closes, then unregisters the client.
func (h *Handler) readLoop(account string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(account, client)
}
