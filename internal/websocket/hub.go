package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/log"
)

const writeWait = 10 * time.Second

// Client wraps a WebSocket connection. Writes are serialized because a
// gorilla connection supports only one concurrent writer.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Send encodes a Message and writes it to this client only.
func (c *Client) Send(account, msgType string, payload any) error {
	data, err := json.Marshal(Message{Type: msgType, Account: account, Payload: payload})
	if err != nil {
		return err
	}
	return c.write(data)
}

// Message is the frame pushed to subscribers.
type Message struct {
	Type    string `json:"type"`
	Account string `json:"account"`
	Payload any    `json:"payload,omitempty"`
}

// Hub manages active WebSocket connections per account.
// It supports multiple connections per account (e.g., multiple tabs).
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]map[*Client]struct{} // account -> set of clients
	maxPerAccount int
	logger        *logrus.Logger
}

// NewHub creates a new Hub with a per-account connection limit.
func NewHub(maxPerAccount int) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	return &Hub{
		clients:       make(map[string]map[*Client]struct{}),
		maxPerAccount: maxPerAccount,
		logger:        log.Logger(log.API),
	}
}

// Register adds a WebSocket connection for the given account.
// If the per-account limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(account string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	accountClients, ok := h.clients[account]
	if !ok {
		accountClients = make(map[*Client]struct{})
		h.clients[account] = accountClients
	}

	if len(accountClients) >= h.maxPerAccount {
		h.logger.WithField("account", account).Warnf("WebSocket: exceeded max connections (%d), closing new connection", h.maxPerAccount)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this account"),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
		if len(accountClients) == 0 {
			delete(h.clients, account)
		}
		return nil
	}

	client := &Client{conn: conn}
	accountClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given account and closes the connection.
func (h *Hub) Unregister(account string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	if accountClients, ok := h.clients[account]; ok {
		delete(accountClients, client)
		if len(accountClients) == 0 {
			delete(h.clients, account)
		}
	}
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Send writes a raw frame to all active clients of the account.
func (h *Hub) Send(account string, msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[account]))
	for client := range h.clients[account] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.write(msg); err != nil {
			h.logger.WithField("account", account).Warnf("WebSocket: failed to write message: %v", err)
			go h.Unregister(account, client)
		}
	}
}

// Publish encodes a Message and sends it to the account's clients. Nothing is
// encoded when no one is listening.
func (h *Hub) Publish(account, msgType string, payload any) {
	if h.ActiveConnections(account) == 0 {
		return
	}
	data, err := json.Marshal(Message{Type: msgType, Account: account, Payload: payload})
	if err != nil {
		h.logger.Errorf("WebSocket: failed to encode %s message: %v", msgType, err)
		return
	}
	h.Send(account, data)
}

// ActiveConnections returns the number of active WebSocket connections for an account.
func (h *Hub) ActiveConnections(account string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[account])
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for client := range set {
			_ = client.conn.Close()
		}
	}
}
