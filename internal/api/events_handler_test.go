package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/imap"
)

type frame struct {
	Type    string          `json:"type"`
	Account string          `json:"account"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestEvents(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?email=a%40example.com"

	t.Run("streams state then supervisor events", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		first := readFrame(t, conn)
		assert.Equal(t, MessageTypeState, first.Type)
		assert.JSONEq(t, `{"state":"disconnected"}`, string(first.Payload))

		require.Eventually(t, func() bool { return f.hub.ActiveConnections("a@example.com") == 1 }, time.Second, 10*time.Millisecond)

		PublishEvent(f.hub, imap.Event{Kind: imap.EventReconnectScheduled, Account: "a@example.com", Attempt: 2})
		next := readFrame(t, conn)
		assert.Equal(t, MessageTypeConnectionEvent, next.Type)

		var e imap.Event
		require.NoError(t, json.Unmarshal(next.Payload, &e))
		assert.Equal(t, imap.EventReconnectScheduled, e.Kind)
		assert.Equal(t, 2, e.Attempt)
	})

	t.Run("client disconnect unregisters", func(t *testing.T) {
		require.Eventually(t, func() bool { return f.hub.ActiveConnections("a@example.com") == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("unknown account is rejected before upgrade", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(wsURL, "a%40example.com", "x%40example.com", 1), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
