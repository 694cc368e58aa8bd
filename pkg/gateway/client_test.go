package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/runtime"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// newStubServer speaks just enough of the protocol to authenticate and
// answer one sessions_spawn call, to exercise Client's dial/handshake/RPC
// path without a real backend.
func newStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var connectFrame envelope
		require.NoError(t, conn.ReadJSON(&connectFrame))
		require.Equal(t, "connect", connectFrame.Type)

		helloPayload, _ := json.Marshal(map[string]string{
			"connection_id":    "conn-1",
			"protocol_version": "1",
		})
		require.NoError(t, conn.WriteJSON(envelope{Type: "hello-ok", Payload: helloPayload}))

		for {
			var frame envelope
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame.Type {
			case "sessions_spawn":
				payload, _ := json.Marshal(map[string]string{"session_key": "sess-1"})
				_ = conn.WriteJSON(envelope{Type: "sessions_spawn", RequestID: frame.RequestID, Payload: payload})
			case "sessions_kill":
				_ = conn.WriteJSON(envelope{Type: "sessions_kill", RequestID: frame.RequestID, Payload: json.RawMessage("{}")})
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClient_AuthenticateAndSpawn(t *testing.T) {
	server := newStubServer(t)
	defer server.Close()

	bus := events.NewBus(100)
	client := NewClient(wsURL(server.URL), "token", bus)
	client.Start()
	defer client.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && client.getState() != Authenticated {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, Authenticated, client.getState())

	result, err := client.Spawn(context.Background(), runtime.SpawnParams{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", result.SessionKey)

	require.NoError(t, client.Kill(context.Background(), "sess-1"))
}

func TestClient_PublishesConnectedEvent(t *testing.T) {
	server := newStubServer(t)
	defer server.Close()

	bus := events.NewBus(100)
	received := make(chan *types.Event, 4)
	bus.Subscribe(events.Sync, events.TypeFilter(types.EventGatewayConnected), func(e *types.Event) {
		received <- e
	})

	client := NewClient(wsURL(server.URL), "token", bus)
	client.Start()
	defer client.Stop()

	select {
	case e := <-received:
		assert.Equal(t, types.EventGatewayConnected, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gateway_connected event")
	}
}
