package wsapi

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

	"worldstate/internal/reducer"
	"worldstate/internal/subscribe"
)

func TestServeHTTPUpgradesAndDeliversSubscribedUpdates(t *testing.T) {
	manager := subscribe.New(10, nil)
	handler := New(manager, nil, nil)
	server := httptest.NewServer(handler)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "entity_id": "ns/e1"}))

	require.Eventually(t, func() bool { return manager.Count() == 1 }, time.Second, 5*time.Millisecond)

	manager.PublishDeltas([]reducer.Delta{{EntityID: "ns/e1", Property: "x", NewValue: json.RawMessage(`1`)}})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg subscribe.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "state_update", msg.Type)
	assert.Equal(t, "x", msg.Property)
}

func TestServeHTTPRejectsUnauthorizedBeforeUpgrade(t *testing.T) {
	manager := subscribe.New(10, nil)
	auth := failingAuthenticator{}
	handler := New(manager, auth, nil)
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type failingAuthenticator struct{}

func (failingAuthenticator) Authenticate(r *http.Request) (string, error) {
	return "", assertError("unauthorized")
}

type assertError string

func (e assertError) Error() string { return string(e) }
