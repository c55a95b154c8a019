package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeat/internal/config"
)

func newTestServer(t *testing.T, h *Hub, auth *Authenticator) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(HandlerConfig{Hub: h, Auth: auth}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandler_ClientReceivesOnlyOwnAlerts(t *testing.T) {
	h := startHub(t, config.Default().Realtime)
	srv := newTestServer(t, h, nil)
	u1, u2 := uuid.New(), uuid.New()

	c1 := dial(t, srv, "user_id="+u1.String())
	c2 := dial(t, srv, "user_id="+u2.String())
	require.Eventually(t, func() bool { return h.Stats().Connections == 2 }, 2*time.Second, time.Millisecond)

	ev := testEvent("ALERT: CPU ALTA")
	ev.RuleID = 9
	require.True(t, h.Deliver(u1, ev))

	_ = c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, c1.ReadJSON(&frame))
	assert.Equal(t, EventNewNotification, frame.Event)
	assert.Equal(t, "ALERT: CPU ALTA", frame.Data.Message)
	assert.Equal(t, ev.DeviceID.String(), frame.Data.DeviceID)
	assert.Equal(t, int64(9), frame.Data.RuleID)

	_ = c2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := c2.ReadMessage()
	assert.Error(t, err, "U2 must not receive U1's alert")
}

func TestHandler_FrameShape(t *testing.T) {
	ev := testEvent("ALERT: HOT")
	raw, err := json.Marshal(NewFrame(ev))
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "new_notification", generic["event"])
	data := generic["data"].(map[string]any)
	assert.Equal(t, "ALERT: HOT", data["message"])
	assert.Equal(t, ev.DeviceID.String(), data["deviceId"])
}

func TestHandler_RejectsMissingIdentity(t *testing.T) {
	h := startHub(t, config.Default().Realtime)
	srv := newTestServer(t, h, NewAuthenticator("s3cret"))

	resp, err := http.Get(srv.URL + "/ws?user_id=" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_TokenJoin(t *testing.T) {
	h := startHub(t, config.Default().Realtime)
	auth := NewAuthenticator("s3cret")
	srv := newTestServer(t, h, auth)
	u := uuid.New()

	token, err := auth.IssueToken(u, time.Minute)
	require.NoError(t, err)

	c := dial(t, srv, "token="+token)
	require.Eventually(t, func() bool { return h.Stats().Connections == 1 }, 2*time.Second, time.Millisecond)

	require.True(t, h.Deliver(u, testEvent("ALERT: tokened")))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, c.ReadJSON(&frame))
	assert.Equal(t, "ALERT: tokened", frame.Data.Message)
}

func TestHandler_DisconnectUnsubscribes(t *testing.T) {
	h := startHub(t, config.Default().Realtime)
	srv := newTestServer(t, h, nil)

	c := dial(t, srv, "user_id="+uuid.NewString())
	require.Eventually(t, func() bool { return h.Stats().Connections == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	c.Close()

	assert.Eventually(t, func() bool { return h.Stats().Connections == 0 }, 2*time.Second, time.Millisecond)
}

func TestHandler_HubStopClosesClients(t *testing.T) {
	h := NewHub(config.Default().Realtime)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := newTestServer(t, h, nil)

	c := dial(t, srv, "user_id="+uuid.NewString())
	require.Eventually(t, func() bool { return h.Stats().Connections == 1 }, 2*time.Second, time.Millisecond)

	cancel()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
