package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jamaah/backend/internal/models"
	"github.com/jamaah/backend/internal/presence"
)

func newWsServer(t *testing.T, oracle *fakeOracle) (*httptest.Server, *Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := NewEngine(presence.NewRegistry(nil), NewHub(nil, nil, nil), fakeVerifier{}, oracle, &fakeStore{}, nil)
	r := gin.New()
	r.GET("/ws", ServeWs(engine, zap.NewNop()))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, engine
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

// readUntil reads messages until one with the given event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == event {
			return msg
		}
	}
}

func readSnapshot(t *testing.T, conn *websocket.Conn, count int) presence.Snapshot {
	t.Helper()
	for {
		var snap presence.Snapshot
		require.NoError(t, json.Unmarshal(readUntil(t, conn, EventPresenceUpdate).Data, &snap))
		if snap.Count == count {
			return snap
		}
	}
}

func TestServeWsRejections(t *testing.T) {
	srv, _ := newWsServer(t, newFakeOracle())
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	cases := []struct {
		query  string
		status int
	}{
		{"room_id=R1", http.StatusBadRequest},
		{"token=tok-U1", http.StatusBadRequest},
		{"token=bogus&room_id=R1", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		_, resp, err := websocket.DefaultDialer.Dial(base+"?"+tc.query, nil)
		require.Error(t, err, tc.query)
		require.NotNil(t, resp, tc.query)
		assert.Equal(t, tc.status, resp.StatusCode, tc.query)
		resp.Body.Close()
	}
}

func TestServeWsOracleDown(t *testing.T) {
	oracle := newFakeOracle()
	oracle.getErr = assert.AnError
	srv, _ := newWsServer(t, oracle)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token=tok-U1&room_id=R1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestServeWsBearerHeader(t *testing.T) {
	srv, _ := newWsServer(t, newFakeOracle())
	header := http.Header{"Authorization": []string{"Bearer tok-U1"}}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?room_id=R1", header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	snap := readSnapshot(t, conn, 1)
	assert.Equal(t, "U1", snap.Users[0].UserID)
}

func TestServeWsRoomFlow(t *testing.T) {
	oracle := newFakeOracle()
	oracle.put("R1", "H", models.RoleHost)
	srv, engine := newWsServer(t, oracle)

	host := dial(t, srv, "token=tok-H&room_id=R1")
	readSnapshot(t, host, 1)
	listener := dial(t, srv, "token=tok-U2&room_id=R1")
	readSnapshot(t, host, 2)
	readSnapshot(t, listener, 2)

	// heartbeat is silent but keeps the user present
	require.NoError(t, listener.WriteJSON(WSMessage{Event: EventBeat}))

	// listener commands reach nobody; the host's next command is the first update seen
	require.NoError(t, listener.WriteJSON(WSMessage{Event: EventPlaybackPing, Data: json.RawMessage(`{"is_playing":false}`)}))
	require.NoError(t, host.WriteJSON(WSMessage{Event: EventPlaybackPing, Data: json.RawMessage(`{"is_playing":true,"last_seek_seconds":12.5}`)}))

	var cmd models.PlaybackCommand
	require.NoError(t, json.Unmarshal(readUntil(t, listener, EventPlaybackUpdate).Data, &cmd))
	require.NotNil(t, cmd.IsPlaying)
	assert.True(t, *cmd.IsPlaying)
	assert.Equal(t, 12.5, *cmd.LastSeekSeconds)
	assert.False(t, cmd.HostSentAt.IsZero())

	require.NoError(t, json.Unmarshal(readUntil(t, host, EventPlaybackUpdate).Data, &cmd))
	assert.True(t, *cmd.IsPlaying)

	require.NoError(t, host.WriteJSON(WSMessage{Event: EventHandover, Data: json.RawMessage(`{"to_user_id":"U2"}`)}))
	var hc HostChanged
	require.NoError(t, json.Unmarshal(readUntil(t, listener, EventHostChanged).Data, &hc))
	assert.Equal(t, HostChanged{NewHostUserID: "U2", PreviousHostUserID: "H"}, hc)
	assert.Equal(t, models.RoleHost, oracle.role("R1", "U2"))

	require.NoError(t, host.Close())
	snap := readSnapshot(t, listener, 1)
	assert.Equal(t, "U2", snap.Users[0].UserID)
	assert.Equal(t, models.RoleHost, snap.Users[0].Role)
	assert.Eventually(t, func() bool { return engine.hub.ConnectionCount("R1") == 1 }, time.Second, 10*time.Millisecond)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken("abc"))
	assert.Equal(t, "", bearerToken(""))
}

func TestServeWsPlaybackWithMillisTimestamp(t *testing.T) {
	oracle := newFakeOracle()
	oracle.put("R1", "H", models.RoleHost)
	srv, _ := newWsServer(t, oracle)

	host := dial(t, srv, "token=tok-H&room_id=R1")
	readSnapshot(t, host, 1)
	listener := dial(t, srv, "token=tok-U2&room_id=R1")
	readSnapshot(t, listener, 2)

	require.NoError(t, host.WriteJSON(WSMessage{
		Event: EventPlaybackPing,
		Data:  json.RawMessage(`{"is_playing":true,"last_seek_seconds":42,"host_sent_at":1760000000000}`),
	}))
	var cmd models.PlaybackCommand
	require.NoError(t, json.Unmarshal(readUntil(t, listener, EventPlaybackUpdate).Data, &cmd))
	assert.True(t, time.UnixMilli(1760000000000).Equal(cmd.HostSentAt))
	assert.Equal(t, 42.0, *cmd.LastSeekSeconds)
}
