package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/core/enginetest"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := orch.New(enginetest.NewWorker(), domain.DefaultMediaCodecs(),
		core.AudioLevelObserverOptions{MaxEntries: 1, Threshold: -60, Interval: 800 * time.Millisecond},
		app.SimplePolicy{})
	ctl := signal.NewSignalWSController(o, signal.NewJoinRateLimiter(5, time.Minute), signal.DefaultOptions())
	cfg := config.ServerConfig{Mode: "test", StaticPath: t.TempDir(), Secret: "test-secret"}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return SetupRouter(ctx, cfg, ctl), o
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListRoomsREST(t *testing.T) {
	r, o := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	o.Connect("alpha", "token", nil, func() {})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	var rooms []core.RoomInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, domain.RoomName("alpha"), rooms[0].Name)
}

func TestRoomEndpointRejectsBadName(t *testing.T) {
	r, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ws/rooms/"+strings.Repeat("x", 40), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "bad_request")
}

func TestClientTokenIsSticky(t *testing.T) {
	r, _ := newTestRouter(t)
	var seen []string
	r.GET("/token", func(c *gin.Context) {
		seen = append(seen, c.GetString(clientTokenKey))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/token", nil))
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/token", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, seen, 2)
	assert.NotEmpty(t, seen[0])
	assert.Equal(t, seen[0], seen[1])
}

func readMessage(t *testing.T, ws *websocket.Conn) (typ string, raw []byte) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type, data
}

func TestWebsocketRoundTrip(t *testing.T) {
	r, o := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/rooms/alpha"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	typ, _ := readMessage(t, ws)
	assert.Equal(t, core.EventConnectionSuccess, typ)
	assert.Equal(t, 1, o.Registry.Count("alpha"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","id":1}`)))
	typ, _ = readMessage(t, ws)
	assert.Equal(t, "pong", typ)
	typ, raw := readMessage(t, ws)
	assert.Equal(t, "response", typ)
	assert.NotContains(t, string(raw), `"error"`)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return o.Registry.Count("alpha") == 0 }, 5*time.Second, 10*time.Millisecond)
}

func dialRoom(t *testing.T, srv *httptest.Server, room string) (*websocket.Conn, core.ConnectionSuccess) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/rooms/" + room
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	typ, raw := readMessage(t, ws)
	require.Equal(t, core.EventConnectionSuccess, typ)
	var ev struct {
		Data core.ConnectionSuccess `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ws, ev.Data
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) []byte {
	t.Helper()
	for {
		got, raw := readMessage(t, ws)
		if got == typ {
			return raw
		}
	}
}

func TestBootedConnectionReceivesRemovalBeforeClose(t *testing.T) {
	r, o := newTestRouter(t)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	for i := 0; i < 10; i++ {
		room := fmt.Sprintf("boot-%d", i)
		admin, _ := dialRoom(t, srv, room)
		require.NoError(t, admin.WriteMessage(websocket.TextMessage, []byte(`{"type":"create-room","id":1}`)))
		readUntil(t, admin, "response")

		target, hello := dialRoom(t, srv, room)
		boot := fmt.Sprintf(`{"type":"boot","id":2,"data":{"connectionId":%q}}`, hello.ConnectionID)
		require.NoError(t, admin.WriteMessage(websocket.TextMessage, []byte(boot)))

		raw := readUntil(t, target, core.EventProducerRemoved)
		var ev struct {
			Data core.ProducerRemoved `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, hello.ConnectionID, ev.Data.ConnectionID)

		require.NoError(t, target.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err := target.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

		readUntil(t, admin, core.EventProducerRemoved)
		readUntil(t, admin, "response")
		assert.Equal(t, 1, o.Registry.Count(domain.RoomName(room)))
	}
}
