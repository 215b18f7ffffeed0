package serv

import (
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialWS connects a client to the service's WebSocket endpoint and
// consumes the greeting frame.
func dialWS(t *testing.T, s *Service) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(wsHandler(s))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	var greeting map[string]interface{}
	require.NoError(t, conn.ReadJSON(&greeting))
	require.Equal(t, "connected", greeting["type"])
	return conn
}

func wsRoundTrip(t *testing.T, conn *websocket.Conn, req map[string]interface{}) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))

	var resp map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestWSPing(t *testing.T) {
	conn := dialWS(t, testService(t, nil))

	resp := wsRoundTrip(t, conn, map[string]interface{}{"id": 1, "type": "ping"})
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(1), resp["id"])
}

func TestWSQuery(t *testing.T) {
	conn := dialWS(t, testService(t, nil))

	resp := wsRoundTrip(t, conn, map[string]interface{}{
		"id":    2,
		"type":  "query_database",
		"query": "SELECT entity_id FROM states ORDER BY entity_id",
	})
	assert.Equal(t, "query_result", resp["type"])
	assert.Equal(t, float64(3), resp["count"])
	assert.Equal(t, float64(2), resp["id"])
}

func TestWSQueryDenied(t *testing.T) {
	conn := dialWS(t, testService(t, nil))

	resp := wsRoundTrip(t, conn, map[string]interface{}{
		"type":  "query_database",
		"query": "DROP TABLE states",
	})
	assert.Equal(t, "query_error", resp["type"])
	assert.NotEmpty(t, resp["error"])
}

func TestWSQueryViaArgs(t *testing.T) {
	conn := dialWS(t, testService(t, nil))

	resp := wsRoundTrip(t, conn, map[string]interface{}{
		"type": "query",
		"args": map[string]interface{}{
			"query":  "SELECT state FROM states WHERE entity_id = ?",
			"params": []interface{}{"light.living_room"},
		},
	})
	assert.Equal(t, "query_result", resp["type"])
	assert.Equal(t, float64(1), resp["count"])
}

func TestWSSubscribeEntity(t *testing.T) {
	conn := dialWS(t, testService(t, nil))

	resp := wsRoundTrip(t, conn, map[string]interface{}{
		"id":        3,
		"type":      "subscribe_entity",
		"entity_id": "sensor.temperature",
	})
	assert.Equal(t, "subscribed", resp["type"])
	assert.Equal(t, "sensor.temperature", resp["entity_id"])
	assert.Equal(t, float64(3), resp["id"])
}

func TestWSLocalMethod(t *testing.T) {
	conn := dialWS(t, testService(t, func(c *Config) { c.Upstream.URL = "" }))

	resp := wsRoundTrip(t, conn, map[string]interface{}{
		"id":     4,
		"method": "haquery/tables",
	})
	assert.Equal(t, true, resp["success"])

	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), result["count"])
}

func TestWSUnknownMethodForwardFails(t *testing.T) {
	conn := dialWS(t, testService(t, func(c *Config) { c.Upstream.URL = "" }))

	resp := wsRoundTrip(t, conn, map[string]interface{}{
		"id":     5,
		"method": "get_states",
	})
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["error"], "forwarding failed")
}

func TestWSSessionEndsWhenHubCloses(t *testing.T) {
	s := testService(t, nil)
	conn := dialWS(t, s)

	// Closing the hub stops the session writer; the server must then
	// tear the session down rather than queue frames forever.
	s.hub.Close()

	for i := 0; i < 20; i++ {
		if err := conn.WriteJSON(map[string]interface{}{"type": "ping"}); err != nil {
			break
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	for {
		var discard map[string]interface{}
		err := conn.ReadJSON(&discard)
		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			t.Fatal("session wedged: server never closed the connection")
		}
		return
	}
}

func TestWSMutationNotification(t *testing.T) {
	s := testService(t, func(c *Config) {
		c.Safety.AllowMutations = true
	})
	conn := dialWS(t, s)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"id":    6,
		"type":  "query_database",
		"query": "UPDATE states SET state = 'off' WHERE entity_id = 'light.living_room'",
	}))

	// Two frames arrive: the query result and the database_updated
	// fan-out to subscribers, this session included. Order is not
	// guaranteed.
	frames := map[string]map[string]interface{}{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	for i := 0; i < 2; i++ {
		var f map[string]interface{}
		require.NoError(t, conn.ReadJSON(&f))
		frames[f["type"].(string)] = f
	}

	resp, ok := frames["query_result"]
	require.True(t, ok, "query_result frame missing")
	assert.Equal(t, float64(1), resp["affected_rows"])
	_, ok = frames["database_updated"]
	assert.True(t, ok, "database_updated frame missing")
}
