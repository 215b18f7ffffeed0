package serv

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T, mutate func(*Config)) http.Handler {
	t.Helper()
	s := testService(t, mutate)
	return routesHandler(s, chi.NewRouter())
}

func doJSON(t *testing.T, h http.Handler, method, target string, body io.Reader) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, newTestRequest(method, target, body))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return w, out
}

func TestTablesEndpoint(t *testing.T) {
	h := testRouter(t, nil)

	w, out := doJSON(t, h, "GET", "/tables", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), out["count"])
	assert.ElementsMatch(t, []interface{}{"states", "events"}, out["tables"])
}

func TestSchemaEndpoint(t *testing.T) {
	h := testRouter(t, nil)

	w, out := doJSON(t, h, "GET", "/schema/states", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "states", out["table"])

	cols, ok := out["schema"].([]interface{})
	require.True(t, ok)
	require.Len(t, cols, 4)
	first, ok := cols[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "state_id", first["name"])
}

func TestEntitiesEndpoint(t *testing.T) {
	h := testRouter(t, nil)

	w, out := doJSON(t, h, "GET", "/entities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), out["count"])
	assert.Contains(t, out["entities"], "sensor.temperature")
}

func TestStatesEndpoint(t *testing.T) {
	h := testRouter(t, nil)

	t.Run("all", func(t *testing.T) {
		w, out := doJSON(t, h, "GET", "/states", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(3), out["count"])
	})
	t.Run("filtered", func(t *testing.T) {
		w, out := doJSON(t, h, "GET", "/states?entity_id=light.living_room", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), out["count"])
	})
	t.Run("limited", func(t *testing.T) {
		w, out := doJSON(t, h, "GET", "/states?limit=2", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(2), out["count"])
	})
}

func TestEventsEndpoint(t *testing.T) {
	h := testRouter(t, nil)

	w, out := doJSON(t, h, "GET", "/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), out["count"])
}

func TestQueryGetEndpoint(t *testing.T) {
	h := testRouter(t, nil)

	w, out := doJSON(t, h, "GET", "/query?q=SELECT+entity_id+FROM+states", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), out["count"])

	t.Run("missing q", func(t *testing.T) {
		w, out := doJSON(t, h, "GET", "/query", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, out["error"], "required")
	})
}

func TestQueryPostEndpoint(t *testing.T) {
	h := testRouter(t, nil)

	body := `{"query": "SELECT state FROM states WHERE entity_id = ?", "params": ["light.living_room"]}`
	w, out := doJSON(t, h, "POST", "/query", strings.NewReader(body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), out["count"])

	results, ok := out["results"].([]interface{})
	require.True(t, ok)
	row, ok := results[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "on", row["state"])
}

func TestQueryDeniedEndpoint(t *testing.T) {
	h := testRouter(t, nil) // mutations disabled

	w, out := doJSON(t, h, "POST", "/query",
		strings.NewReader(`{"query": "DELETE FROM states"}`))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, out["error"])
}

func TestQueryMutationEndpoint(t *testing.T) {
	h := testRouter(t, func(c *Config) {
		c.Safety.AllowMutations = true
		c.Safety.AllowedTables = []string{"states"}
	})

	w, out := doJSON(t, h, "POST", "/query",
		strings.NewReader(`{"query": "DELETE FROM states WHERE entity_id = ?", "params": ["sensor.humidity"]}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), out["affected_rows"])
	assert.NotContains(t, out, "results")
}

func TestQueryExecutionError(t *testing.T) {
	h := testRouter(t, nil)

	w, _ := doJSON(t, h, "GET", "/query?q=SELECT+*+FROM+no_such_table", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := testRouter(t, nil)

	w, out := doJSON(t, h, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", out["status"])

	w, out = doJSON(t, h, "GET", "/ping", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", out["status"])
}

func TestDebugNeverLeaksAPIKey(t *testing.T) {
	h := testRouter(t, func(c *Config) { c.Auth.APIKey = "super-secret-key" })

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newTestRequest("GET", "/debug", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "super-secret-key")
}

func TestExternalSurfaceAuth(t *testing.T) {
	h := testRouter(t, func(c *Config) { c.Auth.APIKey = "secret" })

	t.Run("unauthenticated rejected", func(t *testing.T) {
		w, _ := doJSON(t, h, "GET", "/external/status", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
	t.Run("authenticated allowed", func(t *testing.T) {
		req := newTestRequest("GET", "/external/status", nil)
		req.Header.Set("Authorization", "Bearer secret")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
	t.Run("public surface unaffected", func(t *testing.T) {
		w, _ := doJSON(t, h, "GET", "/tables", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestExternalSurfaceDisabled(t *testing.T) {
	h := testRouter(t, func(c *Config) { c.EnableExternal = false })

	w, _ := doJSON(t, h, "GET", "/external/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotFoundIsJSON(t *testing.T) {
	h := testRouter(t, nil)

	w, out := doJSON(t, h, "GET", "/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "endpoint not found", out["error"])
}

func TestServerHeader(t *testing.T) {
	h := testRouter(t, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newTestRequest("GET", "/ping", nil))
	assert.Equal(t, "HAQuery", w.Header().Get("Server"))
}
