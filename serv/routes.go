package serv

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
)

const (
	routeAPI    = "/api"
	routeQuery  = "/query"
	routeBridge = "/ws_bridge"
	routeWS     = "/ws"
	healthRoute = "/health"
)

// routesHandler is the main handler for all routes
func routesHandler(s *Service, r chi.Router) http.Handler {
	co := cors.New(cors.Options{
		AllowedOrigins: s.conf.AllowedOrigins,
		AllowedHeaders: s.conf.AllowedHeaders,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		Debug:          s.conf.DebugCORS,
	})
	r.Use(co.Handler)

	// Healthcheck and info APIs
	r.Method(http.MethodGet, healthRoute, healthHandler(s))
	r.Method(http.MethodGet, "/ping", pingHandler(s))
	r.Method(http.MethodGet, "/status", statusHandler(s))
	r.Method(http.MethodGet, routeAPI, apiInfoHandler(s))
	r.Method(http.MethodGet, "/debug", debugHandler(s))

	// Database read APIs
	r.Method(http.MethodGet, "/tables", tablesHandler(s))
	r.Method(http.MethodGet, "/schema/{table}", schemaHandler(s))
	r.Method(http.MethodGet, "/entities", entitiesHandler(s))
	r.Method(http.MethodGet, "/states", statesHandler(s))
	r.Method(http.MethodGet, "/events", eventsHandler(s))

	// Ad-hoc query API
	r.Method(http.MethodGet, routeQuery, queryGetHandler(s))
	r.Method(http.MethodPost, routeQuery, queryHandler(s))

	// Method bridge
	r.Method(http.MethodPost, routeBridge, bridgeHandler(s))

	// Authenticated external surface
	if s.conf.EnableExternal {
		r.Route("/external", func(er chi.Router) {
			er.Use(authRequired(s))
			er.Use(rateLimited(s))
			er.Method(http.MethodGet, "/status", externalStatusHandler(s))
			er.Method(http.MethodPost, "/query", queryHandler(s))
			er.Method(http.MethodGet, "/entities", entitiesHandler(s))
			er.Method(http.MethodGet, "/states", statesHandler(s))
		})
	}

	// Configuration helpers
	r.Method(http.MethodPost, "/ha_config/insert", haConfigInsertHandler(s))
	r.Method(http.MethodPost, "/ha_config/append_lines", haConfigAppendHandler(s))

	// WebSocket API
	if s.conf.EnableWebsocket {
		r.Method(http.MethodGet, routeWS, wsHandler(s))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "endpoint not found")
	})

	return setServerHeader(r)
}
