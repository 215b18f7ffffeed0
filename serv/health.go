package serv

import (
	"net/http"
	"os"
	"path/filepath"
	"time"
)

func appVersion() string {
	if version == "" {
		return "not-set"
	}
	return version
}

// healthHandler reports service and database health
// GET /health
func healthHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "connected"
		if _, err := s.exec.Query(r.Context(),
			"SELECT name FROM sqlite_master WHERE type='table' LIMIT 1", nil); err != nil {
			dbStatus = "error: " + err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{
			"status":                  "healthy",
			"timestamp":               time.Now().Format(time.RFC3339),
			"database_path":           s.exec.Path(),
			"database_status":         dbStatus,
			"version":                 appVersion(),
			"external_access_enabled": s.conf.EnableExternal,
			"websocket_enabled":       s.conf.EnableWebsocket,
		})
	})
}

// pingHandler is the cheapest liveness probe
// GET /ping
func pingHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{
			"status":             "pong",
			"timestamp":          time.Now().Format(time.RFC3339),
			"app":                s.conf.AppName,
			"version":            appVersion(),
			"database_connected": true,
		})
	})
}

// statusHandler returns the service status summary
// GET /status
func statusHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{
			"app":                     s.conf.AppName,
			"version":                 appVersion(),
			"status":                  "running",
			"timestamp":               time.Now().Format(time.RFC3339),
			"database_path":           s.exec.Path(),
			"external_access_enabled": s.conf.EnableExternal,
			"websocket_enabled":       s.conf.EnableWebsocket,
			"access_methods": map[string]string{
				"api_info":       routeAPI,
				"health_check":   "/ping",
				"database_query": routeQuery,
				"external_api":   "/external/status",
				"websocket":      routeWS,
			},
		})
	})
}

// apiInfoHandler lists the available endpoints
// GET /api
func apiInfoHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{
			"message":                 s.conf.AppName + " is running!",
			"timestamp":               time.Now().Format(time.RFC3339),
			"version":                 appVersion(),
			"database_path":           s.exec.Path(),
			"external_access_enabled": s.conf.EnableExternal,
			"websocket_enabled":       s.conf.EnableWebsocket,
			"endpoints": []string{
				"/ping",
				healthRoute,
				"/debug",
				"/tables",
				"/entities",
				"/states",
				"/events",
				routeQuery,
				"/external/status",
				"/external/query",
				routeBridge,
				routeWS,
			},
		})
	})
}

// externalStatusHandler is the authenticated variant of /status
// GET /external/status
func externalStatusHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{
			"app":               s.conf.AppName,
			"version":           appVersion(),
			"status":            "running",
			"timestamp":         time.Now().Format(time.RFC3339),
			"database_path":     s.exec.Path(),
			"external_access":   true,
			"websocket_enabled": s.conf.EnableWebsocket,
		})
	})
}

// debugHandler dumps path discovery and policy state for troubleshooting.
// The API key value itself is never included.
// GET /debug
func debugHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dbFiles, _ := filepath.Glob("/config/*.db")

		var apiKey interface{}
		if s.conf.authEnabled() {
			apiKey = "***"
		}

		wd, _ := os.Getwd()

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{
			"current_database_path":   s.exec.Path(),
			"db_files_in_config":      dbFiles,
			"working_directory":       wd,
			"external_access_enabled": s.conf.EnableExternal,
			"websocket_enabled":       s.conf.EnableWebsocket,
			"allow_mutations":         s.conf.Safety.AllowMutations,
			"allowed_tables":          s.conf.Safety.AllowedTables,
			"api_key":                 apiKey,
		})
	})
}
