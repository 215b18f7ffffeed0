package serv

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ferbos/haquery/core"
)

// localMethodPrefix marks methods the bridge must handle itself. The
// check is absolute: a method carrying this prefix never reaches the
// upstream forwarder, whatever its suffix.
const localMethodPrefix = "haquery/"

// bridgeRequest is the envelope a bridge caller submits. The id is the
// caller's correlation value and is echoed back untouched.
type bridgeRequest struct {
	ID     interface{}            `json:"id,omitempty"`
	Method string                 `json:"method"`
	Args   map[string]interface{} `json:"args"`
	Token  string                 `json:"token,omitempty"`
}

// bridgeError carries a message plus the HTTP status it maps to.
type bridgeError struct {
	Message string
	Status  int
	// Extra fields merged into the error response body, e.g. the
	// available method list for an unknown method.
	Extra map[string]interface{}
}

func (e *bridgeError) Error() string { return e.Message }

type methodFunc func(ctx context.Context, args map[string]interface{}) (interface{}, *bridgeError)

// methodRegistry holds the fixed set of local bridge methods. The set
// is built once at startup and never changes at runtime.
type methodRegistry struct {
	s       *Service
	methods map[string]methodFunc
}

func newMethodRegistry(s *Service) *methodRegistry {
	mr := &methodRegistry{s: s}
	mr.methods = map[string]methodFunc{
		localMethodPrefix + "status":     mr.status,
		localMethodPrefix + "info":       mr.info,
		localMethodPrefix + "health":     mr.health,
		localMethodPrefix + "ping":       mr.ping,
		localMethodPrefix + "tables":     mr.tables,
		localMethodPrefix + "entities":   mr.entities,
		localMethodPrefix + "states":     mr.states,
		localMethodPrefix + "events":     mr.events,
		localMethodPrefix + "query":      mr.query,
		localMethodPrefix + "schema":     mr.schema,
		localMethodPrefix + "ws/connect": mr.wsConnect,
		localMethodPrefix + "ws/status":  mr.wsStatus,
	}
	return mr
}

// IsLocal reports whether the method must be handled locally.
func (mr *methodRegistry) IsLocal(method string) bool {
	return strings.HasPrefix(method, localMethodPrefix)
}

// Names returns the registered method names, sorted for stable output.
func (mr *methodRegistry) Names() []string {
	names := make([]string, 0, len(mr.methods))
	for m := range mr.methods {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// Call dispatches a local method. Unknown methods report the full
// registered set so callers can self-correct.
func (mr *methodRegistry) Call(ctx context.Context, method string, args map[string]interface{}) (interface{}, *bridgeError) {
	fn, ok := mr.methods[method]
	if !ok {
		return nil, &bridgeError{
			Message: "Unknown method: " + method,
			Status:  http.StatusNotFound,
			Extra:   map[string]interface{}{"available_methods": mr.Names()},
		}
	}
	return fn(ctx, args)
}

func (mr *methodRegistry) status(context.Context, map[string]interface{}) (interface{}, *bridgeError) {
	s := mr.s
	return map[string]interface{}{
		"app":                     s.conf.AppName,
		"version":                 appVersion(),
		"status":                  "running",
		"database_path":           s.exec.Path(),
		"external_access_enabled": s.conf.EnableExternal,
		"websocket_enabled":       s.conf.EnableWebsocket,
	}, nil
}

func (mr *methodRegistry) info(context.Context, map[string]interface{}) (interface{}, *bridgeError) {
	s := mr.s
	return map[string]interface{}{
		"message":                 s.conf.AppName + " is running!",
		"version":                 appVersion(),
		"database_path":           s.exec.Path(),
		"external_access_enabled": s.conf.EnableExternal,
		"websocket_enabled":       s.conf.EnableWebsocket,
		"available_methods":       mr.Names(),
	}, nil
}

func (mr *methodRegistry) health(ctx context.Context, _ map[string]interface{}) (interface{}, *bridgeError) {
	s := mr.s
	dbStatus := "connected"
	if _, err := s.exec.Query(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' LIMIT 1", nil); err != nil {
		dbStatus = "error: " + err.Error()
	}
	return map[string]interface{}{
		"status":                  "healthy",
		"database_path":           s.exec.Path(),
		"database_status":         dbStatus,
		"version":                 appVersion(),
		"external_access_enabled": s.conf.EnableExternal,
		"websocket_enabled":       s.conf.EnableWebsocket,
	}, nil
}

func (mr *methodRegistry) ping(context.Context, map[string]interface{}) (interface{}, *bridgeError) {
	return map[string]interface{}{
		"status":  "pong",
		"app":     mr.s.conf.AppName,
		"version": appVersion(),
	}, nil
}

func (mr *methodRegistry) tables(ctx context.Context, _ map[string]interface{}) (interface{}, *bridgeError) {
	out, err := mr.s.listTables(ctx)
	if err != nil {
		return nil, &bridgeError{Message: err.Error(), Status: http.StatusInternalServerError}
	}
	return out, nil
}

func (mr *methodRegistry) entities(ctx context.Context, _ map[string]interface{}) (interface{}, *bridgeError) {
	out, err := mr.s.listEntities(ctx)
	if err != nil {
		return nil, &bridgeError{Message: err.Error(), Status: http.StatusInternalServerError}
	}
	return out, nil
}

func (mr *methodRegistry) states(ctx context.Context, args map[string]interface{}) (interface{}, *bridgeError) {
	out, err := mr.s.listStates(ctx, argString(args, "entity_id"), argLimit(args))
	if err != nil {
		return nil, &bridgeError{Message: err.Error(), Status: http.StatusInternalServerError}
	}
	return out, nil
}

func (mr *methodRegistry) events(ctx context.Context, args map[string]interface{}) (interface{}, *bridgeError) {
	out, err := mr.s.listEvents(ctx, argString(args, "event_type"), argLimit(args))
	if err != nil {
		return nil, &bridgeError{Message: err.Error(), Status: http.StatusInternalServerError}
	}
	return out, nil
}

func (mr *methodRegistry) query(ctx context.Context, args map[string]interface{}) (interface{}, *bridgeError) {
	text := argString(args, "query")
	if text == "" {
		return nil, &bridgeError{Message: "Query is required", Status: http.StatusBadRequest}
	}
	var params []any
	if p, ok := args["params"].([]interface{}); ok {
		params = p
	}

	req := core.QueryRequest{Text: text, Params: params}
	res, err := mr.s.gateway.RunGuarded(ctx, req)
	if err != nil {
		return nil, &bridgeError{Message: err.Error(), Status: queryStatus(err)}
	}
	return queryResult(req, res), nil
}

func (mr *methodRegistry) schema(ctx context.Context, args map[string]interface{}) (interface{}, *bridgeError) {
	table := argString(args, "table_name")
	if table == "" {
		return nil, &bridgeError{Message: "table_name is required", Status: http.StatusBadRequest}
	}
	out, err := mr.s.tableSchema(ctx, table)
	if err != nil {
		return nil, &bridgeError{Message: err.Error(), Status: http.StatusInternalServerError}
	}
	return out, nil
}

func (mr *methodRegistry) wsConnect(context.Context, map[string]interface{}) (interface{}, *bridgeError) {
	return map[string]interface{}{
		"websocket_enabled": mr.s.conf.EnableWebsocket,
		"websocket_path":    routeWS,
		"events": []string{
			"connected", "query_result", "query_error",
			"subscribed", "database_updated",
		},
	}, nil
}

func (mr *methodRegistry) wsStatus(context.Context, map[string]interface{}) (interface{}, *bridgeError) {
	status := "disabled"
	if mr.s.conf.EnableWebsocket {
		status = "active"
	}
	return map[string]interface{}{
		"websocket_enabled": mr.s.conf.EnableWebsocket,
		"connected_clients": mr.s.hub.Subscribers(),
		"status":            status,
	}, nil
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argLimit(args map[string]interface{}) int {
	// JSON numbers decode as float64
	if v, ok := args["limit"].(float64); ok && v > 0 {
		return int(v)
	}
	return 100
}

// bridgeHandler accepts a method call over plain HTTPS and routes it:
// local-prefixed methods run in process, everything else forwards to
// the upstream WebSocket API with the caller's id preserved.
// POST /ws_bridge
func bridgeHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req bridgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		if req.Method == "" {
			writeJSONError(w, http.StatusBadRequest, "Method is required")
			return
		}

		// A token is only checked when both sides have one.
		if req.Token != "" && s.conf.authEnabled() {
			if !credentialMatch(req.Token, s.conf.Auth.APIKey) {
				writeJSONError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
		}

		s.log.Infow("bridge request", "method", req.Method, "id", req.ID)

		if s.registry.IsLocal(req.Method) {
			result, berr := s.registry.Call(r.Context(), req.Method, req.Args)
			if berr != nil {
				body := map[string]interface{}{"error": berr.Message}
				for k, v := range berr.Extra {
					body[k] = v
				}
				if req.ID != nil {
					body["id"] = req.ID
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(berr.Status)
				writeJSON(w, body)
				return
			}

			resp := map[string]interface{}{
				"success":   true,
				"method":    req.Method,
				"result":    result,
				"timestamp": time.Now().Format(time.RFC3339),
			}
			if req.ID != nil {
				resp["id"] = req.ID
			}
			w.Header().Set("Content-Type", "application/json")
			writeJSON(w, resp)
			return
		}

		// Everything else goes upstream.
		resp, err := s.forwarder.Forward(r.Context(), req.ID, req.Method, req.Args)
		if err != nil {
			body := map[string]interface{}{"error": err.Error()}
			if req.ID != nil {
				body["id"] = req.ID
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			writeJSON(w, body)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, resp)
	})
}
