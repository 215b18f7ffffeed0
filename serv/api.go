package serv

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ferbos/haquery/core"
	"github.com/go-chi/chi/v5"
)

// writeJSON encodes data as JSON and writes to response, handling errors
func writeJSON(w http.ResponseWriter, data interface{}) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error response with proper header ordering
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message})
}

// queryStatus maps a gateway error to its HTTP status. Denials are the
// caller's fault, execution failures are the database's.
func queryStatus(err error) int {
	if _, ok := core.AsDenial(err); ok {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// queryResult shapes a gateway result the way clients expect: rows and
// a count for reads, an affected-row count for mutations.
func queryResult(req core.QueryRequest, res *core.Result) map[string]interface{} {
	if res.Mutation {
		return map[string]interface{}{
			"query":         req.Text,
			"params":        req.Params,
			"affected_rows": res.AffectedRows,
			"message":       "Query executed successfully.",
		}
	}
	return map[string]interface{}{
		"query":   req.Text,
		"params":  req.Params,
		"results": res.Rows,
		"count":   len(res.Rows),
	}
}

// queryHandler executes an ad-hoc SQL statement from a JSON body
// POST /query, POST /external/query
func queryHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query  string `json:"query"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
			writeJSONError(w, http.StatusBadRequest, "Query is required")
			return
		}

		req := core.QueryRequest{Text: body.Query, Params: body.Params}
		res, err := s.gateway.RunGuarded(r.Context(), req)
		if err != nil {
			writeJSONError(w, queryStatus(err), err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, queryResult(req, res))
	})
}

// queryGetHandler executes a simple SQL statement from the q parameter
// GET /query?q=...
func queryGetHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			writeJSONError(w, http.StatusBadRequest, `Query parameter "q" is required`)
			return
		}

		req := core.QueryRequest{Text: q}
		res, err := s.gateway.RunGuarded(r.Context(), req)
		if err != nil {
			writeJSONError(w, queryStatus(err), err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, queryResult(req, res))
	})
}

// The canned read queries below have fixed text with bound parameters,
// so they go straight to the executor.

func (s *Service) listTables(ctx context.Context) (map[string]interface{}, error) {
	res, err := s.exec.Query(ctx,
		"SELECT name FROM sqlite_master WHERE type='table'", nil)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if name, ok := row["name"].(string); ok {
			tables = append(tables, name)
		}
	}
	return map[string]interface{}{"tables": tables, "count": len(tables)}, nil
}

func (s *Service) tableSchema(ctx context.Context, table string) (map[string]interface{}, error) {
	res, err := s.exec.Query(ctx,
		"SELECT * FROM pragma_table_info(?)", []any{table})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"table": table, "schema": res.Rows}, nil
}

func (s *Service) listEntities(ctx context.Context) (map[string]interface{}, error) {
	res, err := s.exec.Query(ctx,
		"SELECT DISTINCT entity_id FROM states ORDER BY entity_id", nil)
	if err != nil {
		return nil, err
	}
	entities := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if id, ok := row["entity_id"].(string); ok {
			entities = append(entities, id)
		}
	}
	return map[string]interface{}{"entities": entities, "count": len(entities)}, nil
}

func (s *Service) listStates(ctx context.Context, entityID string, limit int) (map[string]interface{}, error) {
	var res *core.Result
	var err error
	if entityID != "" {
		res, err = s.exec.Query(ctx,
			"SELECT * FROM states WHERE entity_id = ? ORDER BY last_updated DESC LIMIT ?",
			[]any{entityID, limit})
	} else {
		res, err = s.exec.Query(ctx,
			"SELECT * FROM states ORDER BY last_updated DESC LIMIT ?", []any{limit})
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"states": res.Rows, "count": len(res.Rows)}, nil
}

func (s *Service) listEvents(ctx context.Context, eventType string, limit int) (map[string]interface{}, error) {
	var res *core.Result
	var err error
	if eventType != "" {
		res, err = s.exec.Query(ctx,
			"SELECT * FROM events WHERE event_type = ? ORDER BY time_fired DESC LIMIT ?",
			[]any{eventType, limit})
	} else {
		res, err = s.exec.Query(ctx,
			"SELECT * FROM events ORDER BY time_fired DESC LIMIT ?", []any{limit})
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"events": res.Rows, "count": len(res.Rows)}, nil
}

func queryLimit(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return 100
}

// tablesHandler lists all database tables
// GET /tables
func tablesHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := s.listTables(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, out)
	})
}

// schemaHandler returns column information for one table
// GET /schema/{table}
func schemaHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		if table == "" {
			writeJSONError(w, http.StatusBadRequest, "table name required")
			return
		}
		out, err := s.tableSchema(r.Context(), table)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, out)
	})
}

// entitiesHandler lists distinct entity ids from the states table
// GET /entities, GET /external/entities
func entitiesHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := s.listEntities(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, out)
	})
}

// statesHandler returns recent states, optionally for one entity
// GET /states, GET /external/states
func statesHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := s.listStates(r.Context(), r.URL.Query().Get("entity_id"), queryLimit(r))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, out)
	})
}

// eventsHandler returns recent events, optionally for one event type
// GET /events
func eventsHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := s.listEvents(r.Context(), r.URL.Query().Get("event_type"), queryLimit(r))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, out)
	})
}
