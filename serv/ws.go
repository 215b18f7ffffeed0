package serv

import (
	"context"
	"net/http"
	"time"

	"github.com/ferbos/haquery/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsMessage is the envelope WebSocket clients send. Either type or
// method names the operation; args carries the operation parameters.
// The flattened query and entity_id fields are accepted for older
// clients that predate the args object.
type wsMessage struct {
	ID     interface{}            `json:"id,omitempty"`
	Type   string                 `json:"type,omitempty"`
	Method string                 `json:"method,omitempty"`
	Args   map[string]interface{} `json:"args,omitempty"`

	Query    string `json:"query,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

func (m *wsMessage) op() string {
	if m.Method != "" {
		return m.Method
	}
	return m.Type
}

// wsSession is one connected WebSocket client.
type wsSession struct {
	id   string
	s    *Service
	conn *websocket.Conn
	out  chan interface{}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge fronts this endpoint for external callers; origin
	// restrictions live in the CORS layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsHandler upgrades the connection and runs the session until the
// client goes away.
// GET /ws
func wsHandler(s *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warnf("websocket upgrade: %s", err)
			return
		}

		sess := &wsSession{
			id:   uuid.NewString(),
			s:    s,
			conn: conn,
			out:  make(chan interface{}, 16),
		}
		sess.run(r.Context())
	})
}

func (sess *wsSession) run(ctx context.Context) {
	s := sess.s
	s.log.Infow("websocket client connected", "session", sess.id)

	subID, events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(subID)

	done := make(chan struct{})
	writerDone := make(chan struct{})

	// Single writer: responses and hub events share one goroutine so
	// frames never interleave. The writer owns the connection close, so
	// whenever it exits the read loop below unblocks too.
	go func() {
		defer close(writerDone)
		defer sess.conn.Close() //nolint:errcheck
		for {
			select {
			case msg, ok := <-sess.out:
				if !ok {
					return
				}
				if err := sess.conn.WriteJSON(msg); err != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := sess.conn.WriteJSON(map[string]interface{}{
					"type": ev.Type,
					"data": ev.Data,
				}); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	// send queues a frame for the writer; false means the writer is
	// gone and the session is over.
	send := func(v interface{}) bool {
		select {
		case sess.out <- v:
			return true
		case <-writerDone:
			return false
		}
	}

	if !send(map[string]interface{}{
		"type":      "connected",
		"message":   "Connected to " + s.conf.AppName + " WebSocket",
		"timestamp": time.Now().Format(time.RFC3339),
		"session":   sess.id,
	}) {
		return
	}

	for {
		var msg wsMessage
		if err := sess.conn.ReadJSON(&msg); err != nil {
			s.log.Infow("websocket client disconnected", "session", sess.id)
			return
		}
		if !send(sess.dispatch(ctx, &msg)) {
			return
		}
	}
}

// dispatch routes one client message and shapes the response envelope:
// id echoed back, success flag, result or error.
func (sess *wsSession) dispatch(ctx context.Context, msg *wsMessage) interface{} {
	s := sess.s

	switch op := msg.op(); op {
	case "ping":
		return sess.respond(msg, map[string]interface{}{"status": "pong"}, nil)

	case "subscribe_entity":
		entityID := msg.EntityID
		if entityID == "" {
			entityID = argString(msg.Args, "entity_id")
		}
		if entityID == "" {
			return sess.respond(msg, nil, &bridgeError{Message: "entity_id is required"})
		}
		return map[string]interface{}{
			"id":        msg.ID,
			"type":      "subscribed",
			"entity_id": entityID,
		}

	case "query_database", "query":
		text := msg.Query
		if text == "" {
			text = argString(msg.Args, "query")
		}
		if text == "" {
			return sess.queryError(msg, "Query is required")
		}
		var params []any
		if p, ok := msg.Args["params"].([]interface{}); ok {
			params = p
		}

		req := core.QueryRequest{Text: text, Params: params}
		res, err := s.gateway.RunGuarded(ctx, req)
		if err != nil {
			return sess.queryError(msg, err.Error())
		}
		out := map[string]interface{}{
			"type":    "query_result",
			"query":   text,
			"results": res.Rows,
			"count":   len(res.Rows),
		}
		if res.Mutation {
			out["results"] = nil
			out["affected_rows"] = res.AffectedRows
		}
		if msg.ID != nil {
			out["id"] = msg.ID
		}
		return out

	default:
		if s.registry.IsLocal(op) {
			result, berr := s.registry.Call(ctx, op, msg.Args)
			return sess.respond(msg, result, berr)
		}

		resp, err := s.forwarder.Forward(ctx, msg.ID, op, msg.Args)
		if err != nil {
			return sess.respond(msg, nil, &bridgeError{Message: err.Error()})
		}
		return resp
	}
}

func (sess *wsSession) respond(msg *wsMessage, result interface{}, berr *bridgeError) interface{} {
	out := map[string]interface{}{}
	if msg.ID != nil {
		out["id"] = msg.ID
	}
	if berr != nil {
		out["success"] = false
		out["error"] = berr.Message
		for k, v := range berr.Extra {
			out[k] = v
		}
		return out
	}
	out["success"] = true
	out["result"] = result
	return out
}

func (sess *wsSession) queryError(msg *wsMessage, reason string) interface{} {
	out := map[string]interface{}{
		"type":  "query_error",
		"error": reason,
	}
	if msg.ID != nil {
		out["id"] = msg.ID
	}
	return out
}
