package serv

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// upstreamForwarder relays method calls to the Home Assistant
// WebSocket API. Each call dials, authenticates, sends one command and
// waits for its response; there is no retry. The caller's correlation
// id never goes over the wire: an internal id is allocated per call and
// swapped back before the response is returned.
type upstreamForwarder struct {
	conf Upstream
	log  *zap.SugaredLogger

	nextID uint64
}

func newUpstreamForwarder(conf Upstream, log *zap.SugaredLogger) *upstreamForwarder {
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
	}
	return &upstreamForwarder{conf: conf, log: log}
}

// Forward sends one command upstream and returns its response with the
// caller's id restored. Event and ping frames arriving before the
// response are skipped. Any failure is terminal for this call.
func (f *upstreamForwarder) Forward(ctx context.Context, callerID interface{}, method string, args map[string]interface{}) (map[string]interface{}, error) {
	if f.conf.URL == "" {
		return nil, errors.New("forwarding failed: no upstream url configured")
	}

	ctx, cancel := context.WithTimeout(ctx, f.conf.Timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: f.conf.Timeout}
	conn, _, err := dialer.DialContext(ctx, f.conf.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "forwarding failed: dial")
	}
	defer conn.Close() //nolint:errcheck

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)  //nolint:errcheck
	conn.SetWriteDeadline(deadline) //nolint:errcheck

	if err := f.authenticate(conn); err != nil {
		return nil, err
	}

	id := atomic.AddUint64(&f.nextID, 1)

	cmd := make(map[string]interface{}, len(args)+2)
	for k, v := range args {
		cmd[k] = v
	}
	cmd["id"] = id
	cmd["type"] = method

	if err := conn.WriteJSON(cmd); err != nil {
		return nil, errors.Wrap(err, "forwarding failed: send")
	}

	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, errors.Wrap(err, "forwarding failed: receive")
		}

		// Interleaved traffic that is not our response.
		switch msg["type"] {
		case "event", "ping":
			continue
		}

		if callerID != nil {
			msg["id"] = callerID
		} else {
			delete(msg, "id")
		}
		return msg, nil
	}
}

// authenticate performs the auth_required/auth/auth_ok handshake. A
// server that skips the handshake and talks immediately is accepted.
func (f *upstreamForwarder) authenticate(conn *websocket.Conn) error {
	var hello map[string]interface{}
	if err := conn.ReadJSON(&hello); err != nil {
		return errors.Wrap(err, "forwarding failed: hello")
	}

	switch hello["type"] {
	case "auth_required":
		if err := conn.WriteJSON(map[string]interface{}{
			"type":         "auth",
			"access_token": f.conf.Token,
		}); err != nil {
			return errors.Wrap(err, "forwarding failed: auth send")
		}

		var result map[string]interface{}
		if err := conn.ReadJSON(&result); err != nil {
			return errors.Wrap(err, "forwarding failed: auth receive")
		}
		if result["type"] != "auth_ok" {
			return errors.Errorf("forwarding failed: upstream auth rejected (%v)", result["type"])
		}
		return nil

	case "auth_ok":
		return nil

	default:
		return errors.Errorf("forwarding failed: unexpected hello frame (%v)", hello["type"])
	}
}
