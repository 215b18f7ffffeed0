package serv

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

const testDBSchema = `
CREATE TABLE states (
	state_id INTEGER PRIMARY KEY,
	entity_id TEXT,
	state TEXT,
	last_updated TEXT
);
CREATE TABLE events (
	event_id INTEGER PRIMARY KEY,
	event_type TEXT,
	time_fired TEXT
);
INSERT INTO states (entity_id, state, last_updated) VALUES
('sensor.temperature', '22.5', datetime('now')),
('light.living_room', 'on', datetime('now')),
('sensor.humidity', '45', datetime('now'));
`

// testService builds a ready Service against a seeded throwaway
// database, without starting the HTTP listener.
func testService(t *testing.T, mutate func(*Config)) *Service {
	t.Helper()

	conf, err := NewConfig("", "yaml")
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(testDBSchema); err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close() //nolint:errcheck

	conf.Database.Path = path
	conf.LogLevel = "error"
	if mutate != nil {
		mutate(conf)
	}

	s, err := NewService(conf)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() {
		s.hub.Close()
		s.exec.Close() //nolint:errcheck
	})
	return s
}

func newTestRequest(method, target string, body io.Reader) *http.Request {
	return httptest.NewRequest(method, target, body)
}
