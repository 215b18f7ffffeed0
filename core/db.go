package core

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// candidatePaths are the usual locations of the Home Assistant recorder
// database inside an add-on container, probed in order.
var candidatePaths = []string{
	"/config/home-assistant_v2.db",
	"/config/home_assistant_v2.db",
	"/config/home-assistant.db",
}

// LocateDatabase returns the first existing recorder database path,
// preferring the configured path, then the well-known locations. The
// second return value is false when no database file was found.
func LocateDatabase(configured string) (string, bool) {
	paths := make([]string, 0, len(candidatePaths)+1)
	if configured != "" {
		paths = append(paths, configured)
	}
	paths = append(paths, candidatePaths...)

	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return configured, false
}

// OpenDB opens the sqlite database at path with a bounded ping-retry
// loop, so the service comes up cleanly while the recorder is still
// flushing its first commit.
func OpenDB(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	var db *sql.DB
	var err error

	for i := 0; ; {
		db, err = sql.Open("sqlite", path)
		if err == nil {
			// Reads may run concurrently; mutations are serialized by
			// the executor on top of this pool.
			db.SetMaxOpenConns(4)
			db.SetConnMaxIdleTime(time.Minute)

			if err = db.Ping(); err == nil {
				return db, nil
			}
			db.Close() //nolint:errcheck
			log.Warnf("database ping: %s", err)
		} else {
			log.Warnf("database open: %s", err)
		}

		time.Sleep(time.Duration(i*100) * time.Millisecond)

		if i > 20 {
			return nil, err
		}
		i++
	}
}

const testSchema = `
CREATE TABLE IF NOT EXISTS states (
	state_id INTEGER PRIMARY KEY,
	entity_id TEXT,
	state TEXT,
	attributes TEXT,
	event_id INTEGER,
	last_changed TEXT,
	last_updated TEXT,
	context_id TEXT,
	context_user_id TEXT
);
CREATE TABLE IF NOT EXISTS events (
	event_id INTEGER PRIMARY KEY,
	event_type TEXT,
	event_data TEXT,
	origin TEXT,
	time_fired TEXT,
	context_id TEXT,
	context_user_id TEXT
);
`

const testSeed = `
INSERT INTO states (entity_id, state, last_updated) VALUES
('sensor.temperature', '22.5', datetime('now')),
('light.living_room', 'on', datetime('now')),
('sensor.humidity', '45', datetime('now')),
('switch.garage', 'off', datetime('now')),
('sensor.motion', 'clear', datetime('now'));
`

// CreateTestDatabase creates a minimal recorder-shaped database with
// sample rows, used when no real recorder database can be found so the
// API still has something to serve.
func CreateTestDatabase(log *zap.SugaredLogger) (string, error) {
	path := filepath.Join(os.TempDir(), "home_assistant_test.db")
	log.Infof("creating test database at %s", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return "", err
	}
	defer db.Close() //nolint:errcheck

	if _, err := db.Exec(testSchema); err != nil {
		return "", err
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM states").Scan(&n); err == nil && n == 0 {
		if _, err := db.Exec(testSeed); err != nil {
			return "", err
		}
	}
	return path, nil
}
