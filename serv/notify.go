package serv

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// notifyEvent is a change notification pushed to subscribers.
type notifyEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func databaseUpdatedEvent(tables []string) notifyEvent {
	data := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"message":   "Database has been updated",
	}
	if len(tables) > 0 {
		data["tables"] = tables
	}
	return notifyEvent{Type: "database_updated", Data: data}
}

// notifyHub fans change events out to subscribers. Subscriber channels
// are buffered and a full channel drops the event rather than blocking
// the publisher; notifications are advisory, not a durable stream.
type notifyHub struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[string]chan notifyEvent
	closed bool
}

func newNotifyHub(log *zap.SugaredLogger) *notifyHub {
	return &notifyHub{log: log, subs: make(map[string]chan notifyEvent)}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (h *notifyHub) Subscribe() (string, <-chan notifyEvent) {
	id := uuid.NewString()
	ch := make(chan notifyEvent, 16)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *notifyHub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the current subscriber count.
func (h *notifyHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers the event to every subscriber that has room.
func (h *notifyHub) Publish(ev notifyEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Debugw("notification dropped", "subscriber", id, "event", ev.Type)
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
func (h *notifyHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// debounce coalesces a burst of changes: the first change notifies
// immediately, changes inside the quiet period arm one trailing
// notification so the last write of a burst is never lost.
type debounce struct {
	quiet   time.Duration
	last    time.Time
	pending bool
}

// hit records a change at now. fire means notify immediately; when
// fire is false a trailing notification is armed and wait says how
// long until expire should be called.
func (d *debounce) hit(now time.Time) (fire bool, wait time.Duration) {
	if now.Sub(d.last) >= d.quiet {
		d.last = now
		return true, 0
	}
	d.pending = true
	return false, d.quiet - now.Sub(d.last)
}

// expire fires the armed trailing notification, if any.
func (d *debounce) expire(now time.Time) bool {
	if !d.pending {
		return false
	}
	d.pending = false
	d.last = now
	return true
}

// dbWatcher feeds file-level database changes into the hub, catching
// writes made outside this process (the recorder itself).
type dbWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

func (s *Service) startDBWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: sqlite writes go through -wal/-shm siblings
	// and the main file may be replaced rather than written in place.
	if err := w.Add(filepath.Dir(s.exec.Path())); err != nil {
		w.Close() //nolint:errcheck
		return err
	}

	dw := &dbWatcher{w: w, done: make(chan struct{})}
	s.watcher = dw
	go dw.run(s.exec.Path(), s.hub, s.log)
	return nil
}

func (dw *dbWatcher) run(path string, hub *notifyHub, log *zap.SugaredLogger) {
	base := filepath.Base(path)

	// sqlite touches the file in bursts.
	deb := &debounce{quiet: time.Second}
	trailing := time.NewTimer(time.Hour)
	if !trailing.Stop() {
		<-trailing.C
	}
	defer trailing.Stop()

	for {
		select {
		case ev, ok := <-dw.w.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if fire, wait := deb.hit(time.Now()); fire {
				hub.Publish(databaseUpdatedEvent(nil))
			} else {
				trailing.Reset(wait)
			}

		case <-trailing.C:
			if deb.expire(time.Now()) {
				hub.Publish(databaseUpdatedEvent(nil))
			}

		case err, ok := <-dw.w.Errors:
			if !ok {
				return
			}
			log.Warnf("database watcher: %s", err)

		case <-dw.done:
			return
		}
	}
}

func (dw *dbWatcher) Close() {
	close(dw.done)
	dw.w.Close() //nolint:errcheck
}
