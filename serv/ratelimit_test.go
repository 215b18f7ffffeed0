package serv

import (
	"testing"
	"time"
)

func testLimiter(requests int, window time.Duration) (*rateLimiter, *time.Time) {
	now := time.Unix(1700000000, 0)
	rl := newRateLimiter(RateLimiter{Requests: requests, Window: window, MaxClients: 100})
	rl.nowFn = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterWindowBudget(t *testing.T) {
	rl, _ := testLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d denied inside budget", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request over budget was allowed")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl, now := testLimiter(2, time.Minute)

	rl.Allow("c")
	rl.Allow("c")
	if rl.Allow("c") {
		t.Fatal("third request allowed inside window")
	}

	// A fresh window grants a fresh budget, with no carry-over.
	*now = now.Add(time.Minute)
	for i := 0; i < 2; i++ {
		if !rl.Allow("c") {
			t.Fatalf("request %d denied after window reset", i+1)
		}
	}
	if rl.Allow("c") {
		t.Error("budget carried over across windows")
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl, _ := testLimiter(1, time.Minute)

	if !rl.Allow("a") {
		t.Fatal("first client denied")
	}
	if !rl.Allow("b") {
		t.Error("second client shares the first client's budget")
	}
	if rl.Allow("a") {
		t.Error("first client allowed over budget")
	}
}

func TestRateLimiterBoundedClients(t *testing.T) {
	// More distinct clients than tracked entries: old windows are
	// evicted and new clients still get a fresh budget.
	rl := newRateLimiter(RateLimiter{Requests: 1, Window: time.Minute, MaxClients: 2})
	rl.nowFn = func() time.Time { return time.Unix(1700000000, 0) }

	for _, c := range []string{"a", "b", "c", "d"} {
		if !rl.Allow(c) {
			t.Fatalf("client %s denied its first request", c)
		}
	}
}

func TestClientIPHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		remote string
		want   string
	}{
		{"no header uses socket", "", "", "10.1.2.3:5555", "10.1.2.3"},
		{"header wins", "X-Forwarded-For", "203.0.113.9", "10.1.2.3:5555", "203.0.113.9"},
		{"first of list", "X-Forwarded-For", "203.0.113.9, 10.0.0.1", "10.1.2.3:5555", "203.0.113.9"},
		{"unparsable remote passes through", "", "", "bad-addr", "bad-addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			if got := clientIP(r, tt.header); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
