package stream

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stevecastle/lowkey-grid/logger"
)

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	h := NewHub(cfg, logger.NewNoopLogger())
	t.Cleanup(h.Close)
	return h
}

// TestStats verifies connection statistics
func TestStats(t *testing.T) {
	h := newTestHub(t, Config{})
	stats := h.Stats()
	if stats.MaxConnections != DefaultConfig().MaxConnections {
		t.Errorf("MaxConnections = %d; want %d", stats.MaxConnections, DefaultConfig().MaxConnections)
	}
	if stats.ActiveConnections != 0 {
		t.Errorf("ActiveConnections = %d; want 0", stats.ActiveConnections)
	}
}

// TestAddRemoveClient tests client registration and removal
func TestAddRemoveClient(t *testing.T) {
	h := newTestHub(t, Config{})

	c, ok := h.addClient("127.0.0.1:12345", "TestAgent/1.0")
	if !ok {
		t.Fatal("addClient() should succeed")
	}
	if got := h.Stats().ActiveConnections; got != 1 {
		t.Errorf("ActiveConnections = %d; want 1", got)
	}

	h.removeClient(c.ID)
	h.removeClient(c.ID) // second removal is a no-op
	if got := h.Stats().ActiveConnections; got != 0 {
		t.Errorf("ActiveConnections after remove = %d; want 0", got)
	}
	select {
	case <-c.done:
	default:
		t.Error("client done channel should be closed")
	}
}

// TestPublish tests fan-out to every client
func TestPublish(t *testing.T) {
	h := newTestHub(t, Config{})

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i], _ = h.addClient("127.0.0.1:1", "TestAgent")
	}

	h.Publish(Event{Type: "limits", Data: map[string]int{"maxLoaded": 12}})

	for i, c := range clients {
		select {
		case f := <-c.ch:
			if f.typ != "limits" {
				t.Errorf("client %d received type %q; want limits", i, f.typ)
			}
			if string(f.data) != `{"maxLoaded":12}` {
				t.Errorf("client %d received data %s", i, f.data)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %d did not receive event", i)
		}
	}
	if got := h.Stats().TotalMessages; got != 3 {
		t.Errorf("TotalMessages = %d; want 3", got)
	}
}

// TestPublishFullClientDrops tests that a slow client loses messages
// instead of blocking the hub
func TestPublishFullClientDrops(t *testing.T) {
	h := newTestHub(t, Config{ClientBuffer: 1})
	h.addClient("127.0.0.1:1", "slow")

	h.Publish(Event{Type: "a"})
	h.Publish(Event{Type: "b"})

	deadline := time.Now().Add(time.Second)
	for h.Stats().DroppedClientMsgs == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.Stats().DroppedClientMsgs; got != 1 {
		t.Errorf("DroppedClientMsgs = %d; want 1", got)
	}
}

// TestPublishAfterClose tests that publishing to a closed hub is safe
func TestPublishAfterClose(t *testing.T) {
	h := NewHub(Config{}, logger.NewNoopLogger())
	h.Close()
	h.Close()
	h.Publish(Event{Type: "late"})
}

func TestCleanupStale(t *testing.T) {
	h := newTestHub(t, Config{CleanupInterval: time.Minute})
	fresh, _ := h.addClient("127.0.0.1:1", "fresh")
	old, _ := h.addClient("127.0.0.1:2", "old")
	old.LastSeen.Store(time.Now().Add(-3 * time.Minute).Unix())

	if n := h.cleanupStale(time.Now()); n != 1 {
		t.Errorf("cleanupStale() = %d; want 1", n)
	}
	if _, ok := h.clients.Load(fresh.ID); !ok {
		t.Error("fresh client should remain")
	}
	if _, ok := h.clients.Load(old.ID); ok {
		t.Error("stale client should be removed")
	}
}

func TestServeHTTPRejectsAtCapacity(t *testing.T) {
	h := newTestHub(t, Config{MaxConnections: 1})
	h.addClient("127.0.0.1:1", "first")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d; want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if got := h.Stats().RejectedConnections; got != 1 {
		t.Errorf("RejectedConnections = %d; want 1", got)
	}
}

func TestServeHTTPStreamsEvents(t *testing.T) {
	h := newTestHub(t, Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	readEvent := func() []string {
		var lines []string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return lines
			}
			lines = append(lines, line)
		}
	}

	first := readEvent()
	if len(first) == 0 || first[0] != "event: connected" {
		t.Fatalf("first event = %q", first)
	}

	h.Publish(Event{Type: "evict", Data: []string{"a", "b"}})
	got := readEvent()
	want := []string{"id: 1", "event: evict", `data: ["a","b"]`}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("event = %q; want %q", got, want)
	}
}

func TestFormatFrame(t *testing.T) {
	got := formatFrame(frame{typ: "play", seq: 7, data: []byte(`{"playing":["x"]}`)})
	want := "id: 7\nevent: play\ndata: {\"playing\":[\"x\"]}\n\n"
	if got != want {
		t.Errorf("formatFrame() = %q; want %q", got, want)
	}
}
