// Package stream fans governor decisions out to rendering clients over
// server-sent events.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stevecastle/lowkey-grid/logger"
)

// Config bounds the hub's resources. Zero fields use the defaults.
type Config struct {
	// Maximum number of concurrent SSE connections allowed
	MaxConnections int
	// Buffer size for each client's message channel
	ClientBuffer int
	// Buffer size for the broadcast queue
	BroadcastBuffer int
	// How often to send keep-alive comments
	KeepAlive time.Duration
	// How often to look for dead connections
	CleanupInterval time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxConnections:  5000,
		ClientBuffer:    256,
		BroadcastBuffer: 2048,
		KeepAlive:       30 * time.Second,
		CleanupInterval: 60 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = def.ClientBuffer
	}
	if c.BroadcastBuffer <= 0 {
		c.BroadcastBuffer = def.BroadcastBuffer
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	return c
}

// Event is one decision pushed to clients. Data is encoded as JSON.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type frame struct {
	typ  string
	seq  uint64
	data []byte
}

// Client is a connected SSE client.
type Client struct {
	ID           string
	RemoteAddr   string
	UserAgent    string
	Connected    time.Time
	LastSeen     atomic.Int64 // unix seconds
	MessagesSent atomic.Int64

	ch   chan frame
	done chan struct{}
}

// Stats is a snapshot of the hub counters.
type Stats struct {
	ActiveConnections   int64 `json:"activeConnections"`
	TotalMessages       int64 `json:"totalMessages"`
	MaxConnections      int   `json:"maxConnections"`
	DroppedBroadcasts   int64 `json:"droppedBroadcasts"`
	DroppedClientMsgs   int64 `json:"droppedClientMsgs"`
	RejectedConnections int64 `json:"rejectedConnections"`
}

// Hub manages SSE clients. Publish never blocks the caller; a full queue
// drops the event and counts it.
type Hub struct {
	cfg Config
	log logger.Logger

	clients       sync.Map // map[string]*Client
	activeCount   atomic.Int64
	totalMessages atomic.Int64
	droppedBcast  atomic.Int64
	droppedClient atomic.Int64
	rejected      atomic.Int64
	seq           atomic.Uint64

	broadcast    chan Event
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewHub starts the fan-out and cleanup goroutines. Call Close to stop them.
func NewHub(cfg Config, log logger.Logger) *Hub {
	cfg = cfg.normalized()
	h := &Hub{
		cfg:       cfg,
		log:       log,
		broadcast: make(chan Event, cfg.BroadcastBuffer),
		shutdown:  make(chan struct{}),
	}
	h.wg.Add(2)
	go h.runBroadcastLoop()
	go h.cleanupRoutine()
	return h
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections:   h.activeCount.Load(),
		TotalMessages:       h.totalMessages.Load(),
		MaxConnections:      h.cfg.MaxConnections,
		DroppedBroadcasts:   h.droppedBcast.Load(),
		DroppedClientMsgs:   h.droppedClient.Load(),
		RejectedConnections: h.rejected.Load(),
	}
}

// Publish enqueues ev for fan-out without blocking.
func (h *Hub) Publish(ev Event) {
	select {
	case <-h.shutdown:
		return
	default:
	}
	select {
	case h.broadcast <- ev:
	default:
		// hub busy; drop to protect producers
		h.droppedBcast.Add(1)
	}
}

func (h *Hub) addClient(remoteAddr, userAgent string) (*Client, bool) {
	if h.activeCount.Load() >= int64(h.cfg.MaxConnections) {
		h.rejected.Add(1)
		h.log.Warn("connection limit reached, rejecting client",
			zap.Int("max", h.cfg.MaxConnections), zap.String("remote", remoteAddr))
		return nil, false
	}
	now := time.Now()
	c := &Client{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		Connected:  now,
		ch:         make(chan frame, h.cfg.ClientBuffer),
		done:       make(chan struct{}),
	}
	c.LastSeen.Store(now.Unix())
	h.clients.Store(c.ID, c)
	h.activeCount.Add(1)
	h.log.Debug("client connected", zap.String("client", c.ID), zap.Int64("total", h.activeCount.Load()))
	return c, true
}

func (h *Hub) removeClient(id string) {
	v, ok := h.clients.LoadAndDelete(id)
	if !ok {
		return
	}
	c := v.(*Client)
	h.activeCount.Add(-1)
	close(c.done)
	h.log.Debug("client disconnected", zap.String("client", c.ID), zap.Int64("total", h.activeCount.Load()))
}

func (h *Hub) runBroadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev.Data)
			if err != nil {
				h.log.Error("encode event", zap.String("type", ev.Type), zap.Error(err))
				continue
			}
			f := frame{typ: ev.Type, seq: h.seq.Add(1), data: data}
			h.clients.Range(func(_, value any) bool {
				c := value.(*Client)
				select {
				case c.ch <- f:
					c.LastSeen.Store(time.Now().Unix())
					c.MessagesSent.Add(1)
					h.totalMessages.Add(1)
				default:
					// client queue full; drop this message for this client
					h.droppedClient.Add(1)
				}
				return true
			})
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) cleanupRoutine() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.cleanupStale(time.Now())
		case <-h.shutdown:
			return
		}
	}
}

// cleanupStale drops clients not seen for two cleanup intervals.
func (h *Hub) cleanupStale(now time.Time) int {
	threshold := now.Add(-2 * h.cfg.CleanupInterval).Unix()
	var stale []string
	h.clients.Range(func(key, value any) bool {
		if value.(*Client).LastSeen.Load() < threshold {
			stale = append(stale, key.(string))
		}
		return true
	})
	if len(stale) > 0 {
		h.log.Info("cleaning up stale connections", zap.Int("count", len(stale)))
		for _, id := range stale {
			h.removeClient(id)
		}
	}
	return len(stale)
}

// Close disconnects every client and stops the background goroutines.
func (h *Hub) Close() {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
		h.clients.Range(func(key, _ any) bool {
			h.removeClient(key.(string))
			return true
		})
		h.wg.Wait()
		h.log.Info("stream hub shut down")
	})
}

// ServeHTTP streams events to one client until it disconnects or the hub
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	select {
	case <-h.shutdown:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	client, ok := h.addClient(r.RemoteAddr, r.UserAgent())
	if !ok {
		http.Error(w, "Server at capacity, please try again later", http.StatusServiceUnavailable)
		return
	}
	defer h.removeClient(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Encoding")

	keepAlive := time.NewTicker(h.cfg.KeepAlive)
	defer keepAlive.Stop()

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"client\":%q}\n\n", client.ID); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case f := <-client.ch:
			if _, err := io.WriteString(w, formatFrame(f)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			client.LastSeen.Store(time.Now().Unix())
			flusher.Flush()
		}
	}
}

func formatFrame(f frame) string {
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", f.seq, f.typ, f.data)
}
