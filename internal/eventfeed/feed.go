// Package eventfeed publishes finished utterances to downstream consumers.
//
// A [Feed] keeps the most recent utterance packets in a bounded ring and fans
// every new packet out to connected websocket clients. Nothing is persisted;
// a restart starts with an empty ring.
//
// Routes registered by [Feed.Register]:
//
//   - GET /events: websocket stream of packets, one JSON text message each.
//     Add ?replay=true to receive the ring contents first.
//   - GET /utterances: the ring contents as a JSON array, oldest first.
//     ?limit=N returns only the newest N.
package eventfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/crosstalk/internal/conversation"
	"github.com/MrWong99/crosstalk/internal/observe"
)

// Defaults for [Feed] options.
const (
	DefaultCapacity     = 256
	DefaultClientBuffer = 32
	DefaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("eventfeed: closed")

// Option configures a [Feed].
type Option func(*Feed)

// WithCapacity sets how many packets the ring keeps.
func WithCapacity(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.capacity = n
		}
	}
}

// WithClientBuffer sets how many packets may queue for one client before it
// is disconnected as too slow.
func WithClientBuffer(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.clientBuffer = n
		}
	}
}

// WithWriteTimeout bounds a single websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.writeTimeout = d
		}
	}
}

// WithMetrics records the client gauge on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// WithOriginPatterns allows cross-origin websocket clients whose host matches
// one of patterns. See [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) Option {
	return func(f *Feed) { f.originPatterns = patterns }
}

type client struct {
	msgs chan []byte

	// closeSlow is called when the client cannot keep up.
	closeSlow func()
}

// Feed is safe for concurrent use.
type Feed struct {
	capacity       int
	clientBuffer   int
	writeTimeout   time.Duration
	originPatterns []string
	metrics        *observe.Metrics

	mu      sync.Mutex
	ring    []conversation.Packet
	head    int
	count   int
	clients map[*client]struct{}
	closed  bool
	done    chan struct{}
}

// New returns an empty feed.
func New(opts ...Option) *Feed {
	f := &Feed{
		capacity:     DefaultCapacity,
		clientBuffer: DefaultClientBuffer,
		writeTimeout: DefaultWriteTimeout,
		clients:      make(map[*client]struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	f.ring = make([]conversation.Packet, f.capacity)
	return f
}

// Publish stores u in the ring and sends it to every connected client.
// Clients whose queue is full are disconnected; Publish never blocks on
// them.
func (f *Feed) Publish(u conversation.Utterance) error {
	p := u.Packet()
	msg, err := json.Marshal(p)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.ring[(f.head+f.count)%f.capacity] = p
	if f.count < f.capacity {
		f.count++
	} else {
		f.head = (f.head + 1) % f.capacity
	}

	for c := range f.clients {
		select {
		case c.msgs <- msg:
		default:
			go c.closeSlow()
		}
	}
	return nil
}

// Recent returns up to limit of the newest packets, oldest first. A limit
// of zero or less returns all of them.
func (f *Feed) Recent(limit int) []conversation.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]conversation.Packet, 0, n)
	for i := f.count - n; i < f.count; i++ {
		out = append(out, f.ring[(f.head+i)%f.capacity])
	}
	return out
}

// Clients returns the number of connected websocket clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every client. Later Publish calls return [ErrClosed].
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

// Register adds the feed routes to mux.
func (f *Feed) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /events", f.ServeEvents)
	mux.HandleFunc("GET /utterances", f.ServeRecent)
}

// ServeRecent writes the ring contents as a JSON array.
func (f *Feed) ServeRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(f.Recent(limit)); err != nil {
		slog.Debug("eventfeed: write recent", "err", err)
	}
}

// ServeEvents upgrades the request to a websocket and streams packets until
// the client leaves, falls behind or the feed closes.
func (f *Feed) ServeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: f.originPatterns,
	})
	if err != nil {
		slog.Debug("eventfeed: accept", "err", err)
		return
	}
	defer conn.CloseNow()

	replay, _ := strconv.ParseBool(r.URL.Query().Get("replay"))
	err = f.stream(r.Context(), conn, replay)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
	default:
		slog.Debug("eventfeed: client stream ended", "remote", r.RemoteAddr, "err", err)
	}
}

func (f *Feed) stream(ctx context.Context, conn *websocket.Conn, replay bool) error {
	c := &client{
		msgs: make(chan []byte, f.clientBuffer),
		closeSlow: func() {
			conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with utterances")
		},
	}

	// Registration and backlog snapshot happen under one lock so no packet
	// is both replayed and delivered live.
	var backlog []conversation.Packet
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return conn.Close(websocket.StatusGoingAway, "feed closed")
	}
	if replay {
		for i := 0; i < f.count; i++ {
			backlog = append(backlog, f.ring[(f.head+i)%f.capacity])
		}
	}
	f.metrics.EventFeedClients.Add(context.Background(), 1)
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	defer func() {
		f.metrics.EventFeedClients.Add(context.Background(), -1)
		f.mu.Lock()
		delete(f.clients, c)
		f.mu.Unlock()
	}()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the client goes away.
	ctx = conn.CloseRead(ctx)

	for _, p := range backlog {
		msg, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := f.write(ctx, conn, msg); err != nil {
			return err
		}
	}

	for {
		select {
		case msg := <-c.msgs:
			if err := f.write(ctx, conn, msg); err != nil {
				return err
			}
		case <-f.done:
			return conn.Close(websocket.StatusGoingAway, "feed closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Feed) write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, f.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
