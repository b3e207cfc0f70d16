package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"detectorpoll/internal/eventbus"
	logx "detectorpoll/pkg/logx"
)

// Gorilla chat-example timings.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	feedBuffer     = 256
)

// TypeSnapshot is the first frame on every feed connection.
const TypeSnapshot = "snapshot"

type feed struct {
	bus     eventbus.Bus
	sched   Scheduler
	log     logx.Logger
	ctx     context.Context // ends when the server stops
	clients atomic.Int64

	upgrader websocket.Upgrader
}

func newFeed(ctx context.Context, bus eventbus.Bus, sched Scheduler, log logx.Logger) *feed {
	f := &feed{bus: bus, sched: sched, log: log, ctx: ctx}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     sameOrigin,
	}
	return f
}

// sameOrigin accepts non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// feedFilter builds the subscription filter from ?job= and ?types=a,b.
func feedFilter(q url.Values) eventbus.Filter {
	jobID := strings.TrimSpace(q.Get("job"))
	var types []string
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	byJob := eventbus.ForJob(jobID)
	var byType eventbus.Filter
	if len(types) > 0 {
		byType = eventbus.OfType(types...)
	}
	return func(e eventbus.Event) bool {
		return (byJob == nil || byJob(e)) && (byType == nil || byType(e))
	}
}

func (f *feed) serve(w http.ResponseWriter, r *http.Request) {
	if f.bus == nil {
		http.Error(w, "live feed disabled", http.StatusServiceUnavailable)
		return
	}
	filter := feedFilter(r.URL.Query())
	jobID := strings.TrimSpace(r.URL.Query().Get("job"))

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		f.log.Debug("ws upgrade failed", logx.Err(err))
		return
	}

	events, unsubscribe := f.bus.Subscribe(feedBuffer, filter)
	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		events: events,
		log:    f.log.With(logx.String("client", r.RemoteAddr)),
	}
	n := f.clients.Add(1)
	c.log.Debug("ws client connected", logx.String("id", c.id), logx.String("job", jobID), logx.Int64("clients", n))

	snap := eventbus.Event{Type: TypeSnapshot, JobID: jobID, Time: time.Now()}
	if jobID != "" {
		if st, ok := f.sched.Status(jobID); ok {
			snap.Data = st
		}
	} else {
		snap.Data = f.sched.List()
	}

	readDone := make(chan struct{})
	go c.readPump(readDone)
	c.writePump(f.ctx, snap, readDone)

	unsubscribe()
	n = f.clients.Add(-1)
	c.log.Debug("ws client disconnected", logx.String("id", c.id), logx.Int64("clients", n))
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	events <-chan eventbus.Event
	log    logx.Logger
}

// readPump only services control frames; the feed is one-way.
func (c *wsClient) readPump(done chan<- struct{}) {
	defer close(done)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug("ws read error", logx.Err(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump(ctx context.Context, first eventbus.Event, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	if !c.write(first) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"))
			return
		case <-readDone:
			return
		case ev, ok := <-c.events:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(ev) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(ev eventbus.Event) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.log.Debug("ws write failed", logx.String("type", ev.Type), logx.Err(err))
		return false
	}
	return true
}
