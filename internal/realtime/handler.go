package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Control events accepted from clients.
const (
	EventSubscribe      = "subscribe"
	EventUnsubscribe    = "unsubscribe"
	EventSubscribeJob   = "subscribe:job"
	EventUnsubscribeJob = "unsubscribe:job"
)

// Events the server sends besides job events.
const (
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventSnapshot     = "job:snapshot"
	EventError        = "error"
)

// Snapshotter reads the current job record.
type Snapshotter interface {
	Get(ctx context.Context, id string) (*job.Job, error)
}

// ControlData targets a job or a room.
type ControlData struct {
	JobID    string `json:"job_id,omitempty"`
	Room     string `json:"room,omitempty"`
	Snapshot bool   `json:"snapshot,omitempty"`
}

// ControlMessage is sent by clients.
type ControlMessage struct {
	Event string      `json:"event"`
	Data  ControlData `json:"data"`
}

// Frame is sent by the server.
type Frame struct {
	Event string `json:"event"`
	JobID string `json:"job_id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ErrorData is the payload of error frames.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandlerOptions configures the WebSocket endpoint.
type HandlerOptions struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	Logger         *slog.Logger
}

// Handler upgrades HTTP requests to WebSocket subscriptions. A job_id query
// parameter subscribes to that job with a snapshot right away.
type Handler struct {
	hub        *Hub
	jobs       Snapshotter
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	pongWait   time.Duration
	logger     *slog.Logger
}

// NewHandler builds the WebSocket endpoint.
func NewHandler(hub *Hub, jobs Snapshotter, opts HandlerOptions) *Handler {
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	h := &Handler{
		hub:        hub,
		jobs:       jobs,
		pingPeriod: ping,
		pongWait:   ping * 2,
		logger:     logging.NewComponentLogger(opts.Logger, "realtime"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

// ServeHTTP runs one connection until either side closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "ws_upgrade_failed"),
		)
		return
	}
	c := &connection{
		id:      "ws_" + gonanoid.Must(12),
		handler: h,
		conn:    conn,
		sub:     h.hub.Subscribe(),
		out:     make(chan outbound, 16),
		done:    make(chan struct{}),
	}
	c.logger = h.logger.With(logging.String("connection", c.id))
	c.logger.Debug("websocket connected", logging.String("remote", r.RemoteAddr))

	ctx := context.WithoutCancel(r.Context())
	if id := strings.TrimSpace(r.URL.Query().Get("job_id")); id != "" {
		c.handle(ctx, ControlMessage{Event: EventSubscribeJob, Data: ControlData{JobID: id, Snapshot: true}})
	}
	if room := strings.TrimSpace(r.URL.Query().Get("room")); room != "" {
		c.handle(ctx, ControlMessage{Event: EventSubscribe, Data: ControlData{Room: room}})
	}

	go c.writePump()
	c.readPump(ctx)
}

// outbound is queued for the writer: either a ready frame or a job whose
// snapshot the writer reads in order with the event stream.
type outbound struct {
	frame    Frame
	snapshot string
	ctx      context.Context
}

type connection struct {
	id      string
	handler *Handler
	conn    *websocket.Conn
	sub     *Subscription
	out     chan outbound
	done    chan struct{}
	logger  *slog.Logger
}

func (c *connection) readPump(ctx context.Context) {
	defer func() {
		close(c.done)
		c.sub.Close()
		_ = c.conn.Close()
		c.logger.Debug("websocket disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.handler.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.handler.pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", logging.Error(err))
			}
			return
		}
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(errorFrame("invalid_message", "control messages are JSON objects {event, data}"))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *connection) handle(ctx context.Context, msg ControlMessage) {
	topic := strings.TrimSpace(msg.Data.Room)
	jobID := strings.TrimSpace(msg.Data.JobID)
	if jobID != "" {
		topic = JobTopic(jobID)
	}

	switch msg.Event {
	case EventSubscribe, EventSubscribeJob:
		if topic == "" {
			c.send(errorFrame("invalid_message", "subscribe needs job_id or room"))
			return
		}
		// Subscribe before the snapshot is read so no committed mutation
		// falls between the two.
		c.sub.Add(topic)
		c.send(Frame{Event: EventSubscribed, JobID: jobID, Data: map[string]string{"topic": topic}})
		if jobID != "" && (msg.Data.Snapshot || msg.Event == EventSubscribeJob) {
			c.enqueue(outbound{snapshot: jobID, ctx: ctx})
		}
	case EventUnsubscribe, EventUnsubscribeJob:
		if topic == "" {
			c.send(errorFrame("invalid_message", "unsubscribe needs job_id or room"))
			return
		}
		c.sub.Remove(topic)
		c.send(Frame{Event: EventUnsubscribed, JobID: jobID, Data: map[string]string{"topic": topic}})
	default:
		c.send(errorFrame("unknown_event", "unknown control event "+msg.Event))
	}
}

// writeSnapshot runs on the writer so events are held while the record is
// read. covered[id] is set to the snapshot's updated_at; queued events at or
// before it are already reflected in the snapshot.
func (c *connection) writeSnapshot(ctx context.Context, id string, covered map[string]time.Time) error {
	if c.handler.jobs == nil {
		return nil
	}
	snap, err := c.handler.jobs.Get(ctx, id)
	if err != nil {
		code := "snapshot_failed"
		if errors.Is(err, services.ErrNotFound) {
			code = "not_found"
			c.sub.Remove(JobTopic(id))
		}
		return c.write(Frame{Event: EventError, JobID: id, Data: ErrorData{Code: code, Message: services.Details(err)}})
	}
	covered[id] = snap.UpdatedAt
	return c.write(Frame{Event: EventSnapshot, JobID: id, Data: snap})
}

func (c *connection) send(frame Frame) {
	c.enqueue(outbound{frame: frame})
}

func (c *connection) enqueue(item outbound) {
	select {
	case c.out <- item:
	case <-c.done:
	}
}

func errorFrame(code, message string) Frame {
	return Frame{Event: EventError, Data: ErrorData{Code: code, Message: message}}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.handler.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	covered := make(map[string]time.Time)
	for {
		select {
		case event, ok := <-c.sub.C():
			if !ok {
				c.closeFor(c.sub.Err())
				return
			}
			if at, ok := covered[event.JobID]; ok && !event.At.After(at) {
				continue
			}
			if err := c.write(Frame{Event: string(event.Type), JobID: event.JobID, Data: event.Data}); err != nil {
				return
			}
		case item := <-c.out:
			var err error
			if item.snapshot != "" {
				err = c.writeSnapshot(item.ctx, item.snapshot, covered)
			} else {
				err = c.write(item.frame)
			}
			if err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) write(frame Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.logger.Debug("websocket write failed", logging.Error(err))
		return err
	}
	return nil
}

// closeFor tells the client why its subscription ended before closing.
func (c *connection) closeFor(reason error) {
	if reason == nil {
		return
	}
	code := "closed"
	if errors.Is(reason, ErrSlowSubscriber) {
		code = "slow_subscriber"
	}
	_ = c.write(errorFrame(code, reason.Error()+"; reload the job snapshot"))
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, code))
}
