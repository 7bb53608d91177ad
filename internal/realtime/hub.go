package realtime

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/logging"
)

var (
	// ErrSlowSubscriber closes a subscription whose buffer overflowed.
	ErrSlowSubscriber = errors.New("subscriber dropped: buffer full")
	// ErrHubClosed closes subscriptions when the hub shuts down.
	ErrHubClosed = errors.New("realtime hub closed")
)

const (
	jobPrefix    = "job:"
	tenantPrefix = "tenant:"
	lanePrefix   = "lane:"
)

// JobTopic is the topic carrying one job's events. The prefix keeps job ids
// apart from tenant and lane rooms.
func JobTopic(id string) string { return jobPrefix + strings.TrimSpace(id) }

// TenantTopic carries every job of tenant.
func TenantTopic(tenant string) string { return tenantPrefix + strings.TrimSpace(tenant) }

// LaneTopic carries every job routed to lane.
func LaneTopic(lane job.Lane) string { return lanePrefix + string(lane) }

// EventTopics returns the topics event is published on.
func EventTopics(event job.Event) []string {
	topics := []string{JobTopic(event.JobID)}
	if event.TenantID != "" {
		topics = append(topics, TenantTopic(event.TenantID))
	}
	if event.Lane != "" {
		topics = append(topics, LaneTopic(event.Lane))
	}
	return topics
}

// Stats summarizes hub activity.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Topics      int   `json:"topics"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Hub routes events to subscriptions by topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	subs   map[*Subscription]struct{}
	closed bool

	buffer    int
	logger    *slog.Logger
	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub builds a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: logging.NewComponentLogger(logger, "realtime"),
	}
}

// Subscribe registers a subscription on topics. More topics can be added
// later. The caller must Close it.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		hub:    h,
		ch:     make(chan job.Event, h.buffer),
		topics: make(map[string]struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.shutdown(ErrHubClosed)
		return sub
	}
	h.subs[sub] = struct{}{}
	for _, topic := range topics {
		h.addLocked(sub, topic)
	}
	h.mu.Unlock()
	return sub
}

func (h *Hub) addLocked(sub *Subscription, topic string) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.topics[topic] = set
	}
	set[sub] = struct{}{}
	sub.topics[topic] = struct{}{}
}

func (h *Hub) removeLocked(sub *Subscription, topic string) {
	if set, ok := h.topics[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(sub.topics, topic)
}

// Publish delivers event to every subscription on its topics, at most once
// per subscription. It never blocks.
func (h *Hub) Publish(event job.Event) {
	h.published.Add(1)
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	var targets []*Subscription
	seen := make(map[*Subscription]struct{})
	for _, topic := range EventTopics(event) {
		for sub := range h.topics[topic] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if sub.deliver(event) {
			continue
		}
		h.dropped.Add(1)
		h.logger.Warn("slow subscriber dropped",
			logging.String(logging.FieldJobID, event.JobID),
			logging.Int("buffer", h.buffer),
			logging.String(logging.FieldEventType, "subscriber_dropped"),
			logging.String(logging.FieldErrorHint, "client must reconcile from the job snapshot"),
			logging.String(logging.FieldImpact, "subscriber stops receiving events"),
		)
		sub.closeWith(ErrSlowSubscriber)
	}
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Subscribers: len(h.subs),
		Topics:      len(h.topics),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close shuts every subscription down. Later Subscribe calls return closed
// subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscription]struct{})
	h.topics = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown(ErrHubClosed)
	}
}

func (h *Hub) detach(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range sub.topics {
		h.removeLocked(sub, topic)
	}
	delete(h.subs, sub)
}

// Subscription receives events for its topics until closed.
type Subscription struct {
	hub    *Hub
	ch     chan job.Event
	topics map[string]struct{} // guarded by hub.mu

	mu     sync.Mutex
	closed bool
	err    error
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan job.Event { return s.ch }

// Err reports why the subscription ended: nil after Close, ErrSlowSubscriber
// or ErrHubClosed otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Add subscribes to more topics.
func (s *Subscription) Add(topics ...string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.isClosed() || s.hub.closed {
		return
	}
	for _, topic := range topics {
		s.hub.addLocked(s, topic)
	}
}

// Remove unsubscribes from topics.
func (s *Subscription) Remove(topics ...string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for _, topic := range topics {
		s.hub.removeLocked(s, strings.TrimSpace(topic))
	}
}

// Topics lists the current topics, sorted.
func (s *Subscription) Topics() []string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeWith(nil)
}

// closeWith marks the subscription closed before detaching it, so an Add
// racing with close either lands before detach or sees closed.
func (s *Subscription) closeWith(reason error) {
	if !s.shutdown(reason) {
		return
	}
	s.hub.detach(s)
}

// shutdown reports whether this call closed the subscription.
func (s *Subscription) shutdown(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = reason
	close(s.ch)
	return true
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver reports false when the buffer is full.
func (s *Subscription) deliver(event job.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}
