// Package relay fans new messages and presence changes out to subscribed
// viewers. It is the only component that pushes across the process boundary;
// everything upstream publishes fire-and-forget.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/sessionrelay/internal/arbiter"
	"github.com/agentworkforce/sessionrelay/internal/store"
)

const (
	EventNewMessage  = "newMessage"
	EventModeChanged = "modeChanged"
	EventLiveStatus  = "liveStatus"
	EventStaleData   = "staleData"
	EventJoinResult  = "joinResult"
	EventError       = "error"
)

// Event is one server-pushed frame. Delivery is at-least-once per viewer
// connection; viewers deduplicate on Message.UUID.
type Event struct {
	Type           string         `json:"type"`
	SessionID      string         `json:"sessionId,omitempty"`
	Message        *store.Message `json:"message,omitempty"`
	Mode           arbiter.Mode   `json:"mode,omitempty"`
	Stale          bool           `json:"stale,omitempty"`
	OnlineSessions []string       `json:"onlineSessions,omitempty"`
	Online         bool           `json:"online,omitempty"`
	OK             bool           `json:"ok,omitempty"`
	Error          string         `json:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp,omitempty"`
}

// LiveSource answers which sessions currently have an attached recorder.
type LiveSource interface {
	LiveSessions() []string
}

// StaleSource reports whether a session has known gaps or parked batches.
type StaleSource interface {
	IsStale(sessionID string) bool
}

type viewer struct {
	id string
	ch chan Event
}

// Hub routes events to per-viewer buffered queues. A slow viewer overflows
// its own queue, oldest event first; it never blocks the publisher or other
// viewers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*viewer
	buffer  int
	live    LiveSource
	stale   StaleSource
	now     func() time.Time
	dropped atomic.Uint64
}

type HubOptions struct {
	Buffer int
	Live   LiveSource
	Stale  StaleSource
}

func NewHub(opts HubOptions) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Hub{
		subs:   map[string]map[string]*viewer{},
		buffer: opts.Buffer,
		live:   opts.Live,
		stale:  opts.Stale,
		now:    time.Now,
	}
}

// Subscribe attaches a viewer to a session and returns its event channel.
// A viewer that is already subscribed keeps its existing channel.
func (h *Hub) Subscribe(sessionID, viewerID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	viewers, ok := h.subs[sessionID]
	if !ok {
		viewers = map[string]*viewer{}
		h.subs[sessionID] = viewers
	}
	if existing, ok := viewers[viewerID]; ok {
		return existing.ch
	}
	v := &viewer{id: viewerID, ch: make(chan Event, h.buffer)}
	viewers[viewerID] = v

	// First frame a new viewer sees: the stale-data indicator, when the
	// session has gaps or parked batches.
	if h.stale != nil && h.stale.IsStale(sessionID) {
		v.ch <- Event{Type: EventStaleData, SessionID: sessionID, Stale: true, Timestamp: h.now()}
	}
	return v.ch
}

func (h *Hub) Unsubscribe(sessionID, viewerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	viewers, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if v, ok := viewers[viewerID]; ok {
		close(v.ch)
		delete(viewers, viewerID)
	}
	if len(viewers) == 0 {
		delete(h.subs, sessionID)
	}
}

// UnsubscribeAll detaches a viewer from every session, for connection
// teardown.
func (h *Hub) UnsubscribeAll(viewerID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sessions []string
	for sessionID, viewers := range h.subs {
		if v, ok := viewers[viewerID]; ok {
			close(v.ch)
			delete(viewers, viewerID)
			sessions = append(sessions, sessionID)
		}
		if len(viewers) == 0 {
			delete(h.subs, sessionID)
		}
	}
	return sessions
}

// Publish fans an event out to every viewer of the session without ever
// blocking: a full viewer queue drops its oldest event to make room.
func (h *Hub) Publish(sessionID string, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now()
	}
	event.SessionID = sessionID
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.subs[sessionID] {
		h.offer(v, event)
	}
}

func (h *Hub) offer(v *viewer, event Event) {
	for {
		select {
		case v.ch <- event:
			return
		default:
		}
		select {
		case <-v.ch:
			h.dropped.Add(1)
		default:
		}
	}
}

// PublishMessage is the ingestion hook: the sync engine calls it for every
// newly committed message.
func (h *Hub) PublishMessage(sessionID string, msg store.Message) {
	h.Publish(sessionID, Event{Type: EventNewMessage, Message: &msg})
}

// PublishModeChange bridges arbiter transitions to viewers.
func (h *Hub) PublishModeChange(change arbiter.ModeChange) {
	h.Publish(change.SessionID, Event{Type: EventModeChanged, Mode: change.Mode, Timestamp: change.At})
}

// LiveStatus answers on demand, without waiting for the next push.
func (h *Hub) LiveStatus() Event {
	var sessions []string
	if h.live != nil {
		sessions = h.live.LiveSessions()
	}
	return Event{
		Type:           EventLiveStatus,
		OnlineSessions: sessions,
		Online:         len(sessions) > 0,
		Timestamp:      h.now(),
	}
}

// DroppedEvents counts events discarded because a viewer's queue was full.
// Monotonic over the life of the hub; surfaced on the health endpoint.
func (h *Hub) DroppedEvents() uint64 {
	return h.dropped.Load()
}

// SubscriberCount reports how many viewers watch a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
