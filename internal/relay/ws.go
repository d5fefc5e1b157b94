package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/sessionrelay/internal/arbiter"
)

// clientEventSchema validates every inbound viewer frame before the hub or
// arbiter sees it.
const clientEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {
			"type": "string",
			"enum": ["subscribe", "unsubscribe", "join", "send", "release", "queryLiveStatus"]
		},
		"sessionId": {"type": "string", "minLength": 1},
		"text": {"type": "string"}
	},
	"allOf": [
		{
			"if": {"properties": {"action": {"const": "queryLiveStatus"}}},
			"else": {"required": ["sessionId"]}
		},
		{
			"if": {"properties": {"action": {"const": "send"}}},
			"then": {"required": ["text"]}
		}
	]
}`

type clientEvent struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// SendHandler forwards a driving viewer's input toward the recorder. The
// recorder side is an external collaborator; the default handler only logs.
type SendHandler func(ctx context.Context, sessionID, viewerID, text string) error

type ServerConfig struct {
	WriteTimeout   time.Duration
	AllowedOrigins []string
	OnSend         SendHandler
	Logger         *slog.Logger
}

// Server bridges the websocket boundary to the Hub and Arbiter.
type Server struct {
	hub     *Hub
	arbiter *arbiter.Arbiter
	cfg     ServerConfig
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

func NewServer(hub *Hub, arb *arbiter.Arbiter, cfg ServerConfig) (*Server, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(clientEventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse client event schema: %w", err)
	}
	if err := compiler.AddResource("client-event.json", doc); err != nil {
		return nil, fmt.Errorf("add client event schema: %w", err)
	}
	schema, err := compiler.Compile("client-event.json")
	if err != nil {
		return nil, fmt.Errorf("compile client event schema: %w", err)
	}
	return &Server{hub: hub, arbiter: arb, cfg: cfg, schema: schema, logger: logger}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"droppedEvents": s.hub.DroppedEvents(),
		})
	case r.URL.Path == "/v1/live" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.hub.LiveStatus())
	case r.URL.Path == "/v1/ws":
		s.handleWebsocket(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	viewerID := uuid.NewString()
	defer s.teardown(viewerID, conn)

	ctx := r.Context()
	outbound := make(chan Event, 32)
	// dispatch is the only sender and runs in this goroutine, so closing on
	// exit is safe; it lets the merger's forward goroutine terminate. The
	// per-session hub channels are closed by UnsubscribeAll in teardown.
	defer close(outbound)
	merged := newEventMerger(outbound)
	go s.writeLoop(ctx, conn, merged.out)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket read ended", "viewer", viewerID, "error", err)
			}
			return
		}
		s.dispatch(ctx, viewerID, data, merged, outbound)
	}
}

func (s *Server) dispatch(ctx context.Context, viewerID string, data []byte, merged *eventMerger, outbound chan Event) {
	event, err := s.decode(data)
	if err != nil {
		offerEvent(outbound, Event{Type: EventError, Error: err.Error()})
		return
	}
	switch event.Action {
	case "subscribe":
		ch := s.hub.Subscribe(event.SessionID, viewerID)
		s.arbiter.Subscribe(event.SessionID, viewerID)
		merged.add(ch)
	case "unsubscribe":
		s.hub.Unsubscribe(event.SessionID, viewerID)
		s.arbiter.Unsubscribe(event.SessionID, viewerID)
	case "join":
		ch := s.hub.Subscribe(event.SessionID, viewerID)
		merged.add(ch)
		result := Event{Type: EventJoinResult, SessionID: event.SessionID, OK: true}
		if err := s.arbiter.Join(event.SessionID, viewerID); err != nil {
			result.OK = false
			result.Error = err.Error()
		}
		offerEvent(outbound, result)
	case "send":
		if err := s.arbiter.Send(event.SessionID, viewerID); err != nil {
			offerEvent(outbound, Event{Type: EventError, SessionID: event.SessionID, Error: err.Error()})
			return
		}
		if s.cfg.OnSend != nil {
			if err := s.cfg.OnSend(ctx, event.SessionID, viewerID, event.Text); err != nil {
				offerEvent(outbound, Event{Type: EventError, SessionID: event.SessionID, Error: err.Error()})
			}
		} else {
			s.logger.Info("viewer input with no recorder attached", "session", event.SessionID)
		}
	case "release":
		if err := s.arbiter.Release(event.SessionID, viewerID); err != nil {
			offerEvent(outbound, Event{Type: EventError, SessionID: event.SessionID, Error: err.Error()})
		}
	case "queryLiveStatus":
		offerEvent(outbound, s.hub.LiveStatus())
	}
}

func (s *Server) decode(data []byte) (clientEvent, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return clientEvent{}, fmt.Errorf("malformed frame: %w", err)
	}
	if err := s.schema.Validate(value); err != nil {
		return clientEvent{}, fmt.Errorf("invalid frame: %w", err)
	}
	var event clientEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return clientEvent{}, fmt.Errorf("malformed frame: %w", err)
	}
	return event, nil
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) teardown(viewerID string, conn *websocket.Conn) {
	for _, sessionID := range s.hub.UnsubscribeAll(viewerID) {
		s.arbiter.Leave(sessionID, viewerID)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// eventMerger funnels any number of per-session hub channels plus direct
// replies into one ordered stream for the write loop.
type eventMerger struct {
	out chan Event
}

func newEventMerger(direct chan Event) *eventMerger {
	m := &eventMerger{out: make(chan Event, 64)}
	go m.forward(direct)
	return m
}

func (m *eventMerger) add(ch <-chan Event) {
	go m.forward(ch)
}

func (m *eventMerger) forward(ch <-chan Event) {
	for event := range ch {
		offerEvent(m.out, event)
	}
}

// offerEvent enqueues without blocking, dropping the oldest queued event on
// overflow, same policy as the hub's per-viewer queues.
func offerEvent(ch chan Event, event Event) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
