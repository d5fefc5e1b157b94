package relay

import (
	"testing"
	"time"

	"github.com/agentworkforce/sessionrelay/internal/arbiter"
	"github.com/agentworkforce/sessionrelay/internal/store"
)

type staticLive struct{ sessions []string }

func (s staticLive) LiveSessions() []string { return s.sessions }

type staticStale struct{ stale map[string]bool }

func (s staticStale) IsStale(sessionID string) bool { return s.stale[sessionID] }

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestPublishFansOutToAllViewers(t *testing.T) {
	h := NewHub(HubOptions{})
	one := h.Subscribe("s1", "viewer-1")
	two := h.Subscribe("s1", "viewer-2")
	other := h.Subscribe("s2", "viewer-3")

	h.PublishMessage("s1", store.Message{UUID: "m1", Sequence: 1})

	for name, ch := range map[string]<-chan Event{"viewer-1": one, "viewer-2": two} {
		events := drain(ch)
		if len(events) != 1 || events[0].Type != EventNewMessage || events[0].Message.UUID != "m1" {
			t.Fatalf("%s events = %+v", name, events)
		}
	}
	if events := drain(other); len(events) != 0 {
		t.Fatalf("viewer on other session got %+v", events)
	}
}

func TestSlowViewerDropsOldestNeverBlocks(t *testing.T) {
	h := NewHub(HubOptions{Buffer: 4})
	ch := h.Subscribe("s1", "slow")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			h.PublishMessage("s1", store.Message{UUID: string(rune('a' + i)), Sequence: int64(i + 1)})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow viewer")
	}

	events := drain(ch)
	if len(events) == 0 || len(events) > 4 {
		t.Fatalf("queued events = %d, want 1..4", len(events))
	}
	// Oldest events were dropped; the newest survives.
	last := events[len(events)-1]
	if last.Message.Sequence != 50 {
		t.Fatalf("newest sequence = %d, want 50", last.Message.Sequence)
	}
	// 50 publishes into a queue of 4: everything past the first fill
	// evicted one event each.
	if dropped := h.DroppedEvents(); dropped != 46 {
		t.Fatalf("dropped events = %d, want 46", dropped)
	}
}

func TestLiveStatusOnDemand(t *testing.T) {
	h := NewHub(HubOptions{Live: staticLive{sessions: []string{"s1", "s2"}}})
	status := h.LiveStatus()
	if status.Type != EventLiveStatus || !status.Online || len(status.OnlineSessions) != 2 {
		t.Fatalf("status = %+v", status)
	}

	empty := NewHub(HubOptions{Live: staticLive{}})
	status = empty.LiveStatus()
	if status.Online {
		t.Fatalf("offline hub reports online: %+v", status)
	}
}

func TestSubscribeStaleIndicator(t *testing.T) {
	h := NewHub(HubOptions{Stale: staticStale{stale: map[string]bool{"s1": true}}})
	ch := h.Subscribe("s1", "viewer-1")
	events := drain(ch)
	if len(events) != 1 || events[0].Type != EventStaleData || !events[0].Stale {
		t.Fatalf("events = %+v, want one staleData", events)
	}

	clean := h.Subscribe("s2", "viewer-1")
	if events := drain(clean); len(events) != 0 {
		t.Fatalf("clean session got %+v", events)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	h := NewHub(HubOptions{})
	h.Subscribe("s1", "viewer-1")
	h.Subscribe("s2", "viewer-1")
	h.Subscribe("s1", "viewer-2")

	sessions := h.UnsubscribeAll("viewer-1")
	if len(sessions) != 2 {
		t.Fatalf("sessions = %v, want 2 entries", sessions)
	}
	if h.SubscriberCount("s1") != 1 || h.SubscriberCount("s2") != 0 {
		t.Fatalf("counts = %d,%d", h.SubscriberCount("s1"), h.SubscriberCount("s2"))
	}
}

func TestPublishModeChange(t *testing.T) {
	h := NewHub(HubOptions{})
	ch := h.Subscribe("s1", "viewer-1")
	h.PublishModeChange(arbiter.ModeChange{SessionID: "s1", Mode: arbiter.ModeRemote, At: time.Now()})
	events := drain(ch)
	if len(events) != 1 || events[0].Type != EventModeChanged || events[0].Mode != arbiter.ModeRemote {
		t.Fatalf("events = %+v", events)
	}
}
