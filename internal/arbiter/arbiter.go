// Package arbiter tracks, per session, whether the local recorder captures
// autonomously or a remote viewer is driving the conversation, and
// serializes the transitions between the two.
package arbiter

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrDriveConflict = errors.New("another viewer is driving")
	ErrNotDriving    = errors.New("viewer is not driving")
)

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// ModeChange is emitted exactly once per transition.
type ModeChange struct {
	SessionID string    `json:"sessionId"`
	Mode      Mode      `json:"mode"`
	At        time.Time `json:"at"`
}

// PresenceState is the ephemeral per-session view; it resets with the
// process.
type PresenceState struct {
	Mode             Mode      `json:"mode"`
	SubscriberCount  int       `json:"subscriberCount"`
	Driver           string    `json:"driver,omitempty"`
	LastModeChangeAt time.Time `json:"lastModeChangeAt,omitempty"`
}

type sessionState struct {
	mode        Mode
	driver      string
	subscribers map[string]struct{}
	lastChange  time.Time
}

// Arbiter serializes drive transitions. One mutex covers all sessions: the
// critical sections are tiny and a single serialization point is what rules
// out two viewers both winning a concurrent join.
type Arbiter struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	notify   func(ModeChange)
	now      func() time.Time
}

// New creates an Arbiter. notify receives every mode transition; it is
// called outside the lock and may be nil.
func New(notify func(ModeChange)) *Arbiter {
	return &Arbiter{
		sessions: map[string]*sessionState{},
		notify:   notify,
		now:      time.Now,
	}
}

func (a *Arbiter) session(sessionID string) *sessionState {
	state, ok := a.sessions[sessionID]
	if !ok {
		state = &sessionState{mode: ModeLocal, subscribers: map[string]struct{}{}}
		a.sessions[sessionID] = state
	}
	return state
}

// Subscribe registers a passive observer. It never changes the mode and
// never emits a ModeChange, no matter how often it is repeated.
func (a *Arbiter) Subscribe(sessionID, viewerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session(sessionID).subscribers[viewerID] = struct{}{}
}

func (a *Arbiter) Unsubscribe(sessionID, viewerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	delete(state.subscribers, viewerID)
}

// Join requests driving rights. The first joiner flips Local to Remote; a
// concurrent second joiner gets ErrDriveConflict, deterministically, never a
// silent second grant. Re-joining while already driving is a no-op.
func (a *Arbiter) Join(sessionID, viewerID string) error {
	a.mu.Lock()
	state := a.session(sessionID)
	state.subscribers[viewerID] = struct{}{}
	if state.driver != "" && state.driver != viewerID {
		a.mu.Unlock()
		return ErrDriveConflict
	}
	if state.driver == viewerID {
		a.mu.Unlock()
		return nil
	}
	state.driver = viewerID
	change := a.transitionLocked(sessionID, state, ModeRemote)
	a.mu.Unlock()
	a.emit(change)
	return nil
}

// Send carries intent to drive: it behaves as Join for a viewer that is not
// yet driving.
func (a *Arbiter) Send(sessionID, viewerID string) error {
	return a.Join(sessionID, viewerID)
}

// Leave drops a viewer entirely. If the viewer was driving, the session
// returns to Local exactly once, regardless of remaining passive
// subscribers.
func (a *Arbiter) Leave(sessionID, viewerID string) {
	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(state.subscribers, viewerID)
	var change *ModeChange
	if state.driver == viewerID {
		state.driver = ""
		change = a.transitionLocked(sessionID, state, ModeLocal)
	}
	a.mu.Unlock()
	a.emit(change)
}

// Release gives up driving rights without unsubscribing.
func (a *Arbiter) Release(sessionID, viewerID string) error {
	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	if !ok || state.driver != viewerID {
		a.mu.Unlock()
		return ErrNotDriving
	}
	state.driver = ""
	change := a.transitionLocked(sessionID, state, ModeLocal)
	a.mu.Unlock()
	a.emit(change)
	return nil
}

func (a *Arbiter) ModeOf(sessionID string) Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.sessions[sessionID]
	if !ok {
		return ModeLocal
	}
	return state.mode
}

func (a *Arbiter) Presence(sessionID string) PresenceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.sessions[sessionID]
	if !ok {
		return PresenceState{Mode: ModeLocal}
	}
	return PresenceState{
		Mode:             state.mode,
		SubscriberCount:  len(state.subscribers),
		Driver:           state.driver,
		LastModeChangeAt: state.lastChange,
	}
}

// transitionLocked flips the mode and returns the change to emit, or nil
// when the session is already in the target mode.
func (a *Arbiter) transitionLocked(sessionID string, state *sessionState, target Mode) *ModeChange {
	if state.mode == target {
		return nil
	}
	state.mode = target
	state.lastChange = a.now()
	return &ModeChange{SessionID: sessionID, Mode: target, At: state.lastChange}
}

func (a *Arbiter) emit(change *ModeChange) {
	if change == nil || a.notify == nil {
		return
	}
	a.notify(*change)
}
