package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrRateLimited  = errors.New("concurrent session cap reached for user")
	ErrCapacity     = errors.New("session registry at capacity")
	ErrUserMismatch = errors.New("session owned by a different user")
	ErrBadState     = errors.New("session state does not allow this operation")
	ErrNegativeCost = errors.New("cost delta must be non-negative")
)

type Options struct {
	MaxSessions    int
	MaxPerUser     int
	IdleTimeout    time.Duration
	ReconnectGrace time.Duration
}

// Registry is the concurrency-safe store of all live session records.
// It is the single shared-resource boundary: every insert, lookup,
// mutation, and eviction passes through its mutex.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*Record
	byUser   map[string]int
	onEvict  func(Record, string)
	now      func() time.Time
}

func NewRegistry(opts Options) *Registry {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 256
	}
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = 3
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.ReconnectGrace <= 0 {
		opts.ReconnectGrace = 30 * time.Second
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Record),
		byUser:   make(map[string]int),
		now:      time.Now,
	}
}

// SetEvictHook registers a callback invoked after the janitor removes a
// session (idle timeout or expired reconnect grace).
func (g *Registry) SetEvictHook(hook func(Record, string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEvict = hook
}

// Create inserts a new ACTIVE record after credential validation. It is
// rejected before insertion when the user's concurrent-session cap or
// the global capacity is already met.
func (g *Registry) Create(userID, tier, handlerID string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.sessions) >= g.opts.MaxSessions {
		return Record{}, ErrCapacity
	}
	if g.byUser[userID] >= g.opts.MaxPerUser {
		return Record{}, ErrRateLimited
	}

	now := g.now().UTC()
	r := &Record{
		ID:             uuid.NewString(),
		UserID:         userID,
		Tier:           tier,
		State:          StateActive,
		HandlerID:      handlerID,
		StartedAt:      now,
		LastActivityAt: now,
		control:        make(chan Signal, 4),
	}
	g.sessions[r.ID] = r
	g.byUser[userID]++
	return r.clone(), nil
}

func (g *Registry) Get(sessionID string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.clone(), nil
}

// Touch refreshes the activity timestamp; called on every successful
// transport read or write.
func (g *Registry) Touch(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	r.LastActivityAt = g.now().UTC()
	return nil
}

// Attach binds a new transport handler to an existing session. The
// previous handler's linkage is torn down first; identity must match
// the session owner.
func (g *Registry) Attach(sessionID, handlerID, userID string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.sessions[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if r.UserID != userID {
		return Record{}, ErrUserMismatch
	}
	switch r.State {
	case StateReconnecting:
		if g.now().After(r.graceDeadline) {
			g.evictLocked(r, "grace_expired")
			return Record{}, ErrNotFound
		}
	case StateActive:
		// Takeover: the replaced worker is told to stand down on its own
		// control channel, then the channel is rotated so the stale
		// worker can never consume signals meant for the new attachment.
		g.signalLocked(r, Signal{Code: SignalSuperseded, Detail: handlerID})
		r.control = make(chan Signal, 4)
	default:
		return Record{}, ErrBadState
	}

	r.State = StateActive
	r.HandlerID = handlerID
	r.graceDeadline = time.Time{}
	r.LastActivityAt = g.now().UTC()
	return r.clone(), nil
}

// Detach moves an ACTIVE session to RECONNECTING when its owning
// handler observes a transport disconnect. A stale handler (already
// replaced by a reconnect) has no effect.
func (g *Registry) Detach(sessionID, handlerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.sessions[sessionID]
	if !ok || r.HandlerID != handlerID || r.State != StateActive {
		return false
	}
	r.State = StateReconnecting
	r.HandlerID = ""
	r.graceDeadline = g.now().Add(g.opts.ReconnectGrace)
	return true
}

// BeginClosing transitions to CLOSING for a graceful drain. Returns
// false when the session is already closing, closed, or unknown.
func (g *Registry) BeginClosing(sessionID, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.sessions[sessionID]
	if !ok || !r.State.CanTransitionTo(StateClosing) {
		return false
	}
	r.State = StateClosing
	r.CloseReason = reason
	r.PendingTranscript = ""
	r.LastActivityAt = g.now().UTC()
	return true
}

// Finish moves a session to CLOSED and removes it from the registry,
// returning the final snapshot for persistence.
func (g *Registry) Finish(sessionID string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.sessions[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	r.State = StateClosed
	r.LastActivityAt = g.now().UTC()
	delete(g.sessions, sessionID)
	g.decUserLocked(r.UserID)
	return r.clone(), nil
}

// AddCost is the cost meter's serialized entry point; no other
// component may call it. Cost is monotonically non-decreasing. The
// first increment that crosses capDollars flips CostCapReached and
// emits a single COST_CAP_EXCEEDED signal.
func (g *Registry) AddCost(sessionID string, delta, capDollars float64) (float64, bool, error) {
	if delta < 0 {
		return 0, false, ErrNegativeCost
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.sessions[sessionID]
	if !ok {
		return 0, false, ErrNotFound
	}
	r.CostAccumulated += delta
	if !r.CostCapReached && capDollars > 0 && r.CostAccumulated >= capDollars {
		r.CostCapReached = true
		g.signalLocked(r, Signal{Code: SignalCostCapExceeded})
		return r.CostAccumulated, true, nil
	}
	return r.CostAccumulated, false, nil
}

// Signal delivers a session-fatal event to the session worker without
// blocking the caller.
func (g *Registry) Signal(sessionID string, sig Signal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	g.signalLocked(r, sig)
	return nil
}

// AcceptInboundSeq enforces strictly increasing inbound frame sequence
// numbers. Clients number frames from 1; frames at or below the last
// accepted sequence (duplicates after a resume) are reported as not
// accepted.
func (g *Registry) AcceptInboundSeq(sessionID string, seq uint32) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if seq <= r.LastInboundSeq {
		return false, nil
	}
	r.LastInboundSeq = seq
	r.LastActivityAt = g.now().UTC()
	return true, nil
}

// NextOutboundSeq hands out the next outbound frame sequence number.
func (g *Registry) NextOutboundSeq(sessionID string) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	seq := r.NextOutboundSeq
	r.NextOutboundSeq++
	return seq, nil
}

// SetPendingTranscript stores the latest unfinalized transcript
// fragment so it survives a reconnect.
func (g *Registry) SetPendingTranscript(sessionID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	r.PendingTranscript = text
	return nil
}

// AppendTurn extends the conversation context, keeping at most limit
// turns.
func (g *Registry) AppendTurn(sessionID string, turn Turn, limit int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	r.history = append(r.history, turn)
	if limit > 0 && len(r.history) > limit {
		r.history = r.history[len(r.history)-limit:]
	}
	return nil
}

// History returns a copy of the conversation context.
func (g *Registry) History(sessionID string) ([]Turn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Turn, len(r.history))
	copy(out, r.history)
	return out, nil
}

func (g *Registry) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, r := range g.sessions {
		if r.State == StateActive {
			count++
		}
	}
	return count
}

func (g *Registry) LiveCountForUser(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byUser[userID]
}

// StartJanitor runs the background sweep that evicts idle sessions and
// reconnecting sessions whose grace period has expired.
func (g *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

func (g *Registry) sweep() {
	now := g.now()

	type evicted struct {
		rec    Record
		reason string
	}
	var out []evicted

	g.mu.Lock()
	for _, r := range g.sessions {
		switch r.State {
		case StateActive, StateClosing:
			if now.Sub(r.LastActivityAt) >= g.opts.IdleTimeout {
				out = append(out, evicted{g.evictLocked(r, "idle_timeout"), "idle_timeout"})
			}
		case StateReconnecting:
			if now.After(r.graceDeadline) {
				out = append(out, evicted{g.evictLocked(r, "grace_expired"), "grace_expired"})
			}
		}
	}
	hook := g.onEvict
	g.mu.Unlock()

	if hook != nil {
		for _, e := range out {
			hook(e.rec, e.reason)
		}
	}
}

func (g *Registry) evictLocked(r *Record, reason string) Record {
	g.signalLocked(r, Signal{Code: SignalEvicted, Detail: reason})
	r.State = StateClosed
	r.CloseReason = reason
	delete(g.sessions, r.ID)
	g.decUserLocked(r.UserID)
	return r.clone()
}

func (g *Registry) signalLocked(r *Record, sig Signal) {
	select {
	case r.control <- sig:
	default:
		// The worker is already draining fatal signals; dropping a
		// duplicate is safe.
	}
}

func (g *Registry) decUserLocked(userID string) {
	if g.byUser[userID] > 1 {
		g.byUser[userID]--
		return
	}
	delete(g.byUser, userID)
}
