package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		MaxSessions:    8,
		MaxPerUser:     2,
		IdleTimeout:    time.Minute,
		ReconnectGrace: 30 * time.Second,
	}
}

func TestCreateGetFinish(t *testing.T) {
	g := NewRegistry(testOptions())
	r, err := g.Create("u1", "free", "h1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if r.ID == "" || r.State != StateActive || r.UserID != "u1" {
		t.Fatalf("unexpected record: %+v", r)
	}

	got, err := g.Get(r.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Tier != "free" || got.HandlerID != "h1" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	final, err := g.Finish(r.ID)
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if final.State != StateClosed {
		t.Fatalf("final state = %q, want CLOSED", final.State)
	}
	if _, err := g.Get(r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Finish error = %v, want ErrNotFound", err)
	}
	if g.LiveCountForUser("u1") != 0 {
		t.Fatalf("user count after Finish = %d, want 0", g.LiveCountForUser("u1"))
	}
}

func TestCreateEnforcesPerUserCap(t *testing.T) {
	g := NewRegistry(testOptions())
	if _, err := g.Create("u1", "free", "h1"); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if _, err := g.Create("u1", "free", "h2"); err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if _, err := g.Create("u1", "free", "h3"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third Create() error = %v, want ErrRateLimited", err)
	}
	// Another user is unaffected.
	if _, err := g.Create("u2", "free", "h4"); err != nil {
		t.Fatalf("other user Create() error = %v", err)
	}
}

func TestCreateEnforcesGlobalCapacity(t *testing.T) {
	opts := testOptions()
	opts.MaxSessions = 1
	g := NewRegistry(opts)
	if _, err := g.Create("u1", "free", "h1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := g.Create("u2", "free", "h2"); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Create() error = %v, want ErrCapacity", err)
	}
}

func TestDetachAttachResume(t *testing.T) {
	g := NewRegistry(testOptions())
	r, _ := g.Create("u1", "free", "h1")

	if !g.Detach(r.ID, "h1") {
		t.Fatalf("Detach() = false, want true")
	}
	got, _ := g.Get(r.ID)
	if got.State != StateReconnecting {
		t.Fatalf("state after Detach = %q, want RECONNECTING", got.State)
	}

	resumed, err := g.Attach(r.ID, "h2", "u1")
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if resumed.State != StateActive || resumed.HandlerID != "h2" {
		t.Fatalf("unexpected resumed record: %+v", resumed)
	}

	// The replaced handler's disconnect must not clobber the new one.
	if g.Detach(r.ID, "h1") {
		t.Fatalf("stale Detach() = true, want false")
	}
}

func TestAttachTakeoverRotatesControlChannel(t *testing.T) {
	g := NewRegistry(testOptions())
	r, _ := g.Create("u1", "free", "h1")

	taken, err := g.Attach(r.ID, "h2", "u1")
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if taken.HandlerID != "h2" || taken.State != StateActive {
		t.Fatalf("unexpected record after takeover: %+v", taken)
	}

	// The replaced worker is told to stand down on its own channel.
	select {
	case sig := <-r.Control():
		if sig.Code != SignalSuperseded || sig.Detail != "h2" {
			t.Fatalf("old channel signal = %+v, want SUPERSEDED by h2", sig)
		}
	default:
		t.Fatalf("replaced handler received no signal")
	}

	// A breach after the takeover lands only on the new attachment.
	if _, breached, _ := g.AddCost(r.ID, 2.0, 1.0); !breached {
		t.Fatalf("expected a cap breach")
	}
	select {
	case sig := <-r.Control():
		t.Fatalf("stale channel received %+v", sig)
	default:
	}
	select {
	case sig := <-taken.Control():
		if sig.Code != SignalCostCapExceeded {
			t.Fatalf("new channel signal = %+v", sig)
		}
	default:
		t.Fatalf("new attachment received no cost-cap signal")
	}
}

func TestAttachRejectsOtherUser(t *testing.T) {
	g := NewRegistry(testOptions())
	r, _ := g.Create("u1", "free", "h1")
	g.Detach(r.ID, "h1")

	if _, err := g.Attach(r.ID, "h2", "u2"); !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("Attach() error = %v, want ErrUserMismatch", err)
	}
}

func TestAttachAfterGraceExpiryEvicts(t *testing.T) {
	opts := testOptions()
	opts.ReconnectGrace = time.Millisecond
	g := NewRegistry(opts)
	r, _ := g.Create("u1", "free", "h1")
	g.Detach(r.ID, "h1")

	time.Sleep(5 * time.Millisecond)
	if _, err := g.Attach(r.ID, "h2", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Attach() error = %v, want ErrNotFound", err)
	}
	if _, err := g.Get(r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session still present")
	}
}

func TestAddCostMonotonicAndCap(t *testing.T) {
	g := NewRegistry(testOptions())
	r, _ := g.Create("u1", "free", "h1")

	if _, _, err := g.AddCost(r.ID, -0.01, 1.0); !errors.Is(err, ErrNegativeCost) {
		t.Fatalf("AddCost(negative) error = %v, want ErrNegativeCost", err)
	}

	total, breached, err := g.AddCost(r.ID, 0.40, 1.0)
	if err != nil || breached {
		t.Fatalf("AddCost() = (%v, %v, %v), want no breach", total, breached, err)
	}
	total, breached, err = g.AddCost(r.ID, 0.70, 1.0)
	if err != nil || !breached {
		t.Fatalf("AddCost() = (%v, %v, %v), want breach", total, breached, err)
	}
	if total < 1.0 {
		t.Fatalf("total = %v, want >= cap", total)
	}

	// The breach signal is emitted exactly once.
	select {
	case sig := <-r.Control():
		if sig.Code != SignalCostCapExceeded {
			t.Fatalf("signal code = %q, want %q", sig.Code, SignalCostCapExceeded)
		}
	default:
		t.Fatalf("expected a cost-cap signal")
	}

	if _, breached, _ := g.AddCost(r.ID, 0.10, 1.0); breached {
		t.Fatalf("second breach reported; want one-shot")
	}
	select {
	case sig := <-r.Control():
		t.Fatalf("unexpected extra signal %+v", sig)
	default:
	}

	got, _ := g.Get(r.ID)
	if !got.CostCapReached {
		t.Fatalf("CostCapReached = false after breach")
	}
}

func TestAcceptInboundSeqDropsDuplicates(t *testing.T) {
	g := NewRegistry(testOptions())
	r, _ := g.Create("u1", "free", "h1")

	for _, tc := range []struct {
		seq  uint32
		want bool
	}{
		{1, true},
		{2, true},
		{2, false},
		{1, false},
		{3, true},
	} {
		got, err := g.AcceptInboundSeq(r.ID, tc.seq)
		if err != nil {
			t.Fatalf("AcceptInboundSeq(%d) error = %v", tc.seq, err)
		}
		if got != tc.want {
			t.Fatalf("AcceptInboundSeq(%d) = %v, want %v", tc.seq, got, tc.want)
		}
	}
}

func TestNextOutboundSeqMonotonic(t *testing.T) {
	g := NewRegistry(testOptions())
	r, _ := g.Create("u1", "free", "h1")

	for want := uint32(0); want < 5; want++ {
		got, err := g.NextOutboundSeq(r.ID)
		if err != nil {
			t.Fatalf("NextOutboundSeq() error = %v", err)
		}
		if got != want {
			t.Fatalf("NextOutboundSeq() = %d, want %d", got, want)
		}
	}
}

func TestBeginClosingTransitions(t *testing.T) {
	g := NewRegistry(testOptions())
	r, _ := g.Create("u1", "free", "h1")

	if !g.BeginClosing(r.ID, "client_close") {
		t.Fatalf("BeginClosing() = false, want true")
	}
	got, _ := g.Get(r.ID)
	if got.State != StateClosing || got.CloseReason != "client_close" {
		t.Fatalf("unexpected record after BeginClosing: %+v", got)
	}
	if g.BeginClosing(r.ID, "again") {
		t.Fatalf("BeginClosing() on CLOSING session = true, want false")
	}
}

func TestJanitorEvictsIdleAndExpiredGrace(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 20 * time.Millisecond
	opts.ReconnectGrace = 20 * time.Millisecond
	g := NewRegistry(opts)

	evictions := make(chan string, 4)
	g.SetEvictHook(func(rec Record, reason string) {
		evictions <- rec.ID + ":" + reason
	})

	idle, _ := g.Create("u1", "free", "h1")
	dropped, _ := g.Create("u2", "free", "h2")
	g.Detach(dropped.ID, "h2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.After(time.Second)
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case e := <-evictions:
			seen[e] = true
		case <-deadline:
			t.Fatalf("janitor evicted %d sessions, want 2", len(seen))
		}
	}
	if !seen[idle.ID+":idle_timeout"] {
		t.Fatalf("idle session not evicted with idle_timeout: %v", seen)
	}
	if !seen[dropped.ID+":grace_expired"] {
		t.Fatalf("reconnecting session not evicted with grace_expired: %v", seen)
	}
}

func TestHistoryAndPendingTranscript(t *testing.T) {
	g := NewRegistry(testOptions())
	r, _ := g.Create("u1", "free", "h1")

	for i := 0; i < 5; i++ {
		if err := g.AppendTurn(r.ID, Turn{Role: "user", Content: "hi"}, 3); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}
	hist, err := g.History(r.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3 (limit applied)", len(hist))
	}

	if err := g.SetPendingTranscript(r.ID, "partial th"); err != nil {
		t.Fatalf("SetPendingTranscript() error = %v", err)
	}
	got, _ := g.Get(r.ID)
	if got.PendingTranscript != "partial th" {
		t.Fatalf("PendingTranscript = %q", got.PendingTranscript)
	}

	// CLOSING discards the pending fragment.
	g.BeginClosing(r.ID, "client_close")
	got, _ = g.Get(r.ID)
	if got.PendingTranscript != "" {
		t.Fatalf("PendingTranscript survived CLOSING: %q", got.PendingTranscript)
	}
}

func TestStateTransitionTable(t *testing.T) {
	legal := []struct {
		from, to State
	}{
		{StateConnecting, StateAuthenticating},
		{StateAuthenticating, StateActive},
		{StateAuthenticating, StateClosed},
		{StateActive, StateReconnecting},
		{StateActive, StateClosing},
		{StateReconnecting, StateActive},
		{StateReconnecting, StateClosed},
		{StateClosing, StateClosed},
	}
	for _, tc := range legal {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("%s -> %s should be legal", tc.from, tc.to)
		}
	}
	illegal := []struct {
		from, to State
	}{
		{StateConnecting, StateActive},
		{StateClosed, StateActive},
		{StateClosing, StateActive},
		{StateReconnecting, StateAuthenticating},
	}
	for _, tc := range illegal {
		if tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}
