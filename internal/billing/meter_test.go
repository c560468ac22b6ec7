package billing

import (
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/novalabs/novavoice/internal/observability"
	"github.com/novalabs/novavoice/internal/session"
)

func newTestMeter(t *testing.T, caps map[string]float64) (*Meter, *session.Registry) {
	t.Helper()
	g := session.NewRegistry(session.Options{
		MaxSessions:    8,
		MaxPerUser:     3,
		IdleTimeout:    time.Minute,
		ReconnectGrace: time.Minute,
	})
	rates := Rates{
		STTPerSecond:   0.001,
		GenPer1KTokIn:  0.5,
		GenPer1KTokOut: 1.5,
		TTSPer1KChars:  15.0,
	}
	metrics := observability.NewMetricsWith("novavoice", prometheus.NewRegistry())
	m := NewMeter(g, rates, caps, "free", metrics, zerolog.Nop())
	return m, g
}

func TestChargeAccumulatesAllComponents(t *testing.T) {
	m, g := newTestMeter(t, map[string]float64{"free": 100})
	r, _ := g.Create("u1", "free", "h1")

	if err := m.ChargeSTTSeconds(r.ID, "free", 10); err != nil {
		t.Fatalf("ChargeSTTSeconds() error = %v", err)
	}
	if err := m.ChargeTokens(r.ID, "free", 1000, 2000); err != nil {
		t.Fatalf("ChargeTokens() error = %v", err)
	}
	if err := m.ChargeTTSChars(r.ID, "free", 1000); err != nil {
		t.Fatalf("ChargeTTSChars() error = %v", err)
	}

	got, _ := g.Get(r.ID)
	want := 10*0.001 + 0.5 + 2*1.5 + 15.0
	if math.Abs(got.CostAccumulated-want) > 1e-9 {
		t.Fatalf("CostAccumulated = %v, want %v", got.CostAccumulated, want)
	}
	if got.CostCapReached {
		t.Fatalf("CostCapReached under cap")
	}
}

func TestChargeRejectsNegativeUsage(t *testing.T) {
	m, g := newTestMeter(t, map[string]float64{"free": 1})
	r, _ := g.Create("u1", "free", "h1")

	if err := m.ChargeSTTSeconds(r.ID, "free", -1); err == nil {
		t.Fatalf("negative seconds accepted")
	}
	if err := m.ChargeTokens(r.ID, "free", -1, 0); err == nil {
		t.Fatalf("negative tokens accepted")
	}
	if err := m.ChargeTTSChars(r.ID, "free", -1); err == nil {
		t.Fatalf("negative chars accepted")
	}
}

func TestCapBreachSignalsOnce(t *testing.T) {
	m, g := newTestMeter(t, map[string]float64{"free": 0.01})
	r, _ := g.Create("u1", "free", "h1")

	// 1000 chars at $15/1k crosses a one-cent cap immediately.
	if err := m.ChargeTTSChars(r.ID, "free", 1000); err != nil {
		t.Fatalf("ChargeTTSChars() error = %v", err)
	}
	select {
	case sig := <-r.Control():
		if sig.Code != session.SignalCostCapExceeded {
			t.Fatalf("signal = %+v, want cost cap code", sig)
		}
	default:
		t.Fatalf("expected cost-cap signal")
	}

	if err := m.ChargeTTSChars(r.ID, "free", 1000); err != nil {
		t.Fatalf("second charge error = %v", err)
	}
	select {
	case sig := <-r.Control():
		t.Fatalf("unexpected second signal %+v", sig)
	default:
	}
}

func TestCapForFallsBackToDefaultTier(t *testing.T) {
	m, _ := newTestMeter(t, map[string]float64{"free": 0.5, "pro": 10})
	if got := m.CapFor("pro"); got != 10 {
		t.Fatalf("CapFor(pro) = %v, want 10", got)
	}
	if got := m.CapFor("mystery"); got != 0.5 {
		t.Fatalf("CapFor(mystery) = %v, want default tier cap", got)
	}
}
