package billing

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/novalabs/novavoice/internal/observability"
	"github.com/novalabs/novavoice/internal/session"
)

// Rates convert collaborator usage into dollars.
type Rates struct {
	STTPerSecond   float64
	GenPer1KTokIn  float64
	GenPer1KTokOut float64
	TTSPer1KChars  float64
}

// Meter accumulates STT seconds, generation tokens, and TTS characters
// into a running dollar estimate per session and enforces per-tier caps.
// It is the single writer of session cost: every mutation funnels
// through charge, which delegates to the registry's serialized AddCost.
type Meter struct {
	registry *session.Registry
	rates    Rates
	caps     map[string]float64
	defTier  string
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewMeter(registry *session.Registry, rates Rates, tierCaps map[string]float64, defaultTier string, metrics *observability.Metrics, logger zerolog.Logger) *Meter {
	caps := make(map[string]float64, len(tierCaps))
	for tier, capDollars := range tierCaps {
		caps[tier] = capDollars
	}
	return &Meter{
		registry: registry,
		rates:    rates,
		caps:     caps,
		defTier:  defaultTier,
		metrics:  metrics,
		logger:   logger.With().Str("component", "billing").Logger(),
	}
}

// CapFor resolves the per-session dollar cap for a tier, falling back
// to the default tier for unknown values.
func (m *Meter) CapFor(tier string) float64 {
	if capDollars, ok := m.caps[tier]; ok {
		return capDollars
	}
	return m.caps[m.defTier]
}

// ChargeSTTSeconds accounts transcribed audio duration.
func (m *Meter) ChargeSTTSeconds(sessionID, tier string, seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("negative stt seconds")
	}
	return m.charge(sessionID, tier, "stt", seconds*m.rates.STTPerSecond)
}

// ChargeTokens accounts generation usage. Reported as tokens stream,
// not only at turn completion.
func (m *Meter) ChargeTokens(sessionID, tier string, tokensIn, tokensOut int) error {
	if tokensIn < 0 || tokensOut < 0 {
		return fmt.Errorf("negative token count")
	}
	dollars := float64(tokensIn)/1000*m.rates.GenPer1KTokIn +
		float64(tokensOut)/1000*m.rates.GenPer1KTokOut
	return m.charge(sessionID, tier, "generation", dollars)
}

// ChargeTTSChars accounts synthesis input. Called immediately before a
// segment is dispatched so a cap breach is detected before synthesis is
// requested.
func (m *Meter) ChargeTTSChars(sessionID, tier string, chars int) error {
	if chars < 0 {
		return fmt.Errorf("negative character count")
	}
	return m.charge(sessionID, tier, "tts", float64(chars)/1000*m.rates.TTSPer1KChars)
}

func (m *Meter) charge(sessionID, tier, component string, dollars float64) error {
	total, breached, err := m.registry.AddCost(sessionID, dollars, m.CapFor(tier))
	if err != nil {
		return fmt.Errorf("charge %s: %w", component, err)
	}
	m.metrics.CostDollars.WithLabelValues(component).Add(dollars)
	if breached {
		m.metrics.CostCapBreaches.Inc()
		m.logger.Warn().
			Str("session_id", sessionID).
			Str("tier", tier).
			Float64("cost_accumulated", total).
			Float64("cap", m.CapFor(tier)).
			Msg("session cost cap exceeded")
	}
	return nil
}
