package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/novalabs/novavoice/internal/audio"
	"github.com/novalabs/novavoice/internal/billing"
	"github.com/novalabs/novavoice/internal/observability"
	"github.com/novalabs/novavoice/internal/protocol"
	"github.com/novalabs/novavoice/internal/session"
	"github.com/novalabs/novavoice/internal/store"
)

// OutboundAudio is a fully framed binary payload ready for the
// transport write pump.
type OutboundAudio struct {
	Data []byte
}

// pipelineError carries a taxonomy code for a session-fatal
// collaborator failure.
type pipelineError struct {
	code   string
	detail string
}

func (e pipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.detail)
}

// ErrorCode reports the protocol error code carried by a pipeline
// failure, if any.
func ErrorCode(err error) (string, bool) {
	var p pipelineError
	if errors.As(err, &p) {
		return p.code, true
	}
	return "", false
}

// errCapReached stops segment dispatch without ending the session in
// error; the cost-cap signal drives the close.
var errCapReached = errors.New("cost cap reached")

type Config struct {
	VoiceID      string
	Language     string
	HistoryLimit int
	DrainTimeout time.Duration
}

// Orchestrator runs the per-session pipeline: inbound frames through
// transcription, finalized fragments through generation, sentences
// through synthesis, frames back out.
type Orchestrator struct {
	registry *session.Registry
	meter    *billing.Meter
	recorder store.Recorder
	metrics  *observability.Metrics
	logger   zerolog.Logger
	codec    audio.Codec

	stt STTProvider
	gen GenProvider
	tts TTSProvider

	cfg Config
}

func NewOrchestrator(
	registry *session.Registry,
	meter *billing.Meter,
	recorder store.Recorder,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	codec audio.Codec,
	stt STTProvider,
	gen GenProvider,
	tts TTSProvider,
	cfg Config,
) *Orchestrator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 16
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 3 * time.Second
	}
	return &Orchestrator{
		registry: registry,
		meter:    meter,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		codec:    codec,
		stt:      stt,
		gen:      gen,
		tts:      tts,
		cfg:      cfg,
	}
}

// RunSession drives one transport attachment of a session. Inbound
// carries audio.Frame and parsed control messages; outbound carries
// protocol structs and OutboundAudio. Returning with the session still
// ACTIVE or RECONNECTING leaves it resumable; a CLOSING session is
// finished and persisted here.
func (o *Orchestrator) RunSession(ctx context.Context, rec session.Record, inbound <-chan any, outbound chan<- any) error {
	logger := o.logger.With().Str("session_id", rec.ID).Str("user_id", rec.UserID).Logger()

	sttStream, sttEvents, err := o.stt.StartStream(ctx, rec.ID, o.cfg.Language)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("stt", "start_stream").Inc()
		logger.Error().Err(err).Msg("transcription collaborator unreachable")
		o.send(ctx, outbound, protocol.NewError(protocol.CodeTranscriptionUnavailable, "transcription service unavailable"))
		o.closeOwned(ctx, rec, "transcription_unavailable")
		return pipelineError{code: protocol.CodeTranscriptionUnavailable, detail: err.Error()}
	}
	defer sttStream.Close()

	control := rec.Control()
	for {
		select {
		case <-ctx.Done():
			// Transport is gone; the record stays resumable.
			return ctx.Err()

		case sig := <-control:
			switch sig.Code {
			case session.SignalCostCapExceeded:
				o.send(ctx, outbound, protocol.NewError(protocol.CodeCostCapExceeded, "session cost cap reached"))
				o.closeOwned(ctx, rec, "cost_cap_exceeded")
				return nil
			case session.SignalEvicted:
				// The janitor already removed and persisted the record.
				logger.Info().Str("reason", sig.Detail).Msg("session evicted")
				return nil
			case session.SignalSuperseded:
				// A reconnect took the session over; it lives on under the
				// new handler's worker.
				logger.Info().Str("new_handler", sig.Detail).Msg("session superseded")
				return nil
			}

		case msg, ok := <-inbound:
			if !ok {
				// Read pump ended; the transport handler decides
				// between RECONNECTING and CLOSING.
				return nil
			}
			switch m := msg.(type) {
			case audio.Frame:
				if err := o.relayFrame(ctx, rec, m, sttStream); err != nil {
					o.send(ctx, outbound, protocol.NewError(protocol.CodeTranscriptionUnavailable, "transcription service unavailable"))
					o.closeOwned(ctx, rec, "transcription_unavailable")
					return err
				}
			case protocol.SessionEnd:
				o.closeOwned(ctx, rec, "client_close")
				return nil
			}

		case ev, ok := <-sttEvents:
			if !ok {
				o.send(ctx, outbound, protocol.NewError(protocol.CodeTranscriptionUnavailable, "transcription stream closed"))
				o.closeOwned(ctx, rec, "transcription_unavailable")
				return pipelineError{code: protocol.CodeTranscriptionUnavailable, detail: "stream closed"}
			}
			switch ev.Type {
			case STTEventPartial:
				_ = o.registry.SetPendingTranscript(rec.ID, ev.Text)
				o.send(ctx, outbound, protocol.Transcript{Type: protocol.TypeTranscript, Text: ev.Text, Final: false})
			case STTEventFinal:
				if strings.TrimSpace(ev.Text) == "" {
					continue
				}
				_ = o.registry.SetPendingTranscript(rec.ID, "")
				o.send(ctx, outbound, protocol.Transcript{Type: protocol.TypeTranscript, Text: ev.Text, Final: true})
				if err := o.meter.ChargeSTTSeconds(rec.ID, rec.Tier, ev.DurationSeconds); err != nil {
					logger.Warn().Err(err).Msg("stt charge failed")
				}
				if err := o.runTurn(ctx, rec, ev.Text, outbound); err != nil {
					var perr pipelineError
					if errors.As(err, &perr) {
						o.send(ctx, outbound, protocol.NewError(perr.code, "collaborator unavailable"))
						o.closeOwned(ctx, rec, strings.ToLower(perr.code))
					}
					return err
				}
			case STTEventError:
				o.metrics.ProviderErrors.WithLabelValues("stt", ev.Code).Inc()
				if ev.Retryable {
					logger.Warn().Str("code", ev.Code).Str("detail", ev.Detail).Msg("transient transcription error")
					continue
				}
				o.send(ctx, outbound, protocol.NewError(protocol.CodeTranscriptionUnavailable, "transcription service unavailable"))
				o.closeOwned(ctx, rec, "transcription_unavailable")
				return pipelineError{code: protocol.CodeTranscriptionUnavailable, detail: ev.Detail}
			}
		}
	}
}

// relayFrame validates and forwards one inbound frame. Frames are
// dropped (not relayed) when the session is not ACTIVE, the cost cap is
// reached, or the sequence number is not strictly increasing.
func (o *Orchestrator) relayFrame(ctx context.Context, rec session.Record, frame audio.Frame, sttStream STTStream) error {
	snap, err := o.registry.Get(rec.ID)
	if err != nil {
		return nil
	}
	if snap.HandlerID != rec.HandlerID {
		// A reconnect took the session over; this worker's frames no
		// longer belong in the sequence stream.
		o.metrics.FramesRejected.WithLabelValues("stale_handler").Inc()
		return nil
	}
	if snap.State != session.StateActive || snap.CostCapReached {
		o.metrics.FramesRejected.WithLabelValues("not_active").Inc()
		return nil
	}
	accepted, err := o.registry.AcceptInboundSeq(rec.ID, frame.Seq)
	if err != nil || !accepted {
		o.metrics.FramesRejected.WithLabelValues("stale_seq").Inc()
		return nil
	}
	o.metrics.AudioFrames.WithLabelValues("inbound").Inc()
	if err := sttStream.SendFrame(ctx, frame); err != nil {
		o.metrics.ProviderErrors.WithLabelValues("stt", "send_frame").Inc()
		return pipelineError{code: protocol.CodeTranscriptionUnavailable, detail: err.Error()}
	}
	return nil
}

// runTurn handles one finalized transcript fragment: generation streams
// tokens, completed sentences flush to synthesis immediately, and
// synthesized frames stream out as they arrive.
func (o *Orchestrator) runTurn(ctx context.Context, rec session.Record, userText string, outbound chan<- any) error {
	turnStart := time.Now()

	history, err := o.registry.History(rec.ID)
	if err != nil {
		return nil
	}
	messages := make([]Message, 0, len(history)+1)
	for _, turn := range history {
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, Message{Role: RoleUser, Content: userText})
	_ = o.registry.AppendTurn(rec.ID, session.Turn{Role: RoleUser, Content: userText}, o.cfg.HistoryLimit)

	genEvents, err := o.gen.Generate(ctx, messages)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("generation", "start").Inc()
		return pipelineError{code: protocol.CodeGenerationUnavailable, detail: err.Error()}
	}

	ttsStream, err := o.tts.StartStream(ctx, o.cfg.VoiceID)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("tts", "start").Inc()
		return pipelineError{code: protocol.CodeSynthesisUnavailable, detail: err.Error()}
	}
	defer ttsStream.Close()

	// Synthesized audio is framed and pushed out as it arrives; outbound
	// order follows dispatch order because this is the only writer.
	// pumpErr is written before pumpDone closes and read only after.
	pumpDone := make(chan struct{})
	var pumpErr error
	var firstAudio sync.Once
	go func() {
		defer close(pumpDone)
		for ev := range ttsStream.Events() {
			switch ev.Type {
			case TTSEventAudio:
				seq, err := o.registry.NextOutboundSeq(rec.ID)
				if err != nil {
					return
				}
				firstAudio.Do(func() {
					o.metrics.FirstAudioLatency.Observe(time.Since(turnStart).Seconds())
				})
				o.metrics.AudioFrames.WithLabelValues("outbound").Inc()
				o.send(ctx, outbound, OutboundAudio{Data: o.codec.Encode(seq, ev.PCM)})
				_ = o.registry.Touch(rec.ID)
			case TTSEventFinal:
				return
			case TTSEventError:
				o.metrics.ProviderErrors.WithLabelValues("tts", ev.Code).Inc()
				if ev.Retryable {
					continue
				}
				pumpErr = pipelineError{code: protocol.CodeSynthesisUnavailable, detail: ev.Detail}
				return
			}
		}
	}()

	seg := NewSentenceSegmenter()
	var assistant strings.Builder
	estimatedOut := 0
	capped := false
	var fatal error

genLoop:
	for {
		select {
		case <-ctx.Done():
			ttsStream.Close()
			<-pumpDone
			return ctx.Err()
		case ev, ok := <-genEvents:
			if !ok {
				break genLoop
			}
			switch ev.Type {
			case GenEventDelta:
				assistant.WriteString(ev.TextDelta)
				est := estimateTokens(ev.TextDelta)
				estimatedOut += est
				if err := o.meter.ChargeTokens(rec.ID, rec.Tier, 0, est); err != nil {
					break genLoop
				}
				for _, sentence := range seg.Push(ev.TextDelta) {
					if err := o.dispatchSegment(ctx, rec, ttsStream, sentence); err != nil {
						if errors.Is(err, errCapReached) {
							capped = true
						} else {
							fatal = err
						}
						break genLoop
					}
				}
			case GenEventDone:
				extraOut := ev.TokensOut - estimatedOut
				if extraOut < 0 {
					extraOut = 0
				}
				if err := o.meter.ChargeTokens(rec.ID, rec.Tier, ev.TokensIn, extraOut); err == nil {
					estimatedOut += extraOut
				}
				break genLoop
			case GenEventError:
				o.metrics.ProviderErrors.WithLabelValues("generation", ev.Code).Inc()
				fatal = pipelineError{code: protocol.CodeGenerationUnavailable, detail: ev.Detail}
				break genLoop
			}
		}
	}

	if fatal == nil && !capped {
		if rest := seg.Flush(); rest != "" {
			if err := o.dispatchSegment(ctx, rec, ttsStream, rest); err != nil && !errors.Is(err, errCapReached) {
				fatal = err
			}
		}
	}

	_ = ttsStream.CloseInput(ctx)
	select {
	case <-pumpDone:
	case <-time.After(o.cfg.DrainTimeout):
		ttsStream.Close()
		<-pumpDone
	}
	if fatal == nil && pumpErr != nil {
		fatal = pumpErr
	}

	if assistant.Len() > 0 {
		_ = o.registry.AppendTurn(rec.ID, session.Turn{Role: RoleAssistant, Content: assistant.String()}, o.cfg.HistoryLimit)
	}
	return fatal
}

// dispatchSegment reports the character count to the cost meter before
// requesting synthesis, so a cap breach stops the request from ever
// being made. A transport failure toward the synthesizer is
// session-fatal and surfaces as SYNTHESIS_UNAVAILABLE.
func (o *Orchestrator) dispatchSegment(ctx context.Context, rec session.Record, ttsStream TTSStream, sentence string) error {
	text := sanitizeSpeechText(sentence)
	if text == "" {
		return nil
	}
	if err := o.meter.ChargeTTSChars(rec.ID, rec.Tier, len(text)); err != nil {
		return errCapReached
	}
	snap, err := o.registry.Get(rec.ID)
	if err != nil || snap.CostCapReached {
		return errCapReached
	}
	if err := ttsStream.SendText(ctx, text); err != nil {
		o.metrics.ProviderErrors.WithLabelValues("tts", "send_text").Inc()
		return pipelineError{code: protocol.CodeSynthesisUnavailable, detail: err.Error()}
	}
	return nil
}

// closeOwned drains and finishes the session, but only while rec's
// handler still owns it; a superseded worker must not close the live
// session out from under the new handler.
func (o *Orchestrator) closeOwned(ctx context.Context, rec session.Record, reason string) {
	snap, err := o.registry.Get(rec.ID)
	if err != nil || snap.HandlerID != rec.HandlerID {
		return
	}
	o.registry.BeginClosing(rec.ID, reason)
	o.closeNow(ctx, rec.ID, reason)
}

// closeNow finishes a CLOSING session: removes it from the registry,
// persists the end record, and logs the audit line.
func (o *Orchestrator) closeNow(ctx context.Context, sessionID, reason string) {
	final, err := o.registry.Finish(sessionID)
	if err != nil {
		return
	}
	o.persistEnd(ctx, final, reason)
	o.metrics.SessionEvents.WithLabelValues("closed").Inc()
	o.metrics.ActiveSessions.Set(float64(o.registry.ActiveCount()))
}

// HandleEviction is the registry janitor hook: it persists and logs
// sessions removed by the background sweep.
func (o *Orchestrator) HandleEviction(rec session.Record, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.persistEnd(ctx, rec, reason)
	o.metrics.SessionEvents.WithLabelValues("evicted").Inc()
	o.metrics.ActiveSessions.Set(float64(o.registry.ActiveCount()))
}

func (o *Orchestrator) persistEnd(ctx context.Context, rec session.Record, reason string) {
	duration := time.Since(rec.StartedAt).Seconds()
	if err := o.recorder.RecordSessionEnd(ctx, store.EndRecord{
		SessionID:       rec.ID,
		UserID:          rec.UserID,
		Tier:            rec.Tier,
		Reason:          reason,
		DurationSeconds: duration,
		CostAccumulated: rec.CostAccumulated,
		EndedAt:         time.Now().UTC(),
	}); err != nil {
		o.logger.Error().Err(err).Str("session_id", rec.ID).Msg("persist session end failed")
	}
	o.logger.Info().
		Str("session_id", rec.ID).
		Str("user_id", rec.UserID).
		Str("reason", reason).
		Float64("duration_seconds", duration).
		Float64("cost_accumulated", rec.CostAccumulated).
		Msg("session ended")
}

func (o *Orchestrator) send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

// estimateTokens approximates streaming token usage at four characters
// per token; the done event reconciles against reported usage.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := (len(s) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
