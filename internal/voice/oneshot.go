package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/novalabs/novavoice/internal/audio"
	"github.com/novalabs/novavoice/internal/protocol"
	"github.com/novalabs/novavoice/internal/session"
)

// ErrNoSpeech is returned by OneShot when transcription produced no
// usable text from the uploaded audio.
var ErrNoSpeech = errors.New("no speech recognized in audio")

// OneShotResult is one full request/response exchange: the recognized
// prompt, the generated reply, and the synthesized reply audio.
type OneShotResult struct {
	SessionID string
	Prompt    string
	Reply     string
	PCM       []byte
}

// OneShot runs the whole pipeline once over a complete audio clip. It
// creates an ephemeral session so the exchange is metered, capped, and
// persisted exactly like a streaming session.
func (o *Orchestrator) OneShot(ctx context.Context, userID, tier string, pcm []byte) (OneShotResult, error) {
	rec, err := o.registry.Create(userID, tier, "one-shot")
	if err != nil {
		return OneShotResult{}, err
	}
	defer func() {
		o.registry.BeginClosing(rec.ID, "one_shot")
		o.closeNow(context.WithoutCancel(ctx), rec.ID, "one_shot")
	}()

	prompt, err := o.oneShotTranscribe(ctx, rec, pcm)
	if err != nil {
		return OneShotResult{}, err
	}
	if prompt == "" {
		return OneShotResult{}, ErrNoSpeech
	}

	reply, err := o.oneShotGenerate(ctx, rec, prompt)
	if err != nil {
		return OneShotResult{}, err
	}

	replyPCM, err := o.oneShotSynthesize(ctx, rec, reply)
	if err != nil {
		return OneShotResult{}, err
	}

	return OneShotResult{
		SessionID: rec.ID,
		Prompt:    prompt,
		Reply:     reply,
		PCM:       replyPCM,
	}, nil
}

func (o *Orchestrator) oneShotTranscribe(ctx context.Context, rec session.Record, pcm []byte) (string, error) {
	sttStream, sttEvents, err := o.stt.StartStream(ctx, rec.ID, o.cfg.Language)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("stt", "start_stream").Inc()
		return "", pipelineError{code: protocol.CodeTranscriptionUnavailable, detail: err.Error()}
	}

	var (
		finals  []string
		seconds float64
		sttErr  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sttEvents {
			switch ev.Type {
			case STTEventFinal:
				if strings.TrimSpace(ev.Text) != "" {
					finals = append(finals, strings.TrimSpace(ev.Text))
				}
				seconds += ev.DurationSeconds
			case STTEventError:
				o.metrics.ProviderErrors.WithLabelValues("stt", ev.Code).Inc()
				if !ev.Retryable && sttErr == nil {
					sttErr = pipelineError{code: protocol.CodeTranscriptionUnavailable, detail: ev.Detail}
				}
			}
		}
	}()

	chunk := o.codec.MaxPayloadBytes
	if chunk <= 0 {
		chunk = 3200
	}
	seq := uint32(1)
	for off := 0; off < len(pcm); off += chunk {
		end := off + chunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := sttStream.SendFrame(ctx, audio.Frame{Seq: seq, PCM: pcm[off:end]}); err != nil {
			sttStream.Close()
			<-done
			return "", pipelineError{code: protocol.CodeTranscriptionUnavailable, detail: err.Error()}
		}
		seq++
	}
	_ = sttStream.CloseInput(ctx)

	select {
	case <-done:
	case <-time.After(o.cfg.DrainTimeout):
	case <-ctx.Done():
	}
	sttStream.Close()
	<-done

	if sttErr != nil {
		return "", sttErr
	}
	if seconds > 0 {
		if err := o.meter.ChargeSTTSeconds(rec.ID, rec.Tier, seconds); err != nil {
			o.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("stt charge failed")
		}
	}
	return strings.TrimSpace(strings.Join(finals, " ")), nil
}

func (o *Orchestrator) oneShotGenerate(ctx context.Context, rec session.Record, prompt string) (string, error) {
	_ = o.registry.AppendTurn(rec.ID, session.Turn{Role: RoleUser, Content: prompt}, o.cfg.HistoryLimit)

	genEvents, err := o.gen.Generate(ctx, []Message{{Role: RoleUser, Content: prompt}})
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("generation", "start").Inc()
		return "", pipelineError{code: protocol.CodeGenerationUnavailable, detail: err.Error()}
	}

	var reply strings.Builder
	var tokensIn, tokensOut int
	for ev := range genEvents {
		switch ev.Type {
		case GenEventDelta:
			reply.WriteString(ev.TextDelta)
		case GenEventDone:
			tokensIn, tokensOut = ev.TokensIn, ev.TokensOut
		case GenEventError:
			o.metrics.ProviderErrors.WithLabelValues("generation", ev.Code).Inc()
			return "", pipelineError{code: protocol.CodeGenerationUnavailable, detail: ev.Detail}
		}
	}
	if err := o.meter.ChargeTokens(rec.ID, rec.Tier, tokensIn, tokensOut); err != nil {
		o.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("token charge failed")
	}
	_ = o.registry.AppendTurn(rec.ID, session.Turn{Role: RoleAssistant, Content: reply.String()}, o.cfg.HistoryLimit)
	return strings.TrimSpace(reply.String()), nil
}

func (o *Orchestrator) oneShotSynthesize(ctx context.Context, rec session.Record, reply string) ([]byte, error) {
	text := sanitizeSpeechText(reply)
	if text == "" {
		return nil, nil
	}

	if err := o.meter.ChargeTTSChars(rec.ID, rec.Tier, len(text)); err != nil {
		return nil, pipelineError{code: protocol.CodeSynthesisUnavailable, detail: err.Error()}
	}
	if snap, err := o.registry.Get(rec.ID); err != nil || snap.CostCapReached {
		return nil, pipelineError{code: protocol.CodeCostCapExceeded, detail: "session cost cap reached"}
	}

	ttsStream, err := o.tts.StartStream(ctx, o.cfg.VoiceID)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("tts", "start").Inc()
		return nil, pipelineError{code: protocol.CodeSynthesisUnavailable, detail: err.Error()}
	}

	var out []byte
	var ttsErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ttsStream.Events() {
			switch ev.Type {
			case TTSEventAudio:
				out = append(out, ev.PCM...)
			case TTSEventFinal:
				return
			case TTSEventError:
				o.metrics.ProviderErrors.WithLabelValues("tts", ev.Code).Inc()
				if ttsErr == nil {
					ttsErr = pipelineError{code: protocol.CodeSynthesisUnavailable, detail: ev.Detail}
				}
				return
			}
		}
	}()

	if err := ttsStream.SendText(ctx, text); err != nil {
		ttsStream.Close()
		<-done
		return nil, pipelineError{code: protocol.CodeSynthesisUnavailable, detail: err.Error()}
	}
	_ = ttsStream.CloseInput(ctx)

	select {
	case <-done:
	case <-time.After(o.cfg.DrainTimeout):
	case <-ctx.Done():
	}
	ttsStream.Close()
	<-done

	if ttsErr != nil {
		return nil, ttsErr
	}
	return out, nil
}
