package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/novalabs/novavoice/internal/protocol"
	"github.com/novalabs/novavoice/internal/session"
	"github.com/novalabs/novavoice/internal/voice"
)

const wsWriteTimeout = 10 * time.Second

// closeTransport is a writer-pump sentinel: everything queued before it
// has been written, so the connection can close cleanly.
type closeTransport struct{}

// handleVoiceWS upgrades the connection and gates it on a first-message
// credential. Audio frames are binary messages; everything else is a
// JSON text message.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	handlerID := uuid.NewString()
	rec, ok := s.authenticate(r.Context(), conn, handlerID)
	if !ok {
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))

	logger := s.logger.With().
		Str("session_id", rec.ID).
		Str("user_id", rec.UserID).
		Str("handler_id", handlerID).
		Logger()
	logger.Info().Str("tier", rec.Tier).Msg("session attached")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := s.orchestrator.RunSession(ctx, rec, inbound, outbound); err != nil &&
			!errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("session worker stopped")
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx, conn, outbound, cancel)
	}()

	// When the worker ends the session, flush whatever it queued and then
	// drop the transport so the read loop unblocks.
	go func() {
		<-runDone
		select {
		case outbound <- closeTransport{}:
		default:
			conn.Close()
		}
	}()

	// Liveness pings are control frames; gorilla allows them concurrently
	// with the writer goroutine.
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			}
		}
	}()

	s.readPump(ctx, conn, rec, inbound, outbound)

	// A transport drop leaves the session resumable; if the worker
	// already closed it, Detach is a no-op.
	if s.registry.Detach(rec.ID, handlerID) {
		s.metrics.SessionEvents.WithLabelValues("detached").Inc()
		logger.Info().Msg("transport lost, session reconnectable")
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	<-pingDone
	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
}

// authenticate enforces the first-message gate: a session_start with a
// valid credential must arrive before the deadline. A session_id on the
// message resumes a disconnected session within its grace window.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn, handlerID string) (session.Record, bool) {
	deny := func(code, message string) {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteJSON(protocol.NewError(code, message))
		s.metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeError)).Inc()
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthDeadline))
	msgType, data, err := conn.ReadMessage()
	if err != nil || msgType != websocket.TextMessage {
		deny(protocol.CodeAuthFailed, "session_start required before the deadline")
		return session.Record{}, false
	}

	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		deny(protocol.CodeAuthFailed, "first message must be session_start")
		return session.Record{}, false
	}
	start, ok := parsed.(protocol.SessionStart)
	if !ok {
		deny(protocol.CodeAuthFailed, "first message must be session_start")
		return session.Record{}, false
	}
	s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeSessionStart)).Inc()

	identity, err := s.validator.Validate(ctx, start.Credential)
	if err != nil {
		s.metrics.SessionEvents.WithLabelValues("auth_failed").Inc()
		deny(protocol.CodeAuthFailed, "credential rejected")
		return session.Record{}, false
	}
	tier := identity.Tier
	if tier == "" {
		tier = s.cfg.DefaultTier
	}

	var rec session.Record
	if start.SessionID != "" {
		rec, err = s.registry.Attach(start.SessionID, handlerID, identity.UserID)
		switch {
		case err == nil:
			s.metrics.SessionEvents.WithLabelValues("resumed").Inc()
		case errors.Is(err, session.ErrNotFound):
			// Grace expired or unknown id: fall through to a fresh session.
			rec, err = s.registry.Create(identity.UserID, tier, handlerID)
		default:
			deny(protocol.CodeAuthFailed, "session resume rejected")
			return session.Record{}, false
		}
	} else {
		rec, err = s.registry.Create(identity.UserID, tier, handlerID)
	}
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRateLimited):
			s.metrics.SessionEvents.WithLabelValues("rate_limited").Inc()
			deny(protocol.CodeRateLimited, "concurrent session limit reached")
		case errors.Is(err, session.ErrCapacity):
			s.metrics.SessionEvents.WithLabelValues("rate_limited").Inc()
			deny(protocol.CodeRateLimited, "server at capacity")
		default:
			deny(protocol.CodeAuthFailed, "could not start session")
		}
		return session.Record{}, false
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(protocol.SessionStarted{Type: protocol.TypeSessionStarted, SessionID: rec.ID}); err != nil {
		s.registry.Detach(rec.ID, handlerID)
		return session.Record{}, false
	}
	s.metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeSessionStarted)).Inc()
	s.metrics.SessionEvents.WithLabelValues("started").Inc()

	// Replay the unfinalized transcript so a resumed client does not lose
	// what transcription already heard.
	if rec.PendingTranscript != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteJSON(protocol.Transcript{Type: protocol.TypeTranscript, Text: rec.PendingTranscript, Final: false})
		s.metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeTranscript)).Inc()
	}
	return rec, true
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, outbound <-chan any, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			switch m := msg.(type) {
			case closeTransport:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				cancel()
				return
			case voice.OutboundAudio:
				if err := conn.WriteMessage(websocket.BinaryMessage, m.Data); err != nil {
					cancel()
					return
				}
			default:
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", t).Inc()
				}
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, rec session.Record, inbound chan<- any, outbound chan<- any) {
	readDeadline := 3 * s.cfg.HeartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		switch msgType {
		case websocket.BinaryMessage:
			frame, err := s.codec.Decode(data)
			if err != nil {
				s.metrics.FramesRejected.WithLabelValues("malformed").Inc()
				s.enqueue(outbound, protocol.NewError("invalid_frame", err.Error()))
				continue
			}
			select {
			case <-ctx.Done():
				return
			case inbound <- frame:
			}

		case websocket.TextMessage:
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				s.enqueue(outbound, protocol.NewError("invalid_client_message", err.Error()))
				continue
			}
			if t, ok := messageTypeOf(parsed); ok {
				s.metrics.WSMessages.WithLabelValues("inbound", t).Inc()
			}
			_ = s.registry.Touch(rec.ID)

			switch parsed.(type) {
			case protocol.Ping:
				s.enqueue(outbound, protocol.Pong{Type: protocol.TypePong})
			case protocol.Pong:
				// Client heartbeat reply; activity already touched.
			case protocol.SessionStart:
				s.enqueue(outbound, protocol.NewError("invalid_client_message", "session already started"))
			default:
				select {
				case <-ctx.Done():
					return
				case inbound <- parsed:
				}
			}
		}
	}
}

// enqueue drops instead of blocking; websocket writes stay
// single-threaded and a saturated client cannot stall the read loop.
func (s *Server) enqueue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		s.metrics.WSMessages.WithLabelValues("outbound", "dropped").Inc()
	}
}

func messageTypeOf(v any) (string, bool) {
	switch v.(type) {
	case protocol.SessionStart:
		return string(protocol.TypeSessionStart), true
	case protocol.SessionStarted:
		return string(protocol.TypeSessionStarted), true
	case protocol.SessionEnd:
		return string(protocol.TypeSessionEnd), true
	case protocol.Transcript:
		return string(protocol.TypeTranscript), true
	case protocol.ErrorMessage:
		return string(protocol.TypeError), true
	case protocol.Ping:
		return string(protocol.TypePing), true
	case protocol.Pong:
		return string(protocol.TypePong), true
	default:
		return "", false
	}
}
