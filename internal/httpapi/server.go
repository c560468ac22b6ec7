package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/novalabs/novavoice/internal/audio"
	"github.com/novalabs/novavoice/internal/auth"
	"github.com/novalabs/novavoice/internal/config"
	"github.com/novalabs/novavoice/internal/observability"
	"github.com/novalabs/novavoice/internal/protocol"
	"github.com/novalabs/novavoice/internal/session"
	"github.com/novalabs/novavoice/internal/voice"
)

// Orchestrator is what the transport needs from the pipeline layer.
type Orchestrator interface {
	RunSession(ctx context.Context, rec session.Record, inbound <-chan any, outbound chan<- any) error
	OneShot(ctx context.Context, userID, tier string, pcm []byte) (voice.OneShotResult, error)
}

// HealthPinger reports collaborator reachability for health checks.
type HealthPinger interface {
	Ping(ctx context.Context) error
}

const maxOneShotBodyBytes = 16 << 20

type Server struct {
	cfg          config.Config
	registry     *session.Registry
	validator    auth.Validator
	orchestrator Orchestrator
	genHealth    HealthPinger
	metrics      *observability.Metrics
	logger       zerolog.Logger
	codec        audio.Codec
	upgrader     websocket.Upgrader
}

func New(
	cfg config.Config,
	registry *session.Registry,
	validator auth.Validator,
	orchestrator Orchestrator,
	genHealth HealthPinger,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg:          cfg,
		registry:     registry,
		validator:    validator,
		orchestrator: orchestrator,
		genHealth:    genHealth,
		metrics:      metrics,
		logger:       logger.With().Str("component", "httpapi").Logger(),
		codec:        audio.NewCodec(cfg.FrameMinBytes, cfg.FrameMaxBytes, cfg.SampleRate),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default; a foreign
				// page must not be able to drive someone's mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Post("/v1/voice/chat", s.handleVoiceChat)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	generation := "not_configured"
	if s.genHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.genHealth.Ping(ctx); err != nil {
			generation = "unreachable"
		} else {
			generation = "ok"
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"generation":      generation,
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// OneShotResponse is the result of a full non-streaming exchange. The
// reply audio is a complete WAV clip.
type OneShotResponse struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	Reply     string `json:"reply"`
	AudioWAV  []byte `json:"audio_wav,omitempty"`
}

// handleVoiceChat runs the whole pipeline once over an uploaded PCM16LE
// mono clip. The credential travels as a bearer token since there is no
// websocket first-message here.
func (s *Server) handleVoiceChat(w http.ResponseWriter, r *http.Request) {
	credential := bearerToken(r)
	if credential == "" {
		respondError(w, http.StatusUnauthorized, protocol.CodeAuthFailed, "missing bearer credential")
		return
	}
	identity, err := s.validator.Validate(r.Context(), credential)
	if err != nil {
		respondError(w, http.StatusUnauthorized, protocol.CodeAuthFailed, "credential rejected")
		return
	}

	pcm, err := io.ReadAll(io.LimitReader(r.Body, maxOneShotBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	defer r.Body.Close()
	if len(pcm) < s.cfg.FrameMinBytes {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio payload too short")
		return
	}

	res, err := s.orchestrator.OneShot(r.Context(), identity.UserID, identity.Tier, pcm)
	if err != nil {
		s.respondOneShotError(w, err)
		return
	}

	wav, err := audio.EncodeWAVPCM16LE(res.PCM, s.cfg.SampleRate)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encode_failed", "could not encode reply audio")
		return
	}
	respondJSON(w, http.StatusOK, OneShotResponse{
		SessionID: res.SessionID,
		Prompt:    res.Prompt,
		Reply:     res.Reply,
		AudioWAV:  wav,
	})
}

func (s *Server) respondOneShotError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "concurrent session limit reached")
	case errors.Is(err, session.ErrCapacity):
		respondError(w, http.StatusServiceUnavailable, protocol.CodeRateLimited, "server at capacity")
	case errors.Is(err, voice.ErrNoSpeech):
		respondError(w, http.StatusUnprocessableEntity, "no_speech", "no speech recognized in audio")
	default:
		if code, ok := voice.ErrorCode(err); ok {
			status := http.StatusBadGateway
			if code == protocol.CodeCostCapExceeded {
				status = http.StatusPaymentRequired
			}
			respondError(w, status, code, "voice exchange failed")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", "voice exchange failed")
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
