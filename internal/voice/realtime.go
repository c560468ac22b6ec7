package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/novalabs/novavoice/internal/audio"
	"github.com/novalabs/novavoice/internal/reliability"
)

// RealtimeConfig configures the websocket speech collaborators
// (ElevenLabs realtime API shape).
type RealtimeConfig struct {
	APIKey       string
	WSBaseURL    string
	STTModelID   string
	TTSModelID   string
	OutputFormat string
	SampleRate   int
}

// RealtimeProvider implements STTProvider and TTSProvider over duplex
// websocket streams to the speech service.
type RealtimeProvider struct {
	cfg RealtimeConfig
}

func NewRealtimeProvider(cfg RealtimeConfig) *RealtimeProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v2_realtime"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &RealtimeProvider{cfg: cfg}
}

func (p *RealtimeProvider) StartStream(ctx context.Context, _ string, language string) (STTStream, <-chan STTEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	events := make(chan STTEvent, 256)
	s := &realtimeSTTStream{
		conn:       conn,
		events:     events,
		done:       make(chan struct{}),
		sampleRate: p.cfg.SampleRate,
	}
	go s.readLoop()
	return s, events, nil
}

func (p *RealtimeProvider) TTS() TTSProvider { return realtimeTTSProvider{p} }

type realtimeTTSProvider struct{ p *RealtimeProvider }

func (r realtimeTTSProvider) StartStream(ctx context.Context, voiceID string) (TTSStream, error) {
	return r.p.startTTSStream(ctx, voiceID)
}

func (p *RealtimeProvider) startTTSStream(ctx context.Context, voiceID string) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.TTSModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &realtimeTTSStream{conn: conn, events: make(chan TTSEvent, 512), done: make(chan struct{})}
	go s.readLoop()
	// Prime the stream as the TTS websocket flow requires.
	_ = s.writeJSON(map[string]any{"text": " "})
	return s, nil
}

type realtimeSTTStream struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closeOnce  sync.Once
	events     chan STTEvent
	done       chan struct{}
	sampleRate int

	// pendingSeconds accumulates audio sent since the last final so the
	// final event can carry the duration it covers.
	secondsMu      sync.Mutex
	pendingSeconds float64
}

func (s *realtimeSTTStream) SendFrame(_ context.Context, frame audio.Frame) error {
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(frame.PCM),
		"sample_rate":   s.sampleRate,
	}

	s.secondsMu.Lock()
	s.pendingSeconds += float64(len(frame.PCM)/2) / float64(s.sampleRate)
	s.secondsMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *realtimeSTTStream) CloseInput(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]any{"message_type": "input_audio_chunk", "audio_base_64": "", "commit": true})
}

func (s *realtimeSTTStream) takePendingSeconds() float64 {
	s.secondsMu.Lock()
	defer s.secondsMu.Unlock()
	v := s.pendingSeconds
	s.pendingSeconds = 0
	return v
}

// readLoop is the sole owner of the events channel; Close unblocks the
// pending read by closing the conn.
func (s *realtimeSTTStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType, _ := raw["message_type"].(string)
		switch messageType {
		case "partial_transcript":
			text, _ := raw["text"].(string)
			if !s.emit(STTEvent{Type: STTEventPartial, Text: text}) {
				return
			}
		case "committed_transcript", "committed_transcript_with_timestamps":
			text, _ := raw["text"].(string)
			if !s.emit(STTEvent{Type: STTEventFinal, Text: text, DurationSeconds: s.takePendingSeconds()}) {
				return
			}
		case "session_started", "", "input_audio_chunk":
			// control chatter
		default:
			detail, _ := raw["error"].(string)
			ok := s.emit(STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    detail,
				Retryable: reliability.RetryableRealtimeMessageType(messageType),
			})
			if !ok {
				return
			}
		}
	}
}

func (s *realtimeSTTStream) emit(ev STTEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *realtimeSTTStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

type realtimeTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
	done      chan struct{}
}

func (s *realtimeTTSStream) SendText(_ context.Context, text string) error {
	return s.writeJSON(map[string]any{"text": text, "try_trigger_generation": true})
}

func (s *realtimeTTSStream) CloseInput(_ context.Context) error {
	// An empty text message ends the input stream.
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *realtimeTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *realtimeTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *realtimeTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

// readLoop is the sole owner of the events channel; Close unblocks the
// pending read by closing the conn.
func (s *realtimeTTSStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if encoded, _ := raw["audio"].(string); encoded != "" {
			pcm, err := base64.StdEncoding.DecodeString(encoded)
			if err == nil && len(pcm) > 0 {
				if !s.emit(TTSEvent{Type: TTSEventAudio, PCM: pcm}) {
					return
				}
			}
		}
		if final, _ := raw["isFinal"].(bool); final {
			if !s.emit(TTSEvent{Type: TTSEventFinal}) {
				return
			}
		}
		if errMsg, _ := raw["error"].(string); errMsg != "" {
			code, _ := raw["message_type"].(string)
			ok := s.emit(TTSEvent{
				Type:      TTSEventError,
				Code:      code,
				Detail:    errMsg,
				Retryable: reliability.RetryableRealtimeMessageType(code),
			})
			if !ok {
				return
			}
		}
	}
}

func (s *realtimeTTSStream) emit(ev TTSEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
