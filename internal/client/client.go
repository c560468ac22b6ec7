package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/novalabs/novavoice/internal/audio"
	"github.com/novalabs/novavoice/internal/protocol"
)

// Config drives one client call. ServerURL points at the websocket
// endpoint (ws://host/v1/voice/ws).
type Config struct {
	ServerURL  string
	Credential string

	// FrameBytes is the PCM payload size per frame (default 3200,
	// ~100ms at 16kHz).
	FrameBytes int

	// Reconnection controller tuning. Grace bounds the total time spent
	// retrying before the call is abandoned.
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	ReconnectGrace time.Duration

	Logger zerolog.Logger
}

type EventType string

const (
	EventAudio      EventType = "audio"
	EventTranscript EventType = "transcript"
	EventError      EventType = "error"
	EventClosed     EventType = "closed"
)

// Event is one server-to-client occurrence observed on the call.
type Event struct {
	Type   EventType
	PCM    []byte
	Seq    uint32
	Text   string
	Final  bool
	Code   string
	Detail string
}

var (
	ErrAuthFailed  = errors.New("credential rejected")
	ErrRateLimited = errors.New("rate limited")
	ErrNotOpen     = errors.New("call is not open")
)

// Client is one voice call. Safe for one sender goroutine; the read
// pump and reconnection controller run internally.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	codec  audio.Codec

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	nextSeq   uint32
	closed    bool

	events chan Event
}

func New(cfg Config) *Client {
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 3200
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "client").Logger(),
		codec:  audio.NewCodec(1, 1<<20, 16000),
		events: make(chan Event, 256),
	}
}

// Connect dials the server, performs the first-message handshake, and
// starts the read pump. Events closes when the call is over.
func (c *Client) Connect(ctx context.Context) (<-chan Event, error) {
	conn, sessionID, err := c.handshake(ctx, "")
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.sessionID = sessionID
	c.mu.Unlock()

	go c.readPump(ctx)
	return c.events, nil
}

// SessionID reports the server-assigned session identifier.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SendPCM chunks raw PCM16LE mono audio into sequenced binary frames.
func (c *Client) SendPCM(pcm []byte) error {
	for off := 0; off < len(pcm); off += c.cfg.FrameBytes {
		end := off + c.cfg.FrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := c.sendFrame(pcm[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendFrame(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return ErrNotOpen
	}
	c.nextSeq++
	frame := c.codec.Encode(c.nextSeq, payload)
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// End requests a graceful close. The server drains in-flight synthesis
// and then drops the connection, which closes the event channel.
func (c *Client) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return ErrNotOpen
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(protocol.SessionEnd{Type: protocol.TypeSessionEnd})
}

// Close tears the transport down without a graceful drain.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// handshake dials and performs the session_start exchange. A non-empty
// resumeID asks the server to re-attach an existing session.
func (c *Client) handshake(ctx context.Context, resumeID string) (*websocket.Conn, string, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial: %w", err)
	}

	start := protocol.SessionStart{
		Type:       protocol.TypeSessionStart,
		Credential: c.cfg.Credential,
		SessionID:  resumeID,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("send session_start: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("handshake read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("handshake decode: %w", err)
	}
	switch env.Type {
	case protocol.TypeSessionStarted:
		var started protocol.SessionStarted
		if err := json.Unmarshal(data, &started); err != nil {
			conn.Close()
			return nil, "", err
		}
		return conn, started.SessionID, nil
	case protocol.TypeError:
		var errMsg protocol.ErrorMessage
		_ = json.Unmarshal(data, &errMsg)
		conn.Close()
		switch errMsg.Code {
		case protocol.CodeAuthFailed:
			return nil, "", ErrAuthFailed
		case protocol.CodeRateLimited:
			return nil, "", ErrRateLimited
		default:
			return nil, "", fmt.Errorf("handshake rejected: %s", errMsg.Code)
		}
	default:
		conn.Close()
		return nil, "", fmt.Errorf("unexpected handshake message %q", env.Type)
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer close(c.events)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if wasClosed {
				c.events <- Event{Type: EventClosed}
				return
			}
			if !c.resume(ctx) {
				c.events <- Event{Type: EventClosed, Code: protocol.CodeTransportDisconnected, Detail: "transport lost"}
				return
			}
			continue
		}

		switch msgType {
		case websocket.BinaryMessage:
			frame, err := c.codec.Decode(data)
			if err != nil {
				continue
			}
			c.events <- Event{Type: EventAudio, PCM: frame.PCM, Seq: frame.Seq}
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

func (c *Client) handleText(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	switch env.Type {
	case protocol.TypeTranscript:
		var tr protocol.Transcript
		if err := json.Unmarshal(data, &tr); err == nil {
			c.events <- Event{Type: EventTranscript, Text: tr.Text, Final: tr.Final}
		}
	case protocol.TypeError:
		var errMsg protocol.ErrorMessage
		if err := json.Unmarshal(data, &errMsg); err == nil {
			c.events <- Event{Type: EventError, Code: errMsg.Code, Detail: errMsg.Message}
		}
	case protocol.TypePing:
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = c.conn.WriteJSON(protocol.Pong{Type: protocol.TypePong})
		}
		c.mu.Unlock()
	}
}
