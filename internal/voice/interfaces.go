package voice

import (
	"context"

	"github.com/novalabs/novavoice/internal/audio"
)

// Collaborator interfaces for the three external streaming services.
// Each relay exposes a lazy event channel so backpressure and
// cancellation stay first-class.

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

type STTEvent struct {
	Type STTEventType
	Text string
	// DurationSeconds is the audio length covered by a final fragment.
	DurationSeconds float64
	Code            string
	Detail          string
	Retryable       bool
}

// STTStream accepts validated audio frames for one session. Streams are
// restartable per connection; a reconnect opens a fresh one.
type STTStream interface {
	SendFrame(ctx context.Context, frame audio.Frame) error
	CloseInput(ctx context.Context) error
	Close() error
}

type STTProvider interface {
	StartStream(ctx context.Context, sessionID, language string) (STTStream, <-chan STTEvent, error)
}

type GenEventType string

const (
	GenEventDelta GenEventType = "delta"
	GenEventDone  GenEventType = "done"
	GenEventError GenEventType = "error"
)

type GenEvent struct {
	Type      GenEventType
	TextDelta string
	// Usage fields are populated on the done event when the
	// collaborator reports them.
	TokensIn  int
	TokensOut int
	Code      string
	Detail    string
	Retryable bool
}

type GenProvider interface {
	Generate(ctx context.Context, messages []Message) (<-chan GenEvent, error)
}

type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type      TTSEventType
	PCM       []byte
	Code      string
	Detail    string
	Retryable bool
}

// TTSStream accepts sentence-granularity text segments and streams
// synthesized PCM back as it arrives.
type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, voiceID string) (TTSStream, error)
}
