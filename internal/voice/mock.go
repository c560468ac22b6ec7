package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/novalabs/novavoice/internal/audio"
)

// MockProvider is a scriptable in-process collaborator used by tests
// and as a fallback when no real providers are configured.
type MockProvider struct {
	// FinalEvery emits a final transcript after this many frames
	// (default 10).
	FinalEvery int
	// FinalText is the transcript reported on each final fragment.
	FinalText string
	// Replies is the scripted generation output, consumed per turn; the
	// last entry repeats once exhausted.
	Replies []string
	// Fail* make the corresponding collaborator unreachable.
	FailSTT bool
	FailGen bool
	FailTTS bool
	// FailTTSSend makes every synthesis dispatch fail at the transport.
	FailTTSSend bool
	// TTSErrorEvent, when non-empty, makes the synthesis stream report a
	// fatal stream error instead of audio.
	TTSErrorEvent string

	mu    sync.Mutex
	turns int
}

var errMockUnavailable = errors.New("mock collaborator unavailable")

func NewMockProvider() *MockProvider {
	return &MockProvider{
		FinalEvery: 10,
		FinalText:  "simulated voice input",
		Replies:    []string{"Hello there. How can I help?"},
	}
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ string) (STTStream, <-chan STTEvent, error) {
	if p.FailSTT {
		return nil, nil, errMockUnavailable
	}
	events := make(chan STTEvent, 64)
	s := &mockSTTStream{provider: p, events: events}
	return s, events, nil
}

func (p *MockProvider) Generate(_ context.Context, _ []Message) (<-chan GenEvent, error) {
	if p.FailGen {
		return nil, errMockUnavailable
	}

	p.mu.Lock()
	idx := p.turns
	if idx >= len(p.Replies) {
		idx = len(p.Replies) - 1
	}
	p.turns++
	reply := ""
	if idx >= 0 {
		reply = p.Replies[idx]
	}
	p.mu.Unlock()

	events := make(chan GenEvent, 64)
	go func() {
		defer close(events)
		tokensOut := 0
		for _, word := range splitKeepingSpace(reply) {
			tokensOut++
			events <- GenEvent{Type: GenEventDelta, TextDelta: word}
		}
		events <- GenEvent{Type: GenEventDone, TokensIn: len(reply) / 4, TokensOut: tokensOut}
	}()
	return events, nil
}

func (p *MockProvider) StartTTSStream(_ context.Context, _ string) (TTSStream, error) {
	if p.FailTTS {
		return nil, errMockUnavailable
	}
	s := &mockTTSStream{events: make(chan TTSEvent, 128), errorEvent: p.TTSErrorEvent}
	if p.FailTTSSend {
		s.sendErr = errMockUnavailable
	}
	return s, nil
}

// TTS adapts the provider to the TTSProvider interface without
// colliding with the STT StartStream signature.
func (p *MockProvider) TTS() TTSProvider { return mockTTSProvider{p} }

type mockTTSProvider struct{ p *MockProvider }

func (m mockTTSProvider) StartStream(ctx context.Context, voiceID string) (TTSStream, error) {
	return m.p.StartTTSStream(ctx, voiceID)
}

type mockSTTStream struct {
	provider *MockProvider
	mu       sync.Mutex
	events   chan STTEvent
	frames   int
	seconds  float64
	closed   bool
}

func (s *mockSTTStream) SendFrame(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.frames++
	s.seconds += float64(len(frame.PCM)/2) / 16000
	s.events <- STTEvent{Type: STTEventPartial, Text: "..."}

	every := s.provider.FinalEvery
	if every <= 0 {
		every = 10
	}
	if s.frames%every == 0 {
		s.events <- STTEvent{Type: STTEventFinal, Text: s.provider.FinalText, DurationSeconds: s.seconds}
		s.seconds = 0
	}
	return nil
}

func (s *mockSTTStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.seconds > 0 {
		s.events <- STTEvent{Type: STTEventFinal, Text: s.provider.FinalText, DurationSeconds: s.seconds}
		s.seconds = 0
	}
	return nil
}

func (s *mockSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type mockTTSStream struct {
	mu         sync.Mutex
	events     chan TTSEvent
	closed     bool
	sendErr    error
	errorEvent string
}

func (s *mockTTSStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.closed || text == "" {
		return nil
	}
	if s.errorEvent != "" {
		s.events <- TTSEvent{Type: TTSEventError, Code: "stream_error", Detail: s.errorEvent}
		return nil
	}
	// One synthesized chunk per segment: the text bytes stand in for PCM.
	s.events <- TTSEvent{Type: TTSEventAudio, PCM: []byte(text)}
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventFinal}
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func splitKeepingSpace(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == ' ' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
