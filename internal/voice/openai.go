package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/novalabs/novavoice/internal/reliability"
)

// GenConfig points the generation collaborator at any OpenAI-compatible
// chat endpoint (LM Studio, vLLM, or the hosted API).
type GenConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	SystemStyle string
}

type OpenAIGen struct {
	client      *openai.Client
	model       string
	temperature float32
	systemStyle string
}

func NewOpenAIGen(cfg GenConfig) *OpenAIGen {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if strings.TrimSpace(model) == "" {
		model = "default"
	}
	return &OpenAIGen{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: float32(cfg.Temperature),
		systemStyle: cfg.SystemStyle,
	}
}

// Generate streams response tokens for the given conversation. Usage is
// requested with the stream so the done event can carry authoritative
// token counts.
func (g *OpenAIGen) Generate(ctx context.Context, messages []Message) (<-chan GenEvent, error) {
	reqMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if strings.TrimSpace(g.systemStyle) != "" {
		reqMessages = append(reqMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: g.systemStyle,
		})
	}
	for _, m := range messages {
		reqMessages = append(reqMessages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    reqMessages,
		Temperature: g.temperature,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start generation stream: %w", err)
	}

	events := make(chan GenEvent, 64)
	go func() {
		defer close(events)
		defer stream.Close()

		var tokensIn, tokensOut int
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				events <- GenEvent{Type: GenEventDone, TokensIn: tokensIn, TokensOut: tokensOut}
				return
			}
			if err != nil {
				events <- GenEvent{
					Type:      GenEventError,
					Detail:    err.Error(),
					Retryable: retryableGenError(err),
				}
				return
			}
			if resp.Usage != nil {
				tokensIn = resp.Usage.PromptTokens
				tokensOut = resp.Usage.CompletionTokens
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content != "" {
					select {
					case events <- GenEvent{Type: GenEventDelta, TextDelta: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return events, nil
}

// Ping checks reachability of the generation endpoint for health
// reporting.
func (g *OpenAIGen) Ping(ctx context.Context) error {
	_, err := g.client.ListModels(ctx)
	return err
}

func retryableGenError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.RetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reliability.RetryableHTTPStatus(reqErr.HTTPStatusCode)
	}
	return false
}
