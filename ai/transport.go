package ai

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// SystemPrompt creates a system message.
func SystemPrompt(content string) Message {
	return Message{Role: openai.ChatMessageRoleSystem, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: openai.ChatMessageRoleUser, Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: openai.ChatMessageRoleAssistant, Content: content}
}

// AdviceRequest is the outbound payload for one advisor response. It is
// produced by the context builder; the transport treats it as opaque.
type AdviceRequest struct {
	Messages []Message
}

// Transport streams AI advisor responses as an ordered chunk sequence.
//
// The returned channel is closed after the terminal chunk. Cancelling
// ctx stops underlying network consumption.
type Transport interface {
	Stream(ctx context.Context, req *AdviceRequest) <-chan StreamChunk
}

// Config represents transport configuration.
type Config struct {
	Provider    string // deepseek, openai, siliconflow, dashscope, ollama
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
	Timeout     int     // request timeout in seconds (default: 120)
}

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.7
	defaultTimeout     = 120

	// streamTimeout bounds a single streamed response end to end.
	streamTimeout = 5 * time.Minute
)

type openAITransport struct {
	client      *openai.Client
	model       string
	provider    string
	maxTokens   int
	temperature float32
}

// NewTransport creates an OpenAI-protocol streaming transport.
func NewTransport(cfg *Config) (Transport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient(cfg.Timeout)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}

	return &openAITransport{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		provider:    cfg.Provider,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

// newHTTPClient builds an HTTP client with connection pooling tuned for
// long-lived streaming requests.
func newHTTPClient(timeoutSeconds int) *http.Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultTimeout
	}
	return &http.Client{
		Timeout: time.Duration(timeoutSeconds) * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

func (t *openAITransport) Stream(ctx context.Context, req *AdviceRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)

		ctx, cancel := context.WithTimeout(ctx, streamTimeout)
		defer cancel()

		chatReq := openai.ChatCompletionRequest{
			Model:       t.model,
			MaxTokens:   t.maxTokens,
			Temperature: t.temperature,
			Messages:    convertMessages(req.Messages),
			StreamOptions: &openai.StreamOptions{
				IncludeUsage: true,
			},
		}

		startTime := time.Now()
		slog.Debug("transport stream starting", "model", t.model, "messages", len(req.Messages))

		stream, err := t.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			slog.Error("transport failed to create stream", "error", err)
			emit(ctx, out, ChunkError{Err: fmt.Errorf("create stream failed: %w", err)})
			return
		}
		defer func() { _ = stream.Close() }()

		if !emit(ctx, out, ChunkStarted{}) {
			return
		}

		var (
			text          strings.Builder
			thinking      strings.Builder
			thinkingOpen  bool
			thinkingStart time.Time
			usage         *Usage
			chunkCount    int
		)

		// closeThinking emits ThinkingComplete once the reasoning
		// segment ends (first main-text delta or stream end).
		closeThinking := func() bool {
			if !thinkingOpen {
				return true
			}
			thinkingOpen = false
			return emit(ctx, out, ChunkThinkingComplete{
				Thinking: thinking.String(),
				TotalMs:  time.Since(thinkingStart).Milliseconds(),
			})
		}

		finish := func() {
			if !closeThinking() {
				return
			}
			slog.Debug("transport stream completed",
				"chunks", chunkCount,
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
			emit(ctx, out, ChunkComplete{FullText: text.String(), Usage: usage})
		}

		for {
			response, err := stream.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") {
					finish()
					return
				}
				slog.Error("transport stream receive error", "error", err, "chunks_so_far", chunkCount)
				emit(ctx, out, ChunkError{Err: fmt.Errorf("stream recv failed: %w", err)})
				return
			}

			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				usage = &Usage{
					Model:            t.model,
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
					TotalTokens:      response.Usage.TotalTokens,
				}
			}

			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta

			if delta.ReasoningContent != "" {
				if !thinkingOpen {
					thinkingOpen = true
					thinkingStart = time.Now()
				}
				thinking.WriteString(delta.ReasoningContent)
				chunkCount++
				if !emit(ctx, out, ChunkThinkingDelta{
					Text:      delta.ReasoningContent,
					ElapsedMs: time.Since(thinkingStart).Milliseconds(),
				}) {
					return
				}
			}

			if delta.Content != "" {
				if !closeThinking() {
					return
				}
				text.WriteString(delta.Content)
				chunkCount++
				if !emit(ctx, out, ChunkTextDelta{Text: delta.Content}) {
					return
				}
			}

			if response.Choices[0].FinishReason != "" {
				finish()
				return
			}
		}
	}()

	return out
}

// emit sends a chunk unless the context has been cancelled. Returns
// false when the consumer is gone.
func emit(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
