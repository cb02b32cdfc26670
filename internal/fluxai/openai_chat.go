package fluxai

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ferro-labs/fluxguard/internal/metrics"
)

// OpenAIChat completes chat requests against an OpenAI-compatible endpoint.
// Attachments and mode are Flux-specific and are not forwarded; the preamble
// becomes a leading system message.
type OpenAIChat struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAIChat creates an OpenAI-compatible chat backend. baseURL may be
// empty for the public OpenAI API. SDK-level retries are disabled because the
// Flux client already retries.
func NewOpenAIChat(apiKey, baseURL, defaultModel string, hc *http.Client) *OpenAIChat {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if hc != nil {
		opts = append(opts, option.WithHTTPClient(hc))
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIChat{client: openai.NewClient(opts...), defaultModel: defaultModel}
}

// Complete implements ChatBackend.
func (o *OpenAIChat) Complete(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req),
		Model:    model,
	}

	start := time.Now()
	completion, err := o.client.Chat.Completions.New(ctx, params)
	metrics.RemoteRequestDuration.WithLabelValues(string(OpChatCompletion)).Observe(time.Since(start).Seconds())
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			metrics.RemoteRequests.WithLabelValues(string(OpChatCompletion), strconv.Itoa(apiErr.StatusCode)).Inc()
			return nil, &APIError{Operation: OpChatCompletion, StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
		}
		metrics.RemoteRequests.WithLabelValues(string(OpChatCompletion), "transport_error").Inc()
		return nil, err
	}
	metrics.RemoteRequests.WithLabelValues(string(OpChatCompletion), "success").Inc()

	resp := &ChatCompletionResponse{
		ID:      completion.ID,
		Created: completion.Created,
		Model:   completion.Model,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		Success: true,
	}
	for i, choice := range completion.Choices {
		resp.Choices = append(resp.Choices, Choice{
			Index:        i,
			Message:      Message{Role: string(choice.Message.Role), Content: choice.Message.Content},
			FinishReason: string(choice.FinishReason),
		})
	}
	return resp, nil
}

func buildOpenAIMessages(req *ChatCompletionRequest) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Preamble != "" {
		out = append(out, openai.SystemMessage(req.Preamble))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
