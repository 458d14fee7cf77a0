package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"

	"github.com/parley-ai/parley/pkg/turn"
)

// OpenAIClient adapts the OpenAI chat completions API to the Client
// interface.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates a client authenticated with the given API key.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Provider returns "openai".
func (c *OpenAIClient) Provider() string {
	return "openai"
}

// Stream starts one streaming completion. Tool call fragments are
// accumulated and emitted as whole calls once finished.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, &turn.ModelStreamError{Provider: c.Provider(), Err: err}
	}

	s := newStream()
	go func() {
		defer close(s.events)

		sseStream := c.client.Chat.Completions.NewStreaming(ctx, params)
		acc := openai.ChatCompletionAccumulator{}
		for sseStream.Next() {
			chunk := sseStream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				s.events <- Event{Type: EventTypeDelta, Text: chunk.Choices[0].Delta.Content}
			}
			if tool, ok := acc.JustFinishedToolCall(); ok {
				s.events <- Event{Type: EventTypeToolUse, ToolUse: &ToolUse{
					ID:        tool.ID,
					Name:      tool.Name,
					Arguments: json.RawMessage(tool.Arguments),
				}}
			}
		}
		if err := sseStream.Err(); err != nil {
			s.fail(&turn.ModelStreamError{Provider: c.Provider(), Err: err})
			return
		}

		s.events <- Event{Type: EventTypeUsage, Usage: &turn.Usage{
			InputTokens:  acc.Usage.PromptTokens,
			OutputTokens: acc.Usage.CompletionTokens,
		}}

		stopReason := StopEndTurn
		if len(acc.Choices) > 0 && acc.Choices[0].FinishReason == "tool_calls" {
			stopReason = StopToolUse
		}
		s.events <- Event{Type: EventTypeStop, StopReason: stopReason}
	}()
	return s, nil
}

func (c *OpenAIClient) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case "assistant":
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			log.Warn().Str("role", msg.Role).Msg("dropping message with unknown role")
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	for _, spec := range req.Tools {
		var parameters openai.FunctionParameters
		if len(spec.InputSchema) > 0 {
			if err := json.Unmarshal(spec.InputSchema, &parameters); err != nil {
				return openai.ChatCompletionNewParams{}, fmt.Errorf("decode schema for tool %s: %w", spec.Name, err)
			}
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
			Parameters:  parameters,
		}))
	}
	return params, nil
}
