package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/parley-ai/parley/pkg/turn"
)

// AnthropicClient adapts the Anthropic Messages API to the Client interface.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client authenticated with the given API key.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Provider returns "anthropic".
func (c *AnthropicClient) Provider() string {
	return "anthropic"
}

// Stream starts one streaming generation. Text deltas are forwarded as they
// arrive; tool calls and usage are accumulated and emitted before stop.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, &turn.ModelStreamError{Provider: c.Provider(), Err: err}
	}

	s := newStream()
	go func() {
		defer close(s.events)

		sseStream := c.client.Messages.NewStreaming(ctx, params)
		message := anthropic.Message{}
		for sseStream.Next() {
			event := sseStream.Current()
			if err := message.Accumulate(event); err != nil {
				s.fail(&turn.ModelStreamError{Provider: c.Provider(), Err: err})
				return
			}
			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if deltaVariant, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok {
					s.events <- Event{Type: EventTypeDelta, Text: deltaVariant.Text}
				}
			}
		}
		if err := sseStream.Err(); err != nil {
			s.fail(&turn.ModelStreamError{Provider: c.Provider(), Err: err})
			return
		}

		for _, block := range message.Content {
			if b, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				s.events <- Event{Type: EventTypeToolUse, ToolUse: &ToolUse{
					ID:        b.ID,
					Name:      b.Name,
					Arguments: json.RawMessage(b.JSON.Input.Raw()),
				}}
			}
		}
		s.events <- Event{Type: EventTypeUsage, Usage: &turn.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		}}
		s.events <- Event{Type: EventTypeStop, StopReason: mapAnthropicStop(message.StopReason)}
	}()
	return s, nil
}

func (c *AnthropicClient) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError),
			))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return anthropic.MessageNewParams{}, fmt.Errorf("decode tool arguments: %w", err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case "user":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		default:
			log.Warn().Str("role", msg.Role).Msg("dropping message with unknown role")
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			var schema struct {
				Properties any      `json:"properties"`
				Required   []string `json:"required"`
			}
			if len(spec.InputSchema) > 0 {
				if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
					return anthropic.MessageNewParams{}, fmt.Errorf("decode schema for tool %s: %w", spec.Name, err)
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			}})
		}
		params.Tools = tools
	}
	return params, nil
}

func mapAnthropicStop(reason anthropic.StopReason) string {
	if reason == anthropic.StopReasonToolUse {
		return StopToolUse
	}
	return StopEndTurn
}
