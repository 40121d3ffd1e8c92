// Package anthropic wraps the official SDK behind the narrow surface the
// completion engine calls, using its own request and response types so the
// rest of the code never handles SDK unions.
package anthropic

import (
	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client is the provider surface the completion engine depends on.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// NewClient returns a Client backed by the official SDK. SDK-level retries
// are turned off; the engine owns the retry schedule and the circuit
// breaker.
func NewClient(apiKey string) Client {
	return &sdkClient{
		api: sdk.NewClient(
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0),
		),
	}
}

type sdkClient struct {
	api sdk.Client
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	msg, err := c.api.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return convertResponse(msg), nil
}

func buildParams(req MessageRequest) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
	}

	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.CacheControl != nil && block.OfText != nil {
			block.OfText.CacheControl = ephemeral(m.CacheControl)
		}
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, sdk.NewUserMessage(block))
		}
	}

	for _, b := range req.System {
		block := sdk.TextBlockParam{Text: b.Text}
		if b.CacheControl != nil {
			block.CacheControl = ephemeral(b.CacheControl)
		}
		params.System = append(params.System, block)
	}

	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.ThinkingBudget != nil {
		params.Thinking = sdk.ThinkingConfigParamUnion{
			OfEnabled: &sdk.ThinkingConfigEnabledParam{
				BudgetTokens: *req.ThinkingBudget,
			},
		}
	}
	return params
}

func ephemeral(cc *CacheControl) sdk.CacheControlEphemeralParam {
	param := sdk.NewCacheControlEphemeralParam()
	if cc.TTL != "" {
		param.TTL = sdk.CacheControlEphemeralTTL(cc.TTL)
	}
	return param
}

// convertResponse flattens the SDK's union content blocks.
func convertResponse(msg *sdk.Message) *MessageResponse {
	resp := &MessageResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		StopSequence: msg.StopSequence,
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		text := b.Text
		if b.Type == "thinking" {
			text = b.Thinking
		}
		resp.Content = append(resp.Content, ContentBlock{Type: b.Type, Text: text})
	}
	return resp
}
