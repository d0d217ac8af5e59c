// Package bedrock is the completion service over the Bedrock Converse API.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"banking-agent/internal/domain"
)

// converseAPI is the minimal Bedrock runtime surface used by Client.
// *bedrockruntime.Client satisfies it.
type converseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client sends role-tagged transcripts to a Bedrock model and returns the
// text of the reply.
type Client struct {
	api          converseAPI
	defaultModel string
}

func New(api converseAPI, defaultModel string) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		return nil, errors.New("bedrock: default model must not be empty")
	}
	return &Client{api: api, defaultModel: defaultModel}, nil
}

// Complete runs one Converse call. req.Model overrides the default model.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.defaultModel
	}
	messages := toMessages(req.Messages)
	if len(messages) == 0 {
		return "", errors.New("bedrock: at least one message is required")
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		InferenceConfig: inferenceConfig(req.Params),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	out, err := c.api.Converse(ctx, in)
	if err != nil {
		return "", fmt.Errorf("bedrock: converse %s: %w", model, err)
	}
	if out == nil {
		return "", errors.New("bedrock: empty response")
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock: response has no message")
	}

	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("bedrock: no text in response (stop reason %s)", out.StopReason)
	}
	return b.String(), nil
}

// toMessages converts the transcript, merging consecutive turns of the same
// role since Converse requires alternating roles starting with the user.
func toMessages(in []domain.ChatMessage) []types.Message {
	out := make([]types.Message, 0, len(in))
	for _, m := range in {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		block := &types.ContentBlockMemberText{Value: m.Content}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			continue
		}
		if len(out) == 0 && role == types.ConversationRoleAssistant {
			continue
		}
		out = append(out, types.Message{Role: role, Content: []types.ContentBlock{block}})
	}
	return out
}

func inferenceConfig(p domain.GenerationParams) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	if p.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(p.MaxTokens))
	}
	if p.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(p.Temperature))
	}
	if p.TopP > 0 {
		cfg.TopP = aws.Float32(float32(p.TopP))
	}
	return cfg
}
