package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"banking-agent/internal/domain"
)

type fakeConverse struct {
	out    *bedrockruntime.ConverseOutput
	err    error
	lastIn *bedrockruntime.ConverseInput
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastIn = in
	return f.out, f.err
}

func textOutput(parts ...string) *bedrockruntime.ConverseOutput {
	content := make([]types.ContentBlock, 0, len(parts))
	for _, p := range parts {
		content = append(content, &types.ContentBlockMemberText{Value: p})
	}
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role:    types.ConversationRoleAssistant,
			Content: content,
		}},
		StopReason: types.StopReasonEndTurn,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "model")
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(&fakeConverse{}, " ")
	require.ErrorContains(t, err, "model")
}

func TestComplete_HappyPath(t *testing.T) {
	api := &fakeConverse{out: textOutput("Hola, ", "¿en qué te ayudo?")}
	c, err := New(api, "anthropic.claude-3-haiku")
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), domain.CompletionRequest{
		System:   "Eres un asistente bancario.",
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hola"}},
		Params:   domain.GenerationParams{MaxTokens: 512, Temperature: 0.2, TopP: 0.9},
	})
	require.NoError(t, err)
	require.Equal(t, "Hola, ¿en qué te ayudo?", got)

	in := api.lastIn
	require.Equal(t, "anthropic.claude-3-haiku", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.Equal(t, "Eres un asistente bancario.", in.System[0].(*types.SystemContentBlockMemberText).Value)
	require.Equal(t, int32(512), aws.ToInt32(in.InferenceConfig.MaxTokens))
	require.InDelta(t, 0.2, aws.ToFloat32(in.InferenceConfig.Temperature), 1e-6)
	require.InDelta(t, 0.9, aws.ToFloat32(in.InferenceConfig.TopP), 1e-6)
}

func TestComplete_ModelOverride(t *testing.T) {
	api := &fakeConverse{out: textOutput("ok")}
	c, err := New(api, "default-model")
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), domain.CompletionRequest{
		Model:    "amazon.nova-lite",
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hola"}},
	})
	require.NoError(t, err)
	require.Equal(t, "amazon.nova-lite", aws.ToString(api.lastIn.ModelId))
	require.Nil(t, api.lastIn.System)
}

func TestComplete_Errors(t *testing.T) {
	msgs := []domain.ChatMessage{{Role: domain.RoleUser, Content: "hola"}}

	c, _ := New(&fakeConverse{err: errors.New("ThrottlingException")}, "m")
	_, err := c.Complete(context.Background(), domain.CompletionRequest{Messages: msgs})
	require.ErrorContains(t, err, "ThrottlingException")

	c, _ = New(&fakeConverse{out: textOutput()}, "m")
	_, err = c.Complete(context.Background(), domain.CompletionRequest{Messages: msgs})
	require.ErrorContains(t, err, "no text")

	c, _ = New(&fakeConverse{out: &bedrockruntime.ConverseOutput{}}, "m")
	_, err = c.Complete(context.Background(), domain.CompletionRequest{Messages: msgs})
	require.ErrorContains(t, err, "no message")

	c, _ = New(&fakeConverse{out: textOutput("x")}, "m")
	_, err = c.Complete(context.Background(), domain.CompletionRequest{})
	require.ErrorContains(t, err, "at least one message")
}

func TestToMessages_MergesConsecutiveRoles(t *testing.T) {
	got := toMessages([]domain.ChatMessage{
		{Role: domain.RoleAssistant, Content: "orphan"},
		{Role: domain.RoleUser, Content: "quiero abrir una cuenta"},
		{Role: domain.RoleAssistant, Content: "<tool_calls>[]</tool_calls>"},
		{Role: domain.RoleUser, Content: "Resultado de la herramienta open_account: ok"},
		{Role: domain.RoleUser, Content: "Resultado de la herramienta otra: ok"},
		{Role: domain.RoleUser, Content: "  "},
	})
	require.Len(t, got, 3)
	require.Equal(t, types.ConversationRoleUser, got[0].Role)
	require.Equal(t, types.ConversationRoleAssistant, got[1].Role)
	require.Equal(t, types.ConversationRoleUser, got[2].Role)
	require.Len(t, got[2].Content, 2)
}
