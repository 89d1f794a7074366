package google

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"roomaker/pkg/llm"
)

func TestNewGeminiClientWithModel(t *testing.T) {
	assert.Equal(t, "gemini-2.5-flash", NewGeminiClientWithModel("key", "gemini-2.5-flash").GetModelName())
	assert.Equal(t, DefaultModel, NewGeminiClientWithModel("key", "").GetModelName())
}

func TestConvertMessages(t *testing.T) {
	contents, system, err := convertMessages([]llm.CompletionMessage{
		llm.NewSystemMessage("rules"),
		llm.NewUserMessage("idea"),
		{Role: llm.RoleAssistant, Content: "draft"},
	})
	require.NoError(t, err)
	assert.Equal(t, "rules", system)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "draft", contents[1].Parts[0].Text)
}

func TestConvertMessagesRejects(t *testing.T) {
	_, _, err := convertMessages([]llm.CompletionMessage{llm.NewSystemMessage("only system")})
	assert.Error(t, err)

	_, _, err = convertMessages([]llm.CompletionMessage{{Role: "tool", Content: "x"}})
	assert.Error(t, err)
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, "unknown", stopReason(&genai.GenerateContentResponse{}))
	assert.Equal(t, "end_turn", stopReason(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonStop}},
	}))
	assert.Equal(t, "max_tokens", stopReason(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}},
	}))
}
