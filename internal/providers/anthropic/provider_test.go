package anthropic

import (
	"io"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimux-ai/aimux/internal/types"
)

func testDispatcher() *Dispatcher {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(types.Provider{
		ID:   "anthropic-main",
		Kind: "anthropic",
		Endpoint: types.EndpointConfig{
			APIKey:       "test-key",
			DefaultModel: "claude-sonnet-4-0",
		},
	}, logger)
}

func TestConvertRequestLiftsSystemMessage(t *testing.T) {
	d := testDispatcher()

	params, err := d.convertRequest(&types.ChatRequest{
		Messages: []types.Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	require.Len(t, params.System, 1)
	assert.Equal(t, "You are terse.", params.System[0].Text)
	assert.Len(t, params.Messages, 1)
}

func TestConvertRequestRejectsMultimodalSystem(t *testing.T) {
	d := testDispatcher()

	_, err := d.convertRequest(&types.ChatRequest{
		Messages: []types.Message{
			{Role: "system", Content: []types.ContentPart{{Type: "text", Text: "x"}}},
		},
	})
	assert.Error(t, err)
}

func TestConvertRequestDefaults(t *testing.T) {
	d := testDispatcher()
	maxTokens := 256

	params, err := d.convertRequest(&types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, anthropic.Model("claude-sonnet-4-0"), params.Model)
	assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)

	params, err = d.convertRequest(&types.ChatRequest{
		Model:     "claude-opus-4-0",
		MaxTokens: &maxTokens,
		Stop:      []string{"END"},
		Messages:  []types.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, anthropic.Model("claude-opus-4-0"), params.Model)
	assert.Equal(t, int64(256), params.MaxTokens)
	assert.Equal(t, []string{"END"}, params.StopSequences)
}

func TestConvertMessageRoles(t *testing.T) {
	d := testDispatcher()

	msg, err := d.convertMessage(types.Message{Role: "user", Content: "question"})
	require.NoError(t, err)
	assert.Equal(t, anthropic.MessageParamRoleUser, msg.Role)

	msg, err = d.convertMessage(types.Message{Role: "assistant", Content: "answer"})
	require.NoError(t, err)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msg.Role)

	_, err = d.convertMessage(types.Message{Role: "user", Content: 42})
	assert.Error(t, err)
}

func TestConvertMessageMultimodal(t *testing.T) {
	d := testDispatcher()

	msg, err := d.convertMessage(types.Message{
		Role: "user",
		Content: []types.ContentPart{
			{Type: "text", Text: "what is this"},
			{Type: "image_url", ImageURL: &types.ImageURL{URL: "https://example.com/x.png"}},
		},
	})
	require.NoError(t, err)
	assert.Len(t, msg.Content, 2)
}

func TestConvertRequestTools(t *testing.T) {
	d := testDispatcher()

	params, err := d.convertRequest(&types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		Tools: []types.Tool{
			{Type: "function", Function: types.Function{Name: "get_weather", Description: "Weather lookup"}},
			{Type: "retrieval"}, // unsupported types are dropped
		},
	})
	require.NoError(t, err)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, "get_weather", params.Tools[0].OfTool.Name)
}

func TestFinishReason(t *testing.T) {
	tests := []struct {
		reason anthropic.StopReason
		want   string
	}{
		{anthropic.StopReasonEndTurn, "stop"},
		{anthropic.StopReasonStopSequence, "stop"},
		{anthropic.StopReasonMaxTokens, "length"},
		{anthropic.StopReasonToolUse, "tool_calls"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, finishReason(tt.reason))
	}
}
