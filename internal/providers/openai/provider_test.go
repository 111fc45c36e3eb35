package openai

import (
	"errors"
	"io"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimux-ai/aimux/internal/types"
)

func testDispatcher() *Dispatcher {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(types.Provider{
		ID:   "openai-main",
		Kind: "openai",
		Endpoint: types.EndpointConfig{
			APIKey:       "test-key",
			DefaultModel: "gpt-4o",
		},
	}, logger)
}

func TestConvertRequestDefaultsModel(t *testing.T) {
	d := testDispatcher()

	req := d.convertRequest(&types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	assert.Equal(t, "gpt-4o", req.Model)

	req = d.convertRequest(&types.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	assert.Equal(t, "gpt-4o-mini", req.Model)
}

func TestConvertRequestMultimodal(t *testing.T) {
	d := testDispatcher()

	req := d.convertRequest(&types.ChatRequest{
		Messages: []types.Message{{
			Role: "user",
			Content: []types.ContentPart{
				{Type: "text", Text: "describe this"},
				{Type: "image_url", ImageURL: &types.ImageURL{URL: "https://example.com/x.png", Detail: "high"}},
			},
		}},
	})

	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, req.Messages[0].MultiContent[0].Type)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, req.Messages[0].MultiContent[1].Type)
	assert.Equal(t, "https://example.com/x.png", req.Messages[0].MultiContent[1].ImageURL.URL)
}

func TestConvertRequestToolsAndFormat(t *testing.T) {
	d := testDispatcher()
	temp := float32(0.2)

	req := d.convertRequest(&types.ChatRequest{
		Messages:    []types.Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
		Tools: []types.Tool{{
			Type:     "function",
			Function: types.Function{Name: "get_weather", Description: "Weather lookup"},
		}},
		ToolChoice:     "auto",
		ResponseFormat: &types.ResponseFormat{Type: "json_object"},
	})

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Function.Name)
	assert.Equal(t, "auto", req.ToolChoice)
	assert.Equal(t, float32(0.2), req.Temperature)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
}

func TestConvertResponse(t *testing.T) {
	d := testDispatcher()

	resp := d.convertResponse(&openai.ChatCompletionResponse{
		ID:     "chatcmpl-1",
		Object: "chat.completion",
		Model:  "gpt-4o",
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			FinishReason: openai.FinishReasonToolCalls,
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"SF"}`},
				}},
			},
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})

	assert.Equal(t, "chatcmpl-1", resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.Choices[0].Message.ToolCalls[0].Function.Name)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestWrapErrorSurfacesStatus(t *testing.T) {
	d := testDispatcher()

	err := d.wrapError(&openai.APIError{
		HTTPStatusCode: 429,
		Message:        "rate limit exceeded",
	})

	var provErr *types.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "openai-main", provErr.Provider)
	assert.Equal(t, 429, provErr.StatusCode)

	err = d.wrapError(errors.New("dial tcp: connection refused"))
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, 0, provErr.StatusCode)
}
