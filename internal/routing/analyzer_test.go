package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aimux-ai/aimux/internal/types"
)

func textRequest(content string) *types.ChatRequest {
	return &types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: content}},
	}
}

func TestAnalyzeDefaultRequest(t *testing.T) {
	reqs := AnalyzeRequest(textRequest("hello there"))
	assert.Equal(t, types.RequestTypeDefault, reqs.Type)
	assert.Empty(t, reqs.Capabilities)
}

func TestAnalyzeThinkingKeywords(t *testing.T) {
	tests := []string{
		"Please analyze this dataset and summarize trends",
		"Work through the proof step by step",
		"Why does the sky appear blue at noon?",
		"let's think about the tradeoffs here",
	}
	for _, content := range tests {
		reqs := AnalyzeRequest(textRequest(content))
		assert.Equal(t, types.RequestTypeThinking, reqs.Type, content)
		assert.Contains(t, reqs.Capabilities, types.CapabilityThinking, content)
	}
}

func TestAnalyzeVisionRequest(t *testing.T) {
	req := &types.ChatRequest{
		Messages: []types.Message{{
			Role: "user",
			Content: []types.ContentPart{
				{Type: "text", Text: "analyze what is in this picture"},
				{Type: "image_url", ImageURL: &types.ImageURL{URL: "https://example.com/cat.png"}},
			},
		}},
	}

	reqs := AnalyzeRequest(req)
	// Image parts outrank keyword-inferred thinking for the type tag.
	assert.Equal(t, types.RequestTypeVision, reqs.Type)
	assert.Contains(t, reqs.Capabilities, types.CapabilityVision)
	assert.Contains(t, reqs.Capabilities, types.CapabilityThinking)
}

func TestAnalyzeToolsRequest(t *testing.T) {
	req := textRequest("what's the weather in Paris")
	req.Tools = []types.Tool{{Type: "function", Function: types.Function{Name: "get_weather"}}}

	reqs := AnalyzeRequest(req)
	assert.Equal(t, types.RequestTypeTools, reqs.Type)
	assert.Contains(t, reqs.Capabilities, types.CapabilityTools)
}

func TestAnalyzeStreamingAndJSONMode(t *testing.T) {
	req := textRequest("list three colors")
	req.Stream = true
	req.ResponseFormat = &types.ResponseFormat{Type: "json_object"}

	reqs := AnalyzeRequest(req)
	assert.Contains(t, reqs.Capabilities, types.CapabilityStreaming)
	assert.Contains(t, reqs.Capabilities, types.CapabilityJSONMode)
}

func TestAnalyzeExplicitCapabilities(t *testing.T) {
	req := textRequest("hello")
	req.RequiredCapabilities = []types.Capability{types.CapabilityVision, types.CapabilityVision}

	reqs := AnalyzeRequest(req)
	count := 0
	for _, c := range reqs.Capabilities {
		if c == types.CapabilityVision {
			count++
		}
	}
	assert.Equal(t, 1, count, "explicit capabilities are deduplicated")
}

func TestAnalyzeComplexity(t *testing.T) {
	reqs := AnalyzeRequest(textRequest("aaaaaaaa")) // 8 chars + newline
	assert.Equal(t, 2, reqs.Complexity)
}
