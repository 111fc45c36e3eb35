package routing

import (
	"regexp"
	"strings"

	"github.com/aimux-ai/aimux/internal/types"
)

// thinkingKeywords flag requests that benefit from a reasoning-capable
// provider.
var thinkingKeywords = []string{
	"think", "reason", "analyze", "analyse", "prove", "derive",
	"step by step", "chain of thought", "work through", "explain why",
	"solve", "logic puzzle",
}

var thinkingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\blet'?s?\s+think\b`),
	regexp.MustCompile(`(?i)\bshow\s+your\s+(work|reasoning)\b`),
	regexp.MustCompile(`(?i)\bwhy\s+(does|do|is|are|would|did)\b`),
	regexp.MustCompile(`(?i)\bcompare\s+and\s+contrast\b`),
}

// AnalyzeRequest derives routing requirements from a chat request: a type
// tag, the capability set the chosen provider must cover, and a rough
// complexity estimate.
func AnalyzeRequest(req *types.ChatRequest) *types.RequestRequirements {
	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}

	text := requestText(req)
	reqs.Complexity = len(text) / 4 // rough token estimate

	hasVision := req.HasImageContent()
	hasTools := len(req.Tools) > 0
	hasThinking := detectThinking(text)

	// Vision and tools are explicit in the request structure, so they take
	// precedence over keyword-inferred thinking for the type tag.
	switch {
	case hasVision:
		reqs.Type = types.RequestTypeVision
	case hasTools:
		reqs.Type = types.RequestTypeTools
	case hasThinking:
		reqs.Type = types.RequestTypeThinking
	}

	if hasVision {
		reqs.Capabilities = append(reqs.Capabilities, types.CapabilityVision)
	}
	if hasTools {
		reqs.Capabilities = append(reqs.Capabilities, types.CapabilityTools)
	}
	if hasThinking {
		reqs.Capabilities = append(reqs.Capabilities, types.CapabilityThinking)
	}
	if req.Stream {
		reqs.Capabilities = append(reqs.Capabilities, types.CapabilityStreaming)
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		reqs.Capabilities = append(reqs.Capabilities, types.CapabilityJSONMode)
	}
	for _, c := range req.RequiredCapabilities {
		if !containsCapability(reqs.Capabilities, c) {
			reqs.Capabilities = append(reqs.Capabilities, c)
		}
	}

	return reqs
}

func requestText(req *types.ChatRequest) string {
	var b strings.Builder
	for i := range req.Messages {
		b.WriteString(req.Messages[i].TextContent())
		b.WriteByte('\n')
	}
	return b.String()
}

func detectThinking(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range thinkingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, pat := range thinkingPatterns {
		if pat.MatchString(text) {
			return true
		}
	}
	return false
}

func containsCapability(caps []types.Capability, c types.Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}
