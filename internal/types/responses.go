package types

import (
	"time"
)

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// Routing metadata (added by the gateway)
	RouterMetadata *RouterMetadata `json:"router_metadata,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      Message  `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChunk is one streaming delta.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChoiceChunk `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type ChoiceChunk struct {
	Index        int      `json:"index"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// RouterMetadata records how a response was routed.
type RouterMetadata struct {
	Provider        string        `json:"provider"`
	Model           string        `json:"model"`
	RequestType     RequestType   `json:"request_type"`
	RoutingReason   []string      `json:"routing_reason"`
	Attempts        int           `json:"attempts"`
	FailoverUsed    bool          `json:"failover_used"`
	ProcessingTime  time.Duration `json:"processing_time"`
	ProviderLatency time.Duration `json:"provider_latency"`
	RequestID       string        `json:"request_id"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
