package anthropic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/aimux-ai/aimux/internal/providers"
	"github.com/aimux-ai/aimux/internal/types"
)

const defaultMaxTokens = 1024 // the Messages API requires max_tokens

// Dispatcher translates gateway requests to the Anthropic Messages API.
type Dispatcher struct {
	name   string
	client *anthropic.Client
	model  string
	logger *logrus.Logger
}

// New builds a dispatcher for one catalog entry.
func New(p types.Provider, logger *logrus.Logger) *Dispatcher {
	opts := []option.RequestOption{
		option.WithAPIKey(p.Endpoint.APIKey),
	}
	if p.Endpoint.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.Endpoint.BaseURL))
	}

	client := anthropic.NewClient(opts...)
	return &Dispatcher{
		name:   p.ID,
		client: &client,
		model:  p.Endpoint.DefaultModel,
		logger: logger,
	}
}

func (d *Dispatcher) Name() string {
	return d.name
}

// Complete performs a chat completion request.
func (d *Dispatcher) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	params, err := d.convertRequest(req)
	if err != nil {
		return nil, types.NewProviderError(d.name, 0, err.Error(), err)
	}

	resp, err := d.client.Messages.New(ctx, *params)
	if err != nil {
		d.logger.WithError(err).WithField("provider", d.name).Warn("Anthropic API call failed")
		return nil, d.wrapError(err)
	}

	return d.convertResponse(resp), nil
}

// Stream performs a streaming chat completion request. Anthropic's event
// stream is folded into OpenAI-shaped delta chunks.
func (d *Dispatcher) Stream(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	params, err := d.convertRequest(req)
	if err != nil {
		return nil, types.NewProviderError(d.name, 0, err.Error(), err)
	}

	stream := d.client.Messages.NewStreaming(ctx, *params)
	chunks := make(chan *types.ChatChunk, 100)

	go func() {
		defer close(chunks)
		defer stream.Close()

		acc := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				d.logger.WithError(err).Warn("Error accumulating stream event")
				return
			}

			chunk := d.convertEvent(&event, &acc)
			if chunk == nil {
				continue
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			d.logger.WithError(err).WithField("provider", d.name).Warn("Anthropic stream failed")
		}
	}()

	return chunks, nil
}

// HealthCheck sends a minimal single-token message and reports latency.
func (d *Dispatcher) HealthCheck(ctx context.Context) (*types.HealthStatus, error) {
	model := d.model
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}

	start := time.Now()
	_, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	})
	elapsed := time.Since(start)

	status := &types.HealthStatus{
		ResponseTime: elapsed.Milliseconds(),
		LastChecked:  time.Now().Unix(),
	}
	if err != nil {
		status.State = types.HealthUnhealthy
		status.ErrorMessage = err.Error()
		return status, d.wrapError(err)
	}

	status.State = types.HealthHealthy
	if elapsed > 5*time.Second {
		status.State = types.HealthDegraded
	}
	return status, nil
}

// wrapError surfaces the HTTP status so the error classifier can use it.
func (d *Dispatcher) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return types.NewProviderError(d.name, apiErr.StatusCode, apiErr.Error(), err)
	}
	return types.NewProviderError(d.name, 0, err.Error(), err)
}

func (d *Dispatcher) convertRequest(req *types.ChatRequest) (*anthropic.MessageNewParams, error) {
	var system string
	var messages []anthropic.MessageParam

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			// The Messages API takes the system prompt out of band.
			text, ok := msg.Content.(string)
			if !ok {
				return nil, fmt.Errorf("system messages must be plain text")
			}
			system = text
			continue
		}

		converted, err := d.convertMessage(msg)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted)
	}

	model := req.Model
	if model == "" {
		model = d.model
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(float64(*req.TopP))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = append([]string(nil), req.Stop...)
	}

	if len(req.Tools) > 0 {
		var tools []anthropic.ToolUnionParam
		for _, tool := range req.Tools {
			if tool.Type != "function" {
				continue
			}
			schema := anthropic.ToolInputSchemaParam{}
			if fnParams, ok := tool.Function.Parameters.(map[string]interface{}); ok {
				schema.Properties = fnParams["properties"]
			}
			converted := anthropic.ToolUnionParamOfTool(schema, tool.Function.Name)
			if converted.OfTool != nil && tool.Function.Description != "" {
				converted.OfTool.Description = anthropic.String(tool.Function.Description)
			}
			tools = append(tools, converted)
		}
		params.Tools = tools
	}

	return params, nil
}

func (d *Dispatcher) convertMessage(msg types.Message) (anthropic.MessageParam, error) {
	var blocks []anthropic.ContentBlockParamUnion

	switch content := msg.Content.(type) {
	case string:
		blocks = append(blocks, anthropic.NewTextBlock(content))
	case []types.ContentPart:
		for _, part := range content {
			switch part.Type {
			case "text":
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			case "image_url":
				if part.ImageURL != nil {
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{
						URL: part.ImageURL.URL,
					}))
				}
			}
		}
	default:
		return anthropic.MessageParam{}, fmt.Errorf("unsupported message content type %T", msg.Content)
	}

	if len(blocks) == 0 {
		return anthropic.MessageParam{}, fmt.Errorf("message with role %q has no convertible content", msg.Role)
	}

	if msg.Role == "assistant" {
		return anthropic.NewAssistantMessage(blocks...), nil
	}
	return anthropic.NewUserMessage(blocks...), nil
}

func (d *Dispatcher) convertResponse(resp *anthropic.Message) *types.ChatResponse {
	msg := types.Message{Role: "assistant"}

	var text string
	var toolCalls []types.ToolCall
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += variant.Text
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   variant.ID,
				Type: "function",
				Function: types.Function{
					Name:      variant.Name,
					Arguments: string(variant.Input),
				},
			})
		}
	}
	msg.Content = text
	msg.ToolCalls = toolCalls

	var usage *types.Usage
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
	}

	return &types.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(resp.Model),
		Choices: []types.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finishReason(resp.StopReason),
		}},
		Usage: usage,
	}
}

// convertEvent maps one stream event to a delta chunk, or nil when the event
// carries nothing the caller needs (block boundaries, pings).
func (d *Dispatcher) convertEvent(event *anthropic.MessageStreamEventUnion, acc *anthropic.Message) *types.ChatChunk {
	chunk := &types.ChatChunk{
		ID:      acc.ID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   string(acc.Model),
	}

	switch variant := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		chunk.Choices = []types.ChoiceChunk{{
			Index: 0,
			Delta: &types.Message{Role: "assistant"},
		}}
	case anthropic.ContentBlockDeltaEvent:
		delta, ok := variant.Delta.AsAny().(anthropic.TextDelta)
		if !ok {
			return nil
		}
		chunk.Choices = []types.ChoiceChunk{{
			Index: 0,
			Delta: &types.Message{Content: delta.Text},
		}}
	case anthropic.MessageStopEvent:
		chunk.Choices = []types.ChoiceChunk{{
			Index:        0,
			FinishReason: finishReason(acc.StopReason),
		}}
		if acc.Usage.InputTokens > 0 || acc.Usage.OutputTokens > 0 {
			chunk.Usage = &types.Usage{
				PromptTokens:     int(acc.Usage.InputTokens),
				CompletionTokens: int(acc.Usage.OutputTokens),
				TotalTokens:      int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
			}
		}
	default:
		return nil
	}

	return chunk
}

func finishReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return "stop"
	case anthropic.StopReasonMaxTokens:
		return "length"
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	}
	return string(reason)
}

var _ providers.Dispatcher = (*Dispatcher)(nil)
