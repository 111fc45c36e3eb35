package openai

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/aimux-ai/aimux/internal/providers"
	"github.com/aimux-ai/aimux/internal/types"
)

// Dispatcher translates gateway requests to the OpenAI chat completion API.
type Dispatcher struct {
	name   string
	client *openai.Client
	model  string
	logger *logrus.Logger
}

// New builds a dispatcher for one catalog entry.
func New(p types.Provider, logger *logrus.Logger) *Dispatcher {
	clientConfig := openai.DefaultConfig(p.Endpoint.APIKey)
	if p.Endpoint.BaseURL != "" {
		clientConfig.BaseURL = p.Endpoint.BaseURL
	}

	return &Dispatcher{
		name:   p.ID,
		client: openai.NewClientWithConfig(clientConfig),
		model:  p.Endpoint.DefaultModel,
		logger: logger,
	}
}

func (d *Dispatcher) Name() string {
	return d.name
}

// Complete performs a chat completion request.
func (d *Dispatcher) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	openaiReq := d.convertRequest(req)

	resp, err := d.client.CreateChatCompletion(ctx, *openaiReq)
	if err != nil {
		d.logger.WithError(err).WithField("provider", d.name).Warn("OpenAI API call failed")
		return nil, d.wrapError(err)
	}

	return d.convertResponse(&resp), nil
}

// Stream performs a streaming chat completion request.
func (d *Dispatcher) Stream(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	openaiReq := d.convertRequest(req)
	openaiReq.Stream = true

	stream, err := d.client.CreateChatCompletionStream(ctx, *openaiReq)
	if err != nil {
		d.logger.WithError(err).WithField("provider", d.name).Warn("OpenAI streaming call failed")
		return nil, d.wrapError(err)
	}

	chunks := make(chan *types.ChatChunk, 100)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					d.logger.WithError(err).Warn("Error receiving stream chunk")
				}
				return
			}

			select {
			case chunks <- d.convertChunk(&response):
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, nil
}

// HealthCheck probes the models endpoint and reports latency.
func (d *Dispatcher) HealthCheck(ctx context.Context) (*types.HealthStatus, error) {
	start := time.Now()
	_, err := d.client.ListModels(ctx)
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
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return types.NewProviderError(d.name, apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return types.NewProviderError(d.name, reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	return types.NewProviderError(d.name, 0, err.Error(), err)
}

func (d *Dispatcher) convertRequest(req *types.ChatRequest) *openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	for _, msg := range req.Messages {
		openaiMsg := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}

		switch content := msg.Content.(type) {
		case string:
			openaiMsg.Content = content
		case []types.ContentPart:
			var multiContent []openai.ChatMessagePart
			for _, part := range content {
				switch part.Type {
				case "text":
					multiContent = append(multiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case "image_url":
					if part.ImageURL != nil {
						multiContent = append(multiContent, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    part.ImageURL.URL,
								Detail: openai.ImageURLDetail(part.ImageURL.Detail),
							},
						})
					}
				}
			}
			openaiMsg.MultiContent = multiContent
		}

		if len(msg.ToolCalls) > 0 {
			var toolCalls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolType(tc.Type),
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			openaiMsg.ToolCalls = toolCalls
		}

		messages = append(messages, openaiMsg)
	}

	model := req.Model
	if model == "" {
		model = d.model
	}

	openaiReq := &openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stop:     req.Stop,
		Stream:   req.Stream,
	}

	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}

	if len(req.Tools) > 0 {
		var tools []openai.Tool
		for _, tool := range req.Tools {
			if tool.Type == "function" {
				tools = append(tools, openai.Tool{
					Type: openai.ToolTypeFunction,
					Function: &openai.FunctionDefinition{
						Name:        tool.Function.Name,
						Description: tool.Function.Description,
						Parameters:  tool.Function.Parameters,
					},
				})
			}
		}
		openaiReq.Tools = tools
		openaiReq.ToolChoice = req.ToolChoice
	}

	if req.ResponseFormat != nil {
		openaiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatType(req.ResponseFormat.Type),
		}
	}

	return openaiReq
}

func (d *Dispatcher) convertResponse(resp *openai.ChatCompletionResponse) *types.ChatResponse {
	var choices []types.Choice
	for _, choice := range resp.Choices {
		ourChoice := types.Choice{
			Index:        choice.Index,
			FinishReason: string(choice.FinishReason),
			Message: types.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
			},
		}

		if len(choice.Message.ToolCalls) > 0 {
			var toolCalls []types.ToolCall
			for _, tc := range choice.Message.ToolCalls {
				toolCalls = append(toolCalls, types.ToolCall{
					ID:   tc.ID,
					Type: string(tc.Type),
					Function: types.Function{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			ourChoice.Message.ToolCalls = toolCalls
		}

		choices = append(choices, ourChoice)
	}

	var usage *types.Usage
	if resp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return &types.ChatResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage:   usage,
	}
}

func (d *Dispatcher) convertChunk(chunk *openai.ChatCompletionStreamResponse) *types.ChatChunk {
	var choices []types.ChoiceChunk
	for _, choice := range chunk.Choices {
		ourChoice := types.ChoiceChunk{
			Index:        choice.Index,
			FinishReason: string(choice.FinishReason),
		}
		if choice.Delta.Content != "" || choice.Delta.Role != "" {
			ourChoice.Delta = &types.Message{
				Role:    choice.Delta.Role,
				Content: choice.Delta.Content,
			}
		}
		choices = append(choices, ourChoice)
	}

	var usage *types.Usage
	if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	return &types.ChatChunk{
		ID:      chunk.ID,
		Object:  chunk.Object,
		Created: chunk.Created,
		Model:   chunk.Model,
		Choices: choices,
		Usage:   usage,
	}
}

var _ providers.Dispatcher = (*Dispatcher)(nil)
