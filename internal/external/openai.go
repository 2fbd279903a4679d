package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"snapsage/internal/config"
	"snapsage/internal/types"
)

const chatCompletionsPath = "/v1/chat/completions"

// OpenAIClient calls the vision/chat completions API and reports the
// provider's actual token accounting. It implements metering.ModelClient.
type OpenAIClient struct {
	base    *BaseClient
	apiKey  types.SecretString
	baseURL string
}

// NewOpenAIClient creates an OpenAIClient from the model provider config.
func NewOpenAIClient(cfg config.ModelConfig, opts ...BaseClientOption) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return &OpenAIClient{
		base: NewBaseClient(
			httpClient,
			"openai",
			DefaultRetryPolicy(),
			"snapsage/1.0",
			types.ErrCodeUpstreamModel,
			opts...,
		),
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
	}
}

// Wire types for the chat completions endpoint. Only the fields this service
// reads or writes are modeled.

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imagePayload `json:"image_url,omitempty"`
}

type imagePayload struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete performs one chat completion and returns the answer with the
// provider's measured token counts. Estimates never come from here.
func (c *OpenAIClient) Complete(ctx context.Context, req *types.AssistRequest) (*types.ModelResult, error) {
	payload := chatRequest{
		Model:     req.Model,
		Messages:  buildMessages(req),
		MaxTokens: req.MaxOutputTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode model request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build model request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey.Unmask())

	resp, err := c.base.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamModel, "failed to read model response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp chatErrorResponse
		msg := fmt.Sprintf("model provider returned %d", resp.StatusCode)
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamModel, msg, nil,
			map[string]any{"status": resp.StatusCode})
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamModel, "failed to decode model response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamModel, "model returned no choices", nil)
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &types.ModelResult{
		Answer:       parsed.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// buildMessages assembles the chat turn list: optional system prompt, optional
// prior context, then the user turn carrying text and screenshots.
func buildMessages(req *types.AssistRequest) []chatMessage {
	messages := make([]chatMessage, 0, 3)

	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	if req.Context != "" {
		messages = append(messages, chatMessage{Role: "user", Content: req.Context})
	}

	if len(req.Images) == 0 {
		messages = append(messages, chatMessage{Role: "user", Content: req.Text})
		return messages
	}

	parts := make([]contentPart, 0, len(req.Images)+1)
	if req.Text != "" {
		parts = append(parts, contentPart{Type: "text", Text: req.Text})
	}
	for _, img := range req.Images {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imagePayload{
				URL:    "data:image/png;base64," + img.Data,
				Detail: string(img.Detail),
			},
		})
	}
	messages = append(messages, chatMessage{Role: "user", Content: parts})
	return messages
}
