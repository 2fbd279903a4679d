package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"snapsage/internal/config"
	"snapsage/internal/types"
)

func newTestOpenAIClient(t *testing.T, serverURL string) *OpenAIClient {
	t.Helper()
	return NewOpenAIClient(config.ModelConfig{
		APIKey:  types.SecretString("sk-model-test"),
		BaseURL: serverURL,
		Timeout: 5 * time.Second,
	}, WithSleepFunc(noopSleep))
}

func TestComplete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path /v1/chat/completions, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-model-test" {
			t.Errorf("expected bearer key, got %s", auth)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %s", req.Model)
		}
		if len(req.Messages) != 2 {
			t.Fatalf("expected 2 messages (system + user), got %d", len(req.Messages))
		}
		if req.Messages[0].Role != "system" {
			t.Errorf("expected first message role system, got %s", req.Messages[0].Role)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-2024-08-06",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "The error is a nil pointer dereference."}},
			},
			"usage": map[string]any{
				"prompt_tokens":     1200,
				"completion_tokens": 48,
			},
		})
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	result, err := client.Complete(context.Background(), &types.AssistRequest{
		Model:        "gpt-4o",
		SystemPrompt: "You are a helpful assistant.",
		Text:         "What is wrong with this code?",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if result.Answer != "The error is a nil pointer dereference." {
		t.Errorf("unexpected answer: %s", result.Answer)
	}
	if result.Model != "gpt-4o-2024-08-06" {
		t.Errorf("expected provider-reported model, got %s", result.Model)
	}
	if result.InputTokens != 1200 || result.OutputTokens != 48 {
		t.Errorf("expected usage (1200, 48), got (%d, %d)", result.InputTokens, result.OutputTokens)
	}
	if result.TotalTokens() != 1248 {
		t.Errorf("expected total 1248, got %d", result.TotalTokens())
	}
}

func TestComplete_ImagesBecomeContentParts(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-4o",
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
			"usage":   map[string]any{"prompt_tokens": 500, "completion_tokens": 5},
		})
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	_, err := client.Complete(context.Background(), &types.AssistRequest{
		Model: "gpt-4o",
		Text:  "what is on this screen?",
		Images: []types.ImageInput{
			{Data: "aGVsbG8=", Detail: types.ImageDetailLow},
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	messages := captured["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	parts := messages[0].(map[string]any)["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("expected text + image parts, got %d", len(parts))
	}

	imagePart := parts[1].(map[string]any)
	if imagePart["type"] != "image_url" {
		t.Errorf("expected image_url part, got %v", imagePart["type"])
	}
	imageURL := imagePart["image_url"].(map[string]any)
	if imageURL["url"] != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("unexpected image url: %v", imageURL["url"])
	}
	if imageURL["detail"] != "low" {
		t.Errorf("expected detail low, got %v", imageURL["detail"])
	}
}

func TestComplete_ProviderErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "Invalid value for max_tokens",
				"type":    "invalid_request_error",
			},
		})
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	_, err := client.Complete(context.Background(), &types.AssistRequest{Model: "gpt-4o", Text: "hi"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamModel {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamModel, appErr.Code)
	}
	if appErr.Message != "Invalid value for max_tokens" {
		t.Errorf("expected provider message surfaced, got %q", appErr.Message)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-4o",
			"choices": []any{},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 0},
		})
	}))
	defer server.Close()

	client := newTestOpenAIClient(t, server.URL)

	_, err := client.Complete(context.Background(), &types.AssistRequest{Model: "gpt-4o", Text: "hi"})
	if err == nil {
		t.Fatal("expected error for empty choices, got nil")
	}
}

func TestBuildMessages_ContextAsSeparateTurn(t *testing.T) {
	messages := buildMessages(&types.AssistRequest{
		SystemPrompt: "assistant",
		Context:      "previous conversation",
		Text:         "follow-up question",
	})

	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Role != "system" || messages[1].Role != "user" || messages[2].Role != "user" {
		t.Errorf("unexpected roles: %s, %s, %s", messages[0].Role, messages[1].Role, messages[2].Role)
	}
	if messages[1].Content != "previous conversation" {
		t.Errorf("expected context turn, got %v", messages[1].Content)
	}
	if messages[2].Content != "follow-up question" {
		t.Errorf("expected user turn, got %v", messages[2].Content)
	}
}
