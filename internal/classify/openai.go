package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Flavor selects the chat-completions URL layout and auth header.
type Flavor int

const (
	// FlavorOpenAI posts to {base}/v1/chat/completions with a bearer token.
	// Any OpenAI-compatible server works (OpenRouter, vLLM, Ollama).
	FlavorOpenAI Flavor = iota
	// FlavorAzure posts to {base}/openai/deployments/{model}/chat/completions
	// with an api-key header and api-version query parameter.
	FlavorAzure
)

// ChatClient is a Service backed by a chat-completions endpoint that
// supports JSON object responses.
type ChatClient struct {
	httpClient *http.Client
	flavor     Flavor
	baseURL    string
	apiKey     string
	model      string
	apiVersion string
}

// ChatOptions configures a ChatClient.
type ChatOptions struct {
	Flavor     Flavor
	BaseURL    string
	APIKey     string
	Model      string
	APIVersion string
}

// NewChatClient creates a chat-completions Service. httpClient may be nil.
func NewChatClient(httpClient *http.Client, opts ChatOptions) *ChatClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ChatClient{
		httpClient: httpClient,
		flavor:     opts.Flavor,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		apiVersion: opts.APIVersion,
	}
}

// APIError is returned when the endpoint responds with a non-200 status.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (err *APIError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("classify: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("classify: HTTP %d: %s", err.StatusCode, err.Message)
}

// Classify implements Service.
func (c *ChatClient) Classify(ctx context.Context, systemPrompt, contextText string) (Result, error) {
	wireRequest := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: contextText},
		},
		ResponseFormat: &chatResponseFormat{Type: "json_object"},
	}

	body, err := json.Marshal(wireRequest)
	if err != nil {
		return Result{}, fmt.Errorf("classify: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("classify: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	switch c.flavor {
	case FlavorAzure:
		httpRequest.Header.Set("api-key", c.apiKey)
	default:
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return Result{}, fmt.Errorf("classify: sending request: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return Result{}, readAPIError(httpResponse)
	}

	var wireResponse chatResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResponse); err != nil {
		return Result{}, fmt.Errorf("classify: decoding response: %w", err)
	}
	if len(wireResponse.Choices) == 0 {
		return Result{}, errors.New("classify: response has no choices")
	}

	return parseVerdict(wireResponse.Choices[0].Message.Content)
}

func (c *ChatClient) endpoint() string {
	if c.flavor == FlavorAzure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiVersion))
	}
	return c.baseURL + "/v1/chat/completions"
}

// parseVerdict decodes the model's JSON answer. Both booleans are
// required; a missing field is a malformed response.
func parseVerdict(content string) (Result, error) {
	var verdict struct {
		NeedsClarification *bool  `json:"needs_clarification"`
		SafeToContinue     *bool  `json:"safe_to_continue"`
		Reason             string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return Result{}, fmt.Errorf("classify: parsing verdict: %w", err)
	}
	if verdict.NeedsClarification == nil || verdict.SafeToContinue == nil {
		return Result{}, fmt.Errorf("classify: verdict missing required fields: %q", content)
	}
	return Result{
		NeedsClarification: *verdict.NeedsClarification,
		SafeToContinue:     *verdict.SafeToContinue,
		Reason:             verdict.Reason,
	}, nil
}

// readAPIError parses {"error":{"type":"...","message":"..."}} bodies,
// falling back to the raw body text.
func readAPIError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		errType := wireError.Error.Type
		if errType == "" {
			errType = wireError.Error.Code
		}
		return &APIError{
			StatusCode: httpResponse.StatusCode,
			Type:       errType,
			Message:    wireError.Error.Message,
		}
	}
	return &APIError{
		StatusCode: httpResponse.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}

// --- wire types ---

type chatRequest struct {
	Model          string              `json:"model,omitempty"`
	Messages       []chatMessage       `json:"messages"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}
