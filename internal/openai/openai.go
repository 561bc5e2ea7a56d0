package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal OpenAI Responses API client. The API key is supplied
// per call because each chat carries its own credential.
type Client struct {
	url        string
	model      string
	httpClient *http.Client
}

// NewClient creates an OpenAI client for the given Responses API URL and model.
func NewClient(url, model string, timeout time.Duration) *Client {
	return &Client{
		url:   url,
		model: model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Message is one prior turn sent as model input.
type Message struct {
	Role    string
	Content string
}

// StatusError is a non-success response from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai non-success status=%d body=%s", e.StatusCode, e.Body)
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type inputItem struct {
	Role    string        `json:"role"`
	Content []contentItem `json:"content"`
}

type responsesRequest struct {
	Model      string      `json:"model"`
	Input      []inputItem `json:"input"`
	Tools      []tool      `json:"tools"`
	ToolChoice string      `json:"tool_choice"`
}

type tool struct {
	Type         string        `json:"type"`
	UserLocation *userLocation `json:"user_location,omitempty"`
}

type userLocation struct {
	Type    string `json:"type"`
	Country string `json:"country"`
}

type responsesResponse struct {
	OutputText []string `json:"output_text"`
	Output     []struct {
		Content []contentItem `json:"content"`
	} `json:"output"`
}

// Complete sends the system prompt, prior turns, and the new user text to
// the Responses API and returns the assistant's text. Requests carry the
// web_search tool so the model can look things up on its own.
func (c *Client) Complete(apiKey, systemPrompt string, turns []Message, userText string) (string, error) {
	var input []inputItem

	if strings.TrimSpace(systemPrompt) != "" {
		input = append(input, textItem("developer", systemPrompt, "input_text"))
	}
	for _, m := range turns {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		contentType := "input_text"
		if m.Role == "assistant" {
			contentType = "output_text"
		}
		input = append(input, textItem(m.Role, m.Content, contentType))
	}
	if strings.TrimSpace(userText) != "" {
		input = append(input, textItem("user", userText, "input_text"))
	}
	if len(input) == 0 {
		return "", fmt.Errorf("no content available for openai call")
	}

	reqBody := responsesRequest{
		Model: c.model,
		Input: input,
		Tools: []tool{{
			Type:         "web_search",
			UserLocation: &userLocation{Type: "approximate", Country: "US"},
		}},
		ToolChoice: "auto",
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal openai request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed reading openai response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 400)}
	}

	var parsed responsesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse openai response: %s", truncate(string(body), 400))
	}

	text := strings.TrimSpace(extractOutputText(parsed))
	if text == "" {
		return "", fmt.Errorf("openai response missing text output: %s", truncate(string(body), 400))
	}
	return text, nil
}

func textItem(role, text, contentType string) inputItem {
	return inputItem{
		Role:    role,
		Content: []contentItem{{Type: contentType, Text: text}},
	}
}

func extractOutputText(parsed responsesResponse) string {
	if len(parsed.OutputText) > 0 {
		return strings.Join(parsed.OutputText, "\n")
	}

	var chunks []string
	for _, item := range parsed.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				chunks = append(chunks, part.Text)
			}
		}
	}
	return strings.Join(chunks, "\n")
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
