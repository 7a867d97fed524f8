package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/latestcomment/go-debate-arena/internal/models"
)

// Generator produces an agent's next conversational turn from its persona
// prompt and the round's recent history. Text generation is an external
// collaborator; the orchestrator only depends on this boundary.
type Generator interface {
	Generate(ctx context.Context, persona string, history []models.HistoryEntry) (string, error)
}

const openRouterURL = "https://openrouter.ai/api/v1/chat/completions"

var ErrNoChoices = errors.New("no response choices received")

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// OpenRouterGenerator is the default Generator, backed by the OpenRouter
// chat-completions API.
type OpenRouterGenerator struct {
	apiKey string
	model  string
	client *http.Client
}

// NewOpenRouterGenerator builds a generator for the given key and model.
func NewOpenRouterGenerator(apiKey, model string) (*OpenRouterGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("OPENROUTER_API_KEY not set")
	}
	if model == "" {
		model = "deepseek/deepseek-chat-v3.1:free"
	}
	return &OpenRouterGenerator{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{},
	}, nil
}

// Generate renders the history as a transcript and asks the model for the
// next turn.
func (g *OpenRouterGenerator) Generate(ctx context.Context, persona string, history []models.HistoryEntry) (string, error) {
	var transcript bytes.Buffer
	for _, entry := range history {
		fmt.Fprintf(&transcript, "[%s] %s: %s\n", entry.Role, entry.AgentName, entry.Text)
	}
	if transcript.Len() == 0 {
		transcript.WriteString("(the debate has just begun)")
	}

	payload := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: persona},
			{Role: "user", Content: transcript.String()},
		},
		MaxTokens: 8192,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openRouterURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openrouter request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrNoChoices
	}
	return parsed.Choices[0].Message.Content, nil
}

// StaticGenerator cycles through fixed lines; used in tests and dry runs.
type StaticGenerator struct {
	Lines []string
	next  int
}

func (g *StaticGenerator) Generate(_ context.Context, _ string, _ []models.HistoryEntry) (string, error) {
	if len(g.Lines) == 0 {
		return "I have nothing further to add.", nil
	}
	line := g.Lines[g.next%len(g.Lines)]
	g.next++
	return line, nil
}
