package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultEndpoint = "https://api.deepseek.com/chat/completions"

// Narrator turns a prediction into a few sentences of plain-language analysis
// using a chat-completions endpoint.
type Narrator struct {
	apiKey    string
	model     string
	client    *http.Client
	baseURL   string
	maxTokens int
	logger    *zap.Logger
}

// NarrationInput is everything the narrator is told about one prediction.
type NarrationInput struct {
	Features    []string
	Values      []float64
	Means       []float64
	Probability float64
}

func NewNarrator(apiKey, model string, timeout time.Duration, maxTokens int, logger *zap.Logger) *Narrator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if model == "" {
		model = "deepseek-chat"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Narrator{
		apiKey:    apiKey,
		model:     model,
		client:    &http.Client{Timeout: timeout},
		baseURL:   defaultEndpoint,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// WithEndpoint points the narrator at a different chat-completions URL.
func (n *Narrator) WithEndpoint(url string) *Narrator {
	n.baseURL = url
	return n
}

func (n *Narrator) Narrate(ctx context.Context, in NarrationInput) (string, error) {
	if n == nil || n.client == nil {
		return "", errors.New("narrator not configured")
	}
	if n.apiKey == "" {
		return "", errors.New("llm api key is required")
	}
	if len(in.Values) != len(in.Features) || len(in.Means) != len(in.Features) {
		return "", fmt.Errorf("narration input has %d features, %d values and %d means",
			len(in.Features), len(in.Values), len(in.Means))
	}

	payload, err := json.Marshal(chatRequest{
		Model: n.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a college basketball analyst. Answer in at most three sentences of plain text."},
			{Role: "user", Content: buildPrompt(in)},
		},
		MaxTokens:   n.maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", n.apiKey))
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr chatErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("llm api error: %s", apiErr.Error.Message)
		}
		return "", fmt.Errorf("llm api returned status %d", resp.StatusCode)
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", errors.New("llm api returned empty response")
	}
	text := cleanNarrative(apiResp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("llm api returned blank narrative")
	}
	n.logger.Debug("narrative generated",
		zap.String("model", n.model),
		zap.Duration("latency", time.Since(started)))
	return text, nil
}

func buildPrompt(in NarrationInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A neural network gives this team a %.1f%% chance of winning.\n", in.Probability*100)
	b.WriteString("Team statistics compared with the training average:\n")
	for i, name := range in.Features {
		fmt.Fprintf(&b, "- %s: %.2f (average %.2f)\n", name, in.Values[i], in.Means[i])
	}
	b.WriteString("Explain which statistics drive the prediction.")
	return b.String()
}

// cleanNarrative strips code fences and collapses whitespace.
func cleanNarrative(content string) string {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```text")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.Join(strings.Fields(trimmed), " ")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
