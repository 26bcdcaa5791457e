package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInput() NarrationInput {
	return NarrationInput{
		Features:    []string{"AdjEM", "AdjO"},
		Values:      []float64{12.5, 101},
		Means:       []float64{3.2, 104.75},
		Probability: 0.8134,
	}
}

func TestNarrate(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"` + "```" + `\nStrong   efficiency margin.\n` + "```" + `"}}]}`))
	}))
	defer server.Close()

	n := NewNarrator("secret", "", 0, 120, nil).WithEndpoint(server.URL)
	text, err := n.Narrate(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.Equal(t, "Strong efficiency margin.", text)

	assert.Equal(t, "deepseek-chat", got.Model)
	assert.Equal(t, 120, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	prompt := got.Messages[1].Content
	assert.Contains(t, prompt, "81.3% chance")
	assert.Contains(t, prompt, "- AdjEM: 12.50 (average 3.20)")
	assert.Contains(t, prompt, "- AdjO: 101.00 (average 104.75)")
}

func TestNarrateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	n := NewNarrator("secret", "m", 0, 0, nil).WithEndpoint(server.URL)
	_, err := n.Narrate(context.Background(), sampleInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestNarrateEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	n := NewNarrator("secret", "m", 0, 0, nil).WithEndpoint(server.URL)
	_, err := n.Narrate(context.Background(), sampleInput())
	assert.Error(t, err)
}

func TestNarrateRequiresKeyAndShape(t *testing.T) {
	_, err := NewNarrator("", "m", 0, 0, nil).Narrate(context.Background(), sampleInput())
	assert.Error(t, err)

	var nilNarrator *Narrator
	_, err = nilNarrator.Narrate(context.Background(), sampleInput())
	assert.Error(t, err)

	in := sampleInput()
	in.Means = in.Means[:1]
	_, err = NewNarrator("k", "m", 0, 0, nil).Narrate(context.Background(), in)
	assert.Error(t, err)
}

func TestCleanNarrative(t *testing.T) {
	assert.Equal(t, "a b", cleanNarrative("```text\n a \n\n b\n```"))
	assert.True(t, strings.HasPrefix(buildPrompt(sampleInput()), "A neural network"))
}
