package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/claude-nexus/proxy/common/config"
)

// LLMClient abstracts the external analysis model so the worker's retry
// and parsing logic can be tested without a live network call.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (text string, promptTokens, completionTokens int, err error)
}

// geminiClient calls the Gemini generateContent REST endpoint directly,
// the shape spec.md §6 describes for the analysis LLM (GEMINI_API_KEY /
// GEMINI_MODEL_NAME), without pulling in a full cloud SDK for one call shape.
type geminiClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewGeminiClient builds an LLMClient against the configured Gemini model.
func NewGeminiClient(httpClient *http.Client) LLMClient {
	return &geminiClient{
		httpClient: httpClient,
		apiKey:     config.GeminiAPIKey,
		model:      config.GeminiModelName,
		baseURL:    "https://generativelanguage.googleapis.com/v1beta",
	}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (g *geminiClient) Complete(ctx context.Context, prompt string) (string, int, int, error) {
	if g.apiKey == "" {
		return "", 0, 0, errors.New("worker: no analysis LLM api key configured")
	}

	reqBody, err := json.Marshal(geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}})
	if err != nil {
		return "", 0, 0, errors.Wrap(err, "marshal gemini request")
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", 0, 0, errors.Wrap(err, "build gemini request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, 0, errors.Wrap(err, "call analysis LLM")
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, 0, errors.Wrap(err, "read analysis LLM response")
	}
	if resp.StatusCode >= 300 {
		return "", 0, 0, errors.Errorf("analysis LLM returned status %d: %s", resp.StatusCode, string(respBytes))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return "", 0, 0, errors.Wrap(err, "parse analysis LLM response")
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", 0, 0, errors.New("analysis LLM returned no candidates")
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return text.String(), parsed.UsageMetadata.PromptTokenCount, parsed.UsageMetadata.CandidatesTokenCount, nil
}
