// Package llm implements the semantic PHI identifier: prompt construction,
// the provider call, and the structured-output parse fallback chain.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Request is one generation request to a provider.
type Request struct {
	System string
	Prompt string
	// JSONOutput asks the provider for schema-conformant JSON output.
	JSONOutput bool
}

// Response is the provider's reply.
type Response struct {
	Content string
	Model   string
}

// Provider is the minimal LLM call contract. Implementations must honor
// ctx cancellation and keep their connection warm across calls.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// OllamaProvider implements Provider against a local Ollama server. The
// http.Client is long-lived and the keep_alive request field pins the model
// in memory, amortizing model-load latency across consecutive chunk calls.
type OllamaProvider struct {
	endpoint string
	model    string
	client   *http.Client
	logger   *zap.Logger
}

// NewOllamaProvider creates a provider for the given endpoint and model.
func NewOllamaProvider(endpoint, model string, logger *zap.Logger) *OllamaProvider {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaProvider{
		endpoint: endpoint,
		model:    model,
		// No client-level timeout: per-call deadlines come from ctx so the
		// identifier controls them.
		client: &http.Client{},
		logger: logger,
	}
}

// Name implements Provider.
func (o *OllamaProvider) Name() string { return "ollama" }

// Generate implements Provider using the /api/generate endpoint.
func (o *OllamaProvider) Generate(ctx context.Context, req Request) (Response, error) {
	body := map[string]interface{}{
		"model":      o.model,
		"prompt":     req.Prompt,
		"stream":     false,
		"keep_alive": "10m",
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.JSONOutput {
		body["format"] = "json"
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	const maxResponse = 10 << 20
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Model    string `json:"model"`
		Response string `json:"response"`
		Done     bool   `json:"done"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Response{}, fmt.Errorf("failed to parse response: %w", err)
	}

	o.logger.Debug("LLM call completed",
		zap.String("model", result.Model),
		zap.Int("prompt_chars", len(req.Prompt)),
		zap.Int("response_chars", len(result.Response)),
		zap.Duration("duration", time.Since(start)))

	return Response{Content: result.Response, Model: result.Model}, nil
}
