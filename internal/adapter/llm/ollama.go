package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"llmflow/internal/domain"
	"llmflow/internal/infra/config"
	"llmflow/internal/infra/tracer"
)

// Compile-time interface assertion.
var _ domain.ModelClient = (*OllamaClient)(nil)

// Default Ollama timeouts: short connect (local), long response (model loading).
const (
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second
	ollamaDefaultBaseURL     = "http://localhost:11434"
)

// OllamaClient talks to the native Ollama API. Generation is
// non-streaming: the whole completion is returned in one response.
type OllamaClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// OllamaModel describes a locally available Ollama model.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// NewOllamaClient creates a client for the backend described by cfg.
func NewOllamaClient(cfg config.BackendConfig, logger *slog.Logger) *OllamaClient {
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if cfg.RespTimeout == 0 {
		cfg.RespTimeout = ollamaDefaultRespTimeout
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}

	return &OllamaClient{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// BaseURL returns the native API base the client sends requests to.
func (c *OllamaClient) BaseURL() string { return c.baseURL }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
	Images  []string       `json:"images,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate implements domain.ModelClient.
func (c *OllamaClient) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		tracer.StringAttr("llm.model", req.Model),
		tracer.IntAttr("llm.attachments", len(req.Attachments)),
	)
	var err error
	defer func() { tracer.End(span, err) }()

	payload := ollamaGenerateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Options: req.Options,
	}
	for _, a := range req.Attachments {
		payload.Images = append(payload.Images, base64.StdEncoding.EncodeToString(a.Data))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	respBody, err := doJSONRequest(ctx, c.client, http.MethodPost, c.baseURL+"/api/generate", body, c.headers())
	if err != nil {
		return "", err
	}

	var resp ollamaGenerateResponse
	if err = json.Unmarshal(respBody, &resp); err != nil {
		err = fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
		return "", err
	}
	if resp.Error != "" {
		err = fmt.Errorf("%w: %s", domain.ErrProviderError, resp.Error)
		return "", err
	}

	c.logger.Debug("model generated",
		"model", req.Model,
		"prompt_len", len(req.Prompt),
		"response_len", len(resp.Response),
		"duration", time.Since(start),
	)
	return resp.Response, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements domain.ModelClient.
func (c *OllamaClient) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, span := tracer.StartSpan(ctx, "llm.embed",
		tracer.StringAttr("llm.model", model),
		tracer.IntAttr("llm.inputs", len(texts)),
	)
	var err error
	defer func() { tracer.End(span, err) }()

	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, c.client, http.MethodPost, c.baseURL+"/api/embed", body, c.headers())
	if err != nil {
		return nil, err
	}

	var resp ollamaEmbedResponse
	if err = json.Unmarshal(respBody, &resp); err != nil {
		err = fmt.Errorf("%w: unmarshal response: %v", domain.ErrEmbeddingFailed, err)
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		err = fmt.Errorf("%w: got %d vectors for %d inputs", domain.ErrEmbeddingFailed, len(resp.Embeddings), len(texts))
		return nil, err
	}
	return resp.Embeddings, nil
}

// ListModels implements domain.ModelClient.
func (c *OllamaClient) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	models, err := c.Tags(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ModelInfo, 0, len(models))
	for _, m := range models {
		out = append(out, domain.ModelInfo{Name: m.Name, Size: m.Size})
	}
	return out, nil
}

// Tags returns the raw /api/tags listing, including modification times.
func (c *OllamaClient) Tags(ctx context.Context) ([]OllamaModel, error) {
	body, err := doJSONRequest(ctx, c.client, http.MethodGet, c.baseURL+"/api/tags", nil, c.headers())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}
	return resp.Models, nil
}

// IsHealthy checks if the Ollama server is reachable.
func (c *OllamaClient) IsHealthy(ctx context.Context) bool {
	_, err := doJSONRequest(ctx, c.client, http.MethodGet, c.baseURL+"/", nil, c.headers())
	return err == nil
}

// Warmup sends a lightweight request to pre-load model.
// This prevents the first real request from incurring model load latency.
func (c *OllamaClient) Warmup(ctx context.Context, model string) error {
	if !c.IsHealthy(ctx) {
		return fmt.Errorf("%w: ollama server not reachable at %s", domain.ErrBackendUnreachable, c.baseURL)
	}

	c.logger.Info("warming up model", "model", model, "base_url", c.baseURL)

	// An empty prompt with keep_alive loads the model without generating.
	payload := fmt.Sprintf(`{"model":%q,"keep_alive":"5m"}`, model)
	if _, err := doJSONRequest(ctx, c.client, http.MethodPost, c.baseURL+"/api/generate", []byte(payload), c.headers()); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	c.logger.Info("model warmed up", "model", model)
	return nil
}

func (c *OllamaClient) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}
