package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"llmflow/internal/domain"
	"llmflow/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(url string) *OllamaClient {
	return NewOllamaClient(config.BackendConfig{BaseURL: url}, newTestLogger())
}

func TestOllamaClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected Authorization header: %q", r.Header.Get("Authorization"))
		}

		var req ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "llama3.2" || req.Prompt != "Hello" || req.Stream {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.Options["temperature"] != 0.2 {
			t.Errorf("options = %v", req.Options)
		}

		json.NewEncoder(w).Encode(ollamaGenerateResponse{Model: "llama3.2", Response: "Hello from Ollama!", Done: true})
	}))
	defer server.Close()

	text, err := newTestClient(server.URL).Generate(context.Background(), domain.GenerateRequest{
		Model:   "llama3.2",
		Prompt:  "Hello",
		Options: map[string]any{"temperature": 0.2},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Hello from Ollama!" {
		t.Errorf("text = %q, want %q", text, "Hello from Ollama!")
	}
}

func TestOllamaClientGenerate_Attachments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Images) != 1 {
			t.Fatalf("images = %d, want 1", len(req.Images))
		}
		data, err := base64.StdEncoding.DecodeString(req.Images[0])
		if err != nil || string(data) != "\x89PNG" {
			t.Errorf("image payload = %q (%v)", data, err)
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "a picture"})
	}))
	defer server.Close()

	text, err := newTestClient(server.URL).Generate(context.Background(), domain.GenerateRequest{
		Model:       "llava",
		Prompt:      "Describe",
		Attachments: []domain.Attachment{{Name: "x.png", MIMEType: "image/png", Data: []byte("\x89PNG")}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "a picture" {
		t.Errorf("text = %q", text)
	}
}

func TestOllamaClientGenerate_APIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "ok"})
	}))
	defer server.Close()

	c := NewOllamaClient(config.BackendConfig{BaseURL: server.URL, APIKey: "secret"}, newTestLogger())
	if _, err := c.Generate(context.Background(), domain.GenerateRequest{Model: "m"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestOllamaClientGenerate_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Generate(context.Background(), domain.GenerateRequest{Model: "nope"})
	if !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("err = %v, want ErrProviderError", err)
	}
	if errors.Is(err, domain.ErrBackendUnreachable) {
		t.Error("a 404 is not an unreachable backend")
	}
}

func TestOllamaClientGenerate_ErrorField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"out of memory"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Generate(context.Background(), domain.GenerateRequest{Model: "m"})
	if !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("err = %v, want ErrProviderError", err)
	}
}

func TestOllamaClientGenerate_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url).Generate(context.Background(), domain.GenerateRequest{Model: "m"})
	if !errors.Is(err, domain.ErrBackendUnreachable) {
		t.Fatalf("err = %v, want ErrBackendUnreachable", err)
	}
}

func TestOllamaClientGenerate_ContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestClient(server.URL).Generate(ctx, domain.GenerateRequest{Model: "m"})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestOllamaClientEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" || len(req.Input) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1, 0}, {0, 1}}})
	}))
	defer server.Close()

	vecs, err := newTestClient(server.URL).Embed(context.Background(), "nomic-embed-text", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[1][1] != 1 {
		t.Errorf("vecs = %v", vecs)
	}
}

func TestOllamaClientEmbed_CountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Embed(context.Background(), "m", []string{"a", "b"})
	if !errors.Is(err, domain.ErrEmbeddingFailed) {
		t.Fatalf("err = %v, want ErrEmbeddingFailed", err)
	}
}

func TestOllamaClientEmbed_Empty(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	vecs, err := c.Embed(context.Background(), "m", nil)
	if err != nil || vecs != nil {
		t.Errorf("Embed(nil) = %v, %v", vecs, err)
	}
}

func TestOllamaClientListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		w.Write([]byte(`{"models":[{"name":"llama3.2:latest","size":2019393189,"modified_at":"2026-01-02T15:04:05Z"},{"name":"llava","size":10}]}`))
	}))
	defer server.Close()

	models, err := newTestClient(server.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("len = %d, want 2", len(models))
	}
	if models[0].Name != "llama3.2:latest" || models[0].Size != 2019393189 {
		t.Errorf("models[0] = %+v", models[0])
	}
}

func TestOllamaClientListModels_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).ListModels(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestOllamaClientIsHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ollama is running"))
	}))
	defer server.Close()

	if !newTestClient(server.URL).IsHealthy(context.Background()) {
		t.Error("expected healthy")
	}
}

func TestOllamaClientIsHealthy_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if newTestClient(server.URL).IsHealthy(context.Background()) {
		t.Error("expected unhealthy")
	}
}

func TestOllamaClientWarmup(t *testing.T) {
	var warmed bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Write([]byte("Ollama is running"))
		case "/api/generate":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["model"] != "llama3.2" || body["keep_alive"] != "5m" {
				t.Errorf("warmup body = %v", body)
			}
			warmed = true
			w.Write([]byte(`{"done":true}`))
		}
	}))
	defer server.Close()

	if err := newTestClient(server.URL).Warmup(context.Background(), "llama3.2"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if !warmed {
		t.Error("generate endpoint not called")
	}
}

func TestOllamaClientWarmup_Unhealthy(t *testing.T) {
	err := newTestClient("http://127.0.0.1:1").Warmup(context.Background(), "m")
	if !errors.Is(err, domain.ErrBackendUnreachable) {
		t.Fatalf("err = %v, want ErrBackendUnreachable", err)
	}
}

func TestOllamaClientDefaults(t *testing.T) {
	c := NewOllamaClient(config.BackendConfig{}, newTestLogger())
	if c.BaseURL() != ollamaDefaultBaseURL {
		t.Errorf("BaseURL = %q", c.BaseURL())
	}
	if want := ollamaDefaultConnTimeout + ollamaDefaultRespTimeout; c.client.Timeout != want {
		t.Errorf("Timeout = %v, want %v", c.client.Timeout, want)
	}

	c = NewOllamaClient(config.BackendConfig{BaseURL: "http://host:11434/"}, newTestLogger())
	if c.BaseURL() != "http://host:11434" {
		t.Errorf("trailing slash not trimmed: %q", c.BaseURL())
	}
}
