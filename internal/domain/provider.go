package domain

import "context"

// Attachment is a binary file passed to the model alongside the prompt text.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"-"`
}

// GenerateRequest is one text-generation call.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Options     map[string]any
	Attachments []Attachment
}

// ModelInfo describes a model available on the backend.
type ModelInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ModelClient is the contract for the inference backend.
// Implementations return an error wrapping ErrBackendUnreachable when the
// backend cannot be contacted at all, distinct from ErrProviderError.
type ModelClient interface {
	// Generate returns the full completion text for a prompt.
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	// Embed returns one vector per input text.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
	// ListModels returns the models installed on the backend.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
