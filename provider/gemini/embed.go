package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loomkit/loom"
)

// Embedding implements loom.EmbeddingProvider using the Gemini
// batchEmbedContents endpoint.
type Embedding struct {
	apiKey string
	model  string
	dims   int
	client *http.Client
}

// NewEmbedding creates a Gemini embedding provider. dims is requested
// via outputDimensionality; Gemini truncates vectors to fit.
func NewEmbedding(apiKey, model string, dims int) *Embedding {
	return &Embedding{apiKey: apiKey, model: model, dims: dims, client: &http.Client{}}
}

// Name returns "gemini".
func (e *Embedding) Name() string { return "gemini" }

// Dimensions returns the configured embedding vector size.
func (e *Embedding) Dimensions() int { return e.dims }

type embedRequest struct {
	Requests []embedOne `json:"requests"`
}

type embedOne struct {
	Model                string  `json:"model"`
	Content              content `json:"content"`
	OutputDimensionality int     `json:"outputDimensionality,omitempty"`
}

type embedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

// Embed returns one vector per input text, in input order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := embedRequest{}
	for _, t := range texts {
		body.Requests = append(body.Requests, embedOne{
			Model:                "models/" + e.model,
			Content:              content{Parts: []part{{Text: t}}},
			OutputDimensionality: e.dims,
		})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &loom.ProviderError{
			Provider: "gemini", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", baseURL, e.model, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &loom.ProviderError{
			Provider: "gemini", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &loom.ProviderError{
			Provider: "gemini", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpErr(resp)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &loom.ProviderError{
			Provider: "gemini", Message: fmt.Sprintf("decode response: %v", err)}
	}
	vectors := make([][]float32, len(out.Embeddings))
	for i, emb := range out.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

var _ loom.EmbeddingProvider = (*Embedding)(nil)
