package memory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const (
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
	documentTitle         = "Clara Memory"
)

// GeminiEmbedder calls the Gemini embedContent endpoint.
type GeminiEmbedder struct {
	client     *resty.Client
	model      string
	dimensions int
}

// NewGeminiEmbedder builds an embedder against baseURL
// (https://generativelanguage.googleapis.com in production).
func NewGeminiEmbedder(baseURL, apiKey, model string, dimensions int) *GeminiEmbedder {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-goog-api-key", apiKey).
		SetTimeout(callTimeout)

	return &GeminiEmbedder{client: c, model: strings.TrimPrefix(model, "models/"), dimensions: dimensions}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type embedContentRequest struct {
	Model                string        `json:"model"`
	Content              geminiContent `json:"content"`
	TaskType             string        `json:"taskType"`
	Title                string        `json:"title,omitempty"`
	OutputDimensionality int           `json:"outputDimensionality,omitempty"`
}

type embedContentResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Embed returns the embedding of text framed for mode.
func (g *GeminiEmbedder) Embed(ctx context.Context, text string, mode Mode) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	req := embedContentRequest{
		Model:                "models/" + g.model,
		Content:              geminiContent{Parts: []geminiPart{{Text: text}}},
		TaskType:             taskRetrievalQuery,
		OutputDimensionality: g.dimensions,
	}
	if mode == ModeDocument {
		req.TaskType = taskRetrievalDocument
		req.Title = documentTitle
	}

	var (
		out     embedContentResponse
		errBody geminiErrorBody
	)
	start := time.Now()
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(&req).
		SetResult(&out).
		SetError(&errBody).
		Post(fmt.Sprintf("/v1beta/models/%s:embedContent", g.model))
	if err != nil {
		return nil, errors.Wrap(err, "gemini embed request")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Errorf("gemini embed status %d: %s (%s)", resp.StatusCode(), errBody.Error.Message, time.Since(start).Round(time.Millisecond))
	}
	if len(out.Embedding.Values) == 0 {
		return nil, errors.New("gemini embed: empty embedding")
	}
	return out.Embedding.Values, nil
}
