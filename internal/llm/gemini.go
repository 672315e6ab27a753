package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

// GeminiBackend calls the Gemini generateContent REST endpoint.
type GeminiBackend struct {
	client *resty.Client
}

func NewGeminiBackend(baseURL, apiKey string) *GeminiBackend {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-goog-api-key", apiKey).
		SetRetryCount(0).
		SetTimeout(generationTimeout)
	return &GeminiBackend{client: c}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	SafetySettings    []SafetySetting  `json:"safetySettings,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// geminiRole maps chat roles onto Gemini's user/model roles.
func geminiRole(r models.Role) string {
	if r == models.RoleAssistant {
		return "model"
	}
	return "user"
}

func buildGenerateRequest(req Request) generateRequest {
	out := generateRequest{
		SafetySettings: req.Safety,
		GenerationConfig: generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.JSON {
		out.GenerationConfig.ResponseMimeType = "application/json"
	}
	if strings.TrimSpace(req.System) != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out.Contents = append(out.Contents, content{Role: geminiRole(m.Role), Parts: []part{{Text: m.Content}}})
	}
	out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: req.Input}}})
	return out
}

func (g *GeminiBackend) Generate(ctx context.Context, req Request) (string, error) {
	var (
		out     generateResponse
		errBody errorBody
	)
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(buildGenerateRequest(req)).
		SetResult(&out).
		SetError(&errBody).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", strings.TrimPrefix(req.Model, "models/")))
	if err != nil {
		return "", errors.Wrap(err, "gemini request")
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &APIError{
			Provider:   "gemini",
			StatusCode: resp.StatusCode(),
			Status:     errBody.Error.Status,
			Message:    errBody.Error.Message,
		}
	}

	// A blocked prompt or an empty candidate is a degenerate but valid reply.
	if len(out.Candidates) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}
