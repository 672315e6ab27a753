package llm

import (
	"context"
	"net/http"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	client openai.Client
	log    zerolog.Logger

	safetyOnce sync.Once
}

func NewOpenAIBackend(apiKey, baseURL string, httpClient *http.Client, log zerolog.Logger) *OpenAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(generationTimeout),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIBackend{
		client: openai.NewClient(opts...),
		log:    log.With().Str("component", "openai").Logger(),
	}
}

func buildChatParams(req Request) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		if m.Role == models.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(req.Input))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

func (o *OpenAIBackend) Generate(ctx context.Context, req Request) (string, error) {
	if len(req.Safety) > 0 {
		o.safetyOnce.Do(func() {
			o.log.Debug().Msg("safety thresholds are not supported by chat completions; relying on provider defaults")
		})
	}

	completion, err := o.client.Chat.Completions.New(ctx, buildChatParams(req))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &APIError{
				Provider:   "openai",
				StatusCode: apiErr.StatusCode,
				Status:     apiErr.Code,
				Message:    apiErr.Message,
			}
		}
		return "", errors.Wrap(err, "openai request")
	}
	if len(completion.Choices) == 0 {
		return "", nil
	}
	return completion.Choices[0].Message.Content, nil
}
