// Package llm is the gateway to the hosted language model. It holds one
// configuration per role (persona, summarizer, classifier, emotion
// extraction), each built once and shared by all requests.
package llm

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/AnshRaj112/clara-backend/internal/models"
	"github.com/AnshRaj112/clara-backend/pkg/result"
)

const (
	generationTimeout = 30 * time.Second
	auxTimeout        = 15 * time.Second

	TopicOther = "Other"
)

// TopicLabels is the closed classifier label set.
var TopicLabels = []string{"Career", "Productivity", "Relationships", "Health", "Anxiety", "Philosophy", "Learning", TopicOther}

var ErrUnknownLabel = errors.New("classifier returned a label outside the allowed set")

// SafetySetting is a per-category blocking threshold.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// DefaultSafety blocks medium-and-above harassment, hate speech and dangerous
// content, and only high-probability sexually explicit content.
var DefaultSafety = []SafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_ONLY_HIGH"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
}

// Request is one generation call.
type Request struct {
	Model       string
	System      string
	Safety      []SafetySetting
	History     []models.Message
	Input       string
	Temperature *float64
	MaxTokens   int
	JSON        bool
}

// Backend performs a single generation. It must not retry.
type Backend interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type modelConfig struct {
	model       string
	system      string
	temperature *float64
	maxTokens   int
	json        bool
}

// Config selects models and prompts for a Gateway.
type Config struct {
	PersonaModel string
	FastModel    string
	Prompts      Prompts
}

type Gateway struct {
	backend Backend
	cfg     Config
	log     zerolog.Logger

	personaOnce, summarizerOnce, classifierOnce, metaOnce sync.Once

	persona, summarizer, classifier, meta modelConfig
	metaSchema                            *jsonschema.Schema
}

func NewGateway(backend Backend, cfg Config, log zerolog.Logger) *Gateway {
	if cfg.Prompts.Persona == "" {
		cfg.Prompts = DefaultPrompts()
	}
	return &Gateway{backend: backend, cfg: cfg, log: log.With().Str("component", "llm").Logger()}
}

func temp(v float64) *float64 { return &v }

func (g *Gateway) personaConfig() modelConfig {
	g.personaOnce.Do(func() {
		g.persona = modelConfig{model: g.cfg.PersonaModel, system: g.cfg.Prompts.Persona}
	})
	return g.persona
}

func (g *Gateway) summarizerConfig() modelConfig {
	g.summarizerOnce.Do(func() {
		g.summarizer = modelConfig{model: g.cfg.FastModel, system: g.cfg.Prompts.Summarizer, temperature: temp(0.2)}
	})
	return g.summarizer
}

func (g *Gateway) classifierConfig() modelConfig {
	g.classifierOnce.Do(func() {
		g.classifier = modelConfig{model: g.cfg.FastModel, system: g.cfg.Prompts.Classifier, temperature: temp(0), maxTokens: 8}
	})
	return g.classifier
}

const emotionSchema = `{
	"type": "object",
	"required": ["tone", "weight"],
	"properties": {
		"tone": {"type": "string", "minLength": 1},
		"weight": {
			"anyOf": [
				{"type": "number"},
				{"type": "string", "pattern": "^\\s*-?\\d+(\\.\\d+)?\\s*$"}
			]
		}
	}
}`

func (g *Gateway) metaConfig() (modelConfig, *jsonschema.Schema) {
	g.metaOnce.Do(func() {
		g.meta = modelConfig{model: g.cfg.FastModel, temperature: temp(0), json: true}
		g.metaSchema = jsonschema.MustCompileString("emotion.json", emotionSchema)
	})
	return g.meta, g.metaSchema
}

func (g *Gateway) generate(ctx context.Context, mc modelConfig, history []models.Message, input string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := g.backend.Generate(ctx, Request{
		Model:       mc.model,
		System:      mc.system,
		Safety:      DefaultSafety,
		History:     history,
		Input:       input,
		Temperature: mc.temperature,
		MaxTokens:   mc.maxTokens,
		JSON:        mc.json,
	})
	g.log.Debug().Str("model", mc.model).Dur("took", time.Since(start)).Err(err).Msg("generate")
	if err != nil && IsRateLimited(err) && !errors.Is(err, ErrRateLimited) {
		err = errors.Wrap(ErrRateLimited, err.Error())
	}
	return out, err
}

// SendTurn generates the persona's reply to input given the replayed history.
// An empty reply is not an error.
func (g *Gateway) SendTurn(ctx context.Context, history []models.Message, input string) (string, error) {
	reply, err := g.generate(ctx, g.personaConfig(), history, input, generationTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// Summarize condenses a transcript into a durable summary.
func (g *Gateway) Summarize(ctx context.Context, transcript string) result.Result[string] {
	if strings.TrimSpace(transcript) == "" {
		return result.Fallback("", errors.New("empty transcript"))
	}
	out, err := g.generate(ctx, g.summarizerConfig(), nil, transcript, auxTimeout)
	if err != nil {
		return result.Fallback("", errors.Wrap(err, "summarize"))
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return result.Fallback("", errors.New("summarizer returned nothing"))
	}
	return result.Ok(out)
}

// ClassifyTopic returns one label from TopicLabels. Blank input is "Other"
// without a backend call; failures carry "Other" as the value.
func (g *Gateway) ClassifyTopic(ctx context.Context, text string) result.Result[string] {
	if strings.TrimSpace(text) == "" {
		return result.Ok(TopicOther)
	}
	out, err := g.generate(ctx, g.classifierConfig(), nil, text, auxTimeout)
	if err != nil {
		return result.Fallback(TopicOther, errors.Wrap(err, "classify"))
	}
	if label, ok := NormalizeLabel(out); ok {
		return result.Ok(label)
	}
	return result.Fallback(TopicOther, errors.Wrapf(ErrUnknownLabel, "%q", out))
}

// NormalizeLabel strips quotes and case from a classifier answer.
func NormalizeLabel(raw string) (string, bool) {
	label := strings.ToLower(strings.Trim(strings.TrimSpace(raw), `'"`+"`."))
	for _, l := range TopicLabels {
		if strings.ToLower(l) == label {
			return l, true
		}
	}
	return "", false
}

// ExtractEmotion returns the tone and intensity of text. Any failure carries
// the default {Neutral, 1}.
func (g *Gateway) ExtractEmotion(ctx context.Context, text string) result.Result[models.Emotion] {
	def := models.DefaultEmotion()
	if strings.TrimSpace(text) == "" {
		return result.Ok(def)
	}
	mc, schema := g.metaConfig()
	out, err := g.generate(ctx, mc, nil, g.cfg.Prompts.emotionPrompt(text), auxTimeout)
	if err != nil {
		return result.Fallback(def, errors.Wrap(err, "extract emotion"))
	}
	em, err := parseEmotion(out, schema)
	if err != nil {
		return result.Fallback(def, err)
	}
	return result.Ok(em)
}

func parseEmotion(raw string, schema *jsonschema.Schema) (models.Emotion, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return models.Emotion{}, errors.Wrap(err, "emotion json")
	}
	if err := schema.Validate(doc); err != nil {
		return models.Emotion{}, errors.Wrap(err, "emotion schema")
	}

	m := doc.(map[string]interface{})
	tone := strings.TrimSpace(m["tone"].(string))
	var weight float64
	switch w := m["weight"].(type) {
	case json.Number:
		weight, _ = w.Float64()
	case string:
		weight, _ = strconv.ParseFloat(strings.TrimSpace(w), 64)
	}
	if tone == "" {
		tone = models.NeutralTone
	}
	return models.Emotion{Tone: tone, Weight: models.ClampWeight(int(weight))}, nil
}
