// Package answer asks a language model to answer a question using only the
// member-message context it is given.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	logging "github.com/ipfs/go-log/v2"

	"github.com/stellarlinkco/memberqa/internal/config"
)

var log = logging.Logger("memberqa/answer")

var (
	ErrEmptyAnswer = errors.New("model returned an empty answer")
	ErrNoAPIKey    = errors.New("API key not set. Run 'memberqa onboard' or set MEMBERQA_API_KEY / OPENAI_API_KEY")
)

const systemPrompt = `You are a helpful assistant that answers questions about member data.
You will be given member messages as context, and you need to answer questions accurately.

Rules:
- Only use information from the provided context
- If the answer isn't in the context, say "I don't have enough information to answer that"
- Be concise but complete
- Extract specific details like dates, numbers, names accurately
- Don't make assumptions or hallucinate data
`

const userPromptTemplate = `Context (Member Messages):
%s

Question: %s

Please provide a direct answer based only on the information above.`

// Answerer answers a question against a context blob.
type Answerer interface {
	Answer(ctx context.Context, question, blob string) (string, error)
}

// Func adapts an ordinary function to Answerer.
type Func func(ctx context.Context, question, blob string) (string, error)

func (fn Func) Answer(ctx context.Context, question, blob string) (string, error) {
	return fn(ctx, question, blob)
}

type Options struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// ModelAnswerer answers through an agentsdk-go model provider.
type ModelAnswerer struct {
	provider    model.Provider
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

func New(provider model.Provider, opts Options) *ModelAnswerer {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultAnswerTimeout) * time.Second
	}
	return &ModelAnswerer{
		provider:    provider,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		timeout:     timeout,
	}
}

// NewFromConfig picks the OpenAI or Anthropic provider from cfg.
func NewFromConfig(cfg *config.Config) (*ModelAnswerer, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	return New(NewProvider(cfg), Options{
		MaxTokens:   cfg.Answer.MaxTokens,
		Temperature: cfg.Answer.Temperature,
		Timeout:     time.Duration(cfg.Answer.TimeoutSec) * time.Second,
	}), nil
}

// NewProvider builds the model provider named by cfg.Provider.Type.
func NewProvider(cfg *config.Config) model.Provider {
	switch cfg.Provider.Type {
	case "anthropic":
		return &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Answer.Model,
			MaxTokens: cfg.Answer.MaxTokens,
		}
	default: // "openai" or empty
		return &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Answer.Model,
			MaxTokens: cfg.Answer.MaxTokens,
		}
	}
}

// BuildPrompt renders the user turn sent to the model.
func BuildPrompt(question, blob string) string {
	return fmt.Sprintf(userPromptTemplate, blob, question)
}

func (a *ModelAnswerer) Answer(ctx context.Context, question, blob string) (string, error) {
	mdl, err := a.provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	temperature := a.temperature
	start := time.Now()
	resp, err := mdl.Complete(ctx, model.Request{
		System: systemPrompt,
		Messages: []model.Message{
			{Role: "user", Content: BuildPrompt(question, blob)},
		},
		MaxTokens:   a.maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		log.Errorw("Model completion failed", "err", err, "duration", time.Since(start))
		return "", fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return "", ErrEmptyAnswer
	}

	out := strings.TrimSpace(resp.Message.Content)
	if out == "" {
		return "", ErrEmptyAnswer
	}
	log.Infow("Model answered question",
		"questionChars", len(question),
		"contextChars", len(blob),
		"answerChars", len(out),
		"inputTokens", resp.Usage.InputTokens,
		"outputTokens", resp.Usage.OutputTokens,
		"duration", time.Since(start))
	return out, nil
}
