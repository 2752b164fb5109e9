// Package genai personalizes call scripts with the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aloksinha3/Mada/internal/models"
)

// Defaults for the personalization client.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.4
	DefaultMaxTokens   = 220
	DefaultTimeout     = 8 * time.Second
	// MaxScriptLength bounds the rewritten script; longer output is rejected.
	MaxScriptLength = 900
)

var (
	ErrNoAPIKey          = errors.New("OpenAI API key not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrUnusableScript    = errors.New("model returned an unusable script")
)

const systemPrompt = `You rewrite short phone call scripts for SabCare, a prenatal care service calling expectant mothers.
Keep every fact in the script: the patient's name, medication names and dosages, gestational age, and any warning signs.
Use warm, plain language suitable for text-to-speech. Do not add medical advice, questions about symptoms not in the script, or keypad instructions.
Reply with the script only, at most 80 words.`

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK's completion service to chatService.
type completions struct {
	svc openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the personalization client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Option configures the personalization client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens overrides the completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds each personalization request.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client rewrites rendered scripts. Callers keep the rendered text whenever
// Personalize returns an error.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// NewClient creates a personalization client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "timeout", cfg.Timeout)
	return newClient(completions{svc: cli.Chat.Completions}, cfg), nil
}

func newClient(chat chatService, cfg Opts) *Client {
	return &Client{
		chat:        chat,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}
}

// Personalize rewrites script for patient p.
func (c *Client) Personalize(ctx context.Context, ct models.CallType, p models.Patient, script string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	user := fmt.Sprintf("Call type: %s\nGestational age: %d weeks\nRisk category: %s\nScript:\n%s",
		ct.Label(), p.GestationalAgeWeeks, p.RiskCategory, script)
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(int64(c.maxTokens)),
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Warn("genai.Personalize: request failed", "patientID", p.ID, "callType", ct, "error", err)
		return "", fmt.Errorf("personalize %s: %w", ct, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" || len(out) > MaxScriptLength {
		return "", ErrUnusableScript
	}
	slog.Debug("genai.Personalize: script rewritten", "patientID", p.ID, "callType", ct, "length", len(out))
	return out, nil
}
