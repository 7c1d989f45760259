// Package openai adapts the OpenAI Chat Completions API to the generic
// provider contract. It is used for intent classification and answer
// synthesis; the adapter is deliberately non-streaming since pipeline steps
// consume complete responses.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/siteworks/siteflow/provider"
)

// Options configure the OpenAI provider adapter. Fields mirror a minimal
// subset of Chat Completion parameters; extend via functional options
// without breaking callers.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Provider wraps the OpenAI Chat Completions API behind provider.Provider.
type Provider struct {
	client *openai.Client
	opts   Options
}

// New creates a provider using the official client. Without an explicit
// APIKey the client reads OPENAI_API_KEY from the environment.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       openai.ChatModelGPT4oMini,
		Temperature: 0.1,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       openai.ChatModelGPT4oMini,
		Temperature: 0.1,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Invoke sends in.Text as a single user message and returns the first choice.
// LLM responses carry no calibrated confidence, so the result reports 1 and
// downstream validation applies its own thresholds.
func (p *Provider) Invoke(ctx context.Context, in provider.Input) (*provider.Result, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(in.Text),
		},
		Model:               p.opts.Model,
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(p.opts.MaxTokens),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &provider.Error{Provider: "openai", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &provider.Error{Provider: "openai", Err: fmt.Errorf("empty response for model %s", p.opts.Model)}
	}

	return &provider.Result{
		Text:       resp.Choices[0].Message.Content,
		Confidence: 1,
	}, nil
}
