package ai

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/resilience"
	"github.com/newsletter-agent/pkg/logger"
	"github.com/newsletter-agent/pkg/ratelimit"
)

// Result is a normalized model response.
type Result struct {
	Content   string
	Citations []string
}

// Generator is the content-generation capability consumed by the planner,
// writer, and trending researcher. The model is treated as unreliable and
// non-deterministic; callers must validate every structured output.
type Generator interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (*Result, error)
}

// Client wraps the Anthropic SDK client
type Client struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	rateLimiter *ratelimit.MultiLimiter
	policy      *resilience.Policy
	log         *logger.Logger
}

// NewClient creates a new Anthropic client
func NewClient(cfg config.AnthropicConfig, maxRetries int, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Client {
	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
	)

	return &Client{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		rateLimiter: limiter,
		policy:      resilience.NewPolicy("anthropic_api", maxRetries),
		log:         log.WithComponent("ai"),
	}
}

// Complete sends a message to Claude and returns the normalized response
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (*Result, error) {
	if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterAnthropic); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	c.log.Debug().
		Str("model", c.model).
		Int("max_tokens", maxTokens).
		Msg("Sending request to Claude")

	var message *anthropic.Message
	err := c.policy.Execute(ctx, func() error {
		resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       anthropic.Model(c.model),
			MaxTokens:   int64(maxTokens),
			Temperature: anthropic.Float(temperature),
			System: []anthropic.TextBlockParam{
				{
					Type: "text",
					Text: systemPrompt,
				},
			},
			Messages: []anthropic.MessageParam{
				{
					Role: anthropic.MessageParamRoleUser,
					Content: []anthropic.ContentBlockParamUnion{
						anthropic.NewTextBlock(userPrompt),
					},
				},
			},
		})
		if err != nil {
			// API failures at this boundary are network-class.
			return resilience.Transient(err)
		}
		message = resp
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Msg("Claude API error")
		return nil, err
	}

	var content string
	var citations []string
	for _, block := range message.Content {
		textBlock := block.AsText()
		if textBlock.Text != "" {
			content += textBlock.Text
		}
		for _, cite := range textBlock.Citations {
			if url := cite.AsWebSearchResultLocation().URL; url != "" {
				citations = append(citations, url)
			}
		}
	}

	c.log.Debug().
		Int("input_tokens", int(message.Usage.InputTokens)).
		Int("output_tokens", int(message.Usage.OutputTokens)).
		Msg("Received Claude response")

	return &Result{Content: content, Citations: citations}, nil
}

// Ensure Client implements Generator
var _ Generator = (*Client)(nil)
