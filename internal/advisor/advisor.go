// Package advisor provides the optional LLM fallback consulted when a
// collection session stalls. It is isolated behind the narrow engine.Advisor
// capability interface: the engine hands it a small page snapshot and gets
// back at most one proposed page operation. The advisor never participates in
// the engine's stopping rules.
package advisor

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/harvest-cli/internal/config"
	"github.com/xkilldash9x/harvest-cli/internal/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const systemPrompt = `You assist a web page crawler that is collecting the items of a result list
by scrolling. The collection has stalled: scrolling further yields no new items.
Given the page state, propose at most ONE page operation that could reveal more
items, such as clicking a "load more" or "show all" control.

Respond with a single JSON object and nothing else:
  {"kind":"click","selector":"<css selector>"}
  {"kind":"wait","wait_ms":<milliseconds>}
  {"kind":"none"}
Use {"kind":"none"} when no operation is likely to help.`

// Client proposes page operations using a Gemini model.
type Client struct {
	client *genai.Client
	model  string
	logger *zap.Logger
	cfg    config.AdvisorConfig
}

// Client implements the engine's fallback capability.
var _ engine.Advisor = (*Client)(nil)

// NewClient initializes the advisor from configuration.
func NewClient(ctx context.Context, cfg config.AdvisorConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("advisor API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Client{
		client: client,
		model:  cfg.Model,
		logger: logger.Named("advisor"),
		cfg:    cfg,
	}, nil
}

// ProposeAction implements engine.Advisor.
func (c *Client) ProposeAction(ctx context.Context, snapshot engine.PageSnapshot) (*engine.Action, error) {
	userPrompt, err := json.MarshalToString(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode page snapshot: %w", err)
	}

	callCtx := ctx
	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	resp, err := c.client.Models.GenerateContent(callCtx, c.model,
		genai.Text(userPrompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("advisor generation failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, nil
	}

	action, err := parseAction(text)
	if err != nil {
		c.logger.Warn("Advisor returned an unparseable proposal.",
			zap.String("raw", text), zap.Error(err))
		return nil, nil
	}
	return action, nil
}

// parseAction decodes the model's JSON reply. A "none" kind or a click without
// a selector yields no action.
func parseAction(raw string) (*engine.Action, error) {
	// Models occasionally wrap JSON in a code fence despite instructions.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")

	var action engine.Action
	if err := json.UnmarshalFromString(strings.TrimSpace(raw), &action); err != nil {
		return nil, err
	}
	switch action.Kind {
	case "none", "":
		return nil, nil
	case "click":
		if action.Selector == "" {
			return nil, nil
		}
	case "wait":
		if action.WaitMs <= 0 {
			return nil, nil
		}
	}
	return &action, nil
}
