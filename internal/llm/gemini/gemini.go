// Package gemini adapts the Google Gen AI SDK to llm.Client.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"google.golang.org/genai"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/retry"
)

// DefaultThinkingBudget is requested when a call asks for thoughts.
const DefaultThinkingBudget = 24576

type Client struct {
	models         *genai.Models
	thinkingBudget int32
}

var _ llm.Client = (*Client)(nil)

// New creates a Gemini API client. thinkingBudget <= 0 selects the default.
func New(ctx context.Context, apiKey string, thinkingBudget int) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if thinkingBudget <= 0 {
		thinkingBudget = DefaultThinkingBudget
	}
	return &Client{models: c.Models, thinkingBudget: int32(thinkingBudget)}, nil
}

func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	resp, err := c.models.GenerateContent(ctx, req.Model, toContents(req.Contents), c.config(req))
	if err != nil {
		return nil, classify(err)
	}
	return fromResponse(resp), nil
}

func (c *Client) GenerateStream(ctx context.Context, req llm.Request) iter.Seq2[*llm.Result, error] {
	return func(yield func(*llm.Result, error) bool) {
		for resp, err := range c.models.GenerateContentStream(ctx, req.Model, toContents(req.Contents), c.config(req)) {
			if err != nil {
				yield(nil, classify(err))
				return
			}
			if !yield(fromResponse(resp), nil) {
				return
			}
		}
	}
}

func (c *Client) CountTokens(ctx context.Context, model string, contents []llm.Content) (int, error) {
	resp, err := c.models.CountTokens(ctx, model, toContents(contents), nil)
	if err != nil {
		return 0, classify(err)
	}
	return int(resp.TotalTokens), nil
}

func (c *Client) config(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(*req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toSchema(t.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if req.Thinking {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(c.thinkingBudget),
		}
	}
	return cfg
}

func toSchema(s *llm.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        toType(s.Type),
		Description: s.Description,
		Required:    s.Required,
		Items:       toSchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toSchema(v)
		}
	}
	return out
}

func toType(t string) genai.Type {
	switch t {
	case llm.TypeObject:
		return genai.TypeObject
	case llm.TypeArray:
		return genai.TypeArray
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

func toContents(in []llm.Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(in))
	for _, c := range in {
		gc := &genai.Content{Role: string(c.Role)}
		for _, p := range c.Parts {
			gp := &genai.Part{
				Text:             p.Text,
				Thought:          p.Thought,
				ThoughtSignature: p.ThoughtSignature,
			}
			if p.FunctionCall != nil {
				gp.FunctionCall = &genai.FunctionCall{ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: p.FunctionCall.Args}
			}
			if p.FunctionResponse != nil {
				gp.FunctionResponse = &genai.FunctionResponse{ID: p.FunctionResponse.ID, Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response}
			}
			gc.Parts = append(gc.Parts, gp)
		}
		out = append(out, gc)
	}
	return out
}

func fromResponse(resp *genai.GenerateContentResponse) *llm.Result {
	res := &llm.Result{}
	if resp == nil || len(resp.Candidates) == 0 {
		return res
	}
	cand := resp.Candidates[0]
	res.FinishReason = llm.FinishReason(cand.FinishReason)
	if cand.Content == nil {
		return res
	}
	for _, p := range cand.Content.Parts {
		if p == nil {
			continue
		}
		part := llm.Part{Text: p.Text, Thought: p.Thought, ThoughtSignature: p.ThoughtSignature}
		if p.FunctionCall != nil {
			part.FunctionCall = &llm.FunctionCall{ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: p.FunctionCall.Args}
		}
		if p.FunctionResponse != nil {
			part.FunctionResponse = &llm.FunctionResponse{ID: p.FunctionResponse.ID, Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response}
		}
		if part.Text == "" && part.FunctionCall == nil && part.FunctionResponse == nil && len(part.ThoughtSignature) == 0 {
			continue
		}
		res.Parts = append(res.Parts, part)
	}
	return res
}

// classify maps SDK errors onto the retry taxonomy.
func classify(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		return err
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return &retry.Transient{Err: fmt.Errorf("gemini: %w", err)}
	}
	return &retry.Permanent{Err: fmt.Errorf("gemini: %w", err)}
}
