// Package llm defines the model-agnostic client used by the research engine.
// Providers live in sub-packages; llmtest holds a scripted fake.
package llm

import (
	"context"
	"iter"
	"strings"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type FinishReason string

const (
	FinishUnspecified FinishReason = ""
	FinishStop        FinishReason = "STOP"
	FinishMaxTokens   FinishReason = "MAX_TOKENS"
	FinishSafety      FinishReason = "SAFETY"
	FinishOther       FinishReason = "OTHER"
)

// PartKind tags a Part.
type PartKind string

const (
	KindText             PartKind = "text"
	KindThought          PartKind = "thought"
	KindFunctionCall     PartKind = "function_call"
	KindFunctionResponse PartKind = "function_response"
)

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one element of a content turn. Exactly one of Text,
// FunctionCall or FunctionResponse is meaningful; Thought flags Text.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	ThoughtSignature []byte            `json:"thought_signature,omitempty"`
}

func (p Part) Kind() PartKind {
	switch {
	case p.FunctionCall != nil:
		return KindFunctionCall
	case p.FunctionResponse != nil:
		return KindFunctionResponse
	case p.Thought:
		return KindThought
	default:
		return KindText
	}
}

func TextPart(s string) Part { return Part{Text: s} }

type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// UserText is a single-part user turn.
func UserText(s string) Content {
	return Content{Role: RoleUser, Parts: []Part{TextPart(s)}}
}

// Schema is the subset of JSON schema used by tool declarations.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

const (
	TypeObject = "object"
	TypeString = "string"
	TypeArray  = "array"
)

type FunctionDeclaration struct {
	Name        string
	Description string
	Parameters  *Schema
}

// Request describes one model call. Automatic function calling is never
// requested; callers dispatch function calls themselves.
type Request struct {
	Model             string
	Contents          []Content
	SystemInstruction string
	Temperature       *float32
	MaxOutputTokens   int
	Tools             []FunctionDeclaration
	// Thinking asks the model to emit thought parts.
	Thinking bool
}

// Result is a full response or one streamed chunk of it.
type Result struct {
	Parts        []Part
	FinishReason FinishReason
}

// Text concatenates the non-thought text parts.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Kind() == KindText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Client is implemented by every provider and middleware.
type Client interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	// GenerateStream yields chunks until the response ends or an error is
	// yielded. Breaking out of the loop closes the underlying stream.
	GenerateStream(ctx context.Context, req Request) iter.Seq2[*Result, error]
	CountTokens(ctx context.Context, model string, contents []Content) (int, error)
}

// Float32 returns a pointer to v, for Request.Temperature.
func Float32(v float32) *float32 { return &v }
