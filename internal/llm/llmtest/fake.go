// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

// Fake dispatches every call to the matching func field. Unset fields fall
// back to harmless defaults: Generate and GenerateStream answer "ok" and
// CountTokens estimates four characters per token.
type Fake struct {
	GenerateFunc func(ctx context.Context, req llm.Request) (*llm.Result, error)
	StreamFunc   func(ctx context.Context, req llm.Request) ([]*llm.Result, error)
	CountFunc    func(ctx context.Context, model string, contents []llm.Content) (int, error)

	mu          sync.Mutex
	generates   []llm.Request
	streams     []llm.Request
	countTokens int
}

var _ llm.Client = (*Fake)(nil)

func (f *Fake) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.mu.Lock()
	f.generates = append(f.generates, req)
	f.mu.Unlock()
	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, req)
	}
	return Text("ok"), nil
}

func (f *Fake) GenerateStream(ctx context.Context, req llm.Request) iter.Seq2[*llm.Result, error] {
	f.mu.Lock()
	f.streams = append(f.streams, req)
	f.mu.Unlock()
	return func(yield func(*llm.Result, error) bool) {
		if f.StreamFunc == nil {
			yield(Text("ok"), nil)
			return
		}
		chunks, err := f.StreamFunc(ctx, req)
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

func (f *Fake) CountTokens(ctx context.Context, model string, contents []llm.Content) (int, error) {
	f.mu.Lock()
	f.countTokens++
	f.mu.Unlock()
	if f.CountFunc != nil {
		return f.CountFunc(ctx, model, contents)
	}
	n := 0
	for _, c := range contents {
		for _, p := range c.Parts {
			n += len(p.Text)
		}
	}
	return n / 4, nil
}

// Generates returns the requests seen by Generate.
func (f *Fake) Generates() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.generates...)
}

// Streams returns the requests seen by GenerateStream.
func (f *Fake) Streams() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.streams...)
}

func (f *Fake) CountTokensCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countTokens
}

// Text is a finished single-part answer.
func Text(s string) *llm.Result {
	return &llm.Result{Parts: []llm.Part{{Text: s}}, FinishReason: llm.FinishStop}
}

// Truncated is an answer cut off by the output token limit.
func Truncated(s string) *llm.Result {
	return &llm.Result{Parts: []llm.Part{{Text: s}}, FinishReason: llm.FinishMaxTokens}
}

// Thought is a streamed thought chunk.
func Thought(s string) *llm.Result {
	return &llm.Result{Parts: []llm.Part{{Text: s, Thought: true}}}
}

// Call is a streamed function call chunk.
func Call(id, name string, args map[string]any) *llm.Result {
	return &llm.Result{Parts: []llm.Part{{FunctionCall: &llm.FunctionCall{ID: id, Name: name, Args: args}}}}
}

// PromptText joins every text part of the request, system instruction first.
func PromptText(req llm.Request) string {
	var b strings.Builder
	b.WriteString(req.SystemInstruction)
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			b.WriteByte('\n')
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// FunctionResponses collects every function response in the request.
func FunctionResponses(req llm.Request) []llm.FunctionResponse {
	var out []llm.FunctionResponse
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			if p.FunctionResponse != nil {
				out = append(out, *p.FunctionResponse)
			}
		}
	}
	return out
}
