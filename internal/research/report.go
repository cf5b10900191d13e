package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/models"
)

// Report is the generated report. Parts keep their thought flag so callers
// decide whether to show the model's reasoning.
type Report struct {
	Parts []llm.Part `json:"parts"`
}

// Markdown joins the answer parts.
func (r *Report) Markdown() string {
	return r.join(llm.KindText)
}

// Thoughts joins the thought parts.
func (r *Report) Thoughts() string {
	return r.join(llm.KindThought)
}

func (r *Report) join(kind llm.PartKind) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Kind() == kind {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ReportWriter streams the final report from a finished tree.
type ReportWriter struct {
	client llm.Client
	opts   Options
	events *emitter
	logger *zap.Logger
}

func newReportWriter(client llm.Client, opts Options, events *emitter, logger *zap.Logger) *ReportWriter {
	return &ReportWriter{client: client, opts: opts, events: events, logger: logger.Named("report")}
}

// Generate writes the report for root. It ignores the stop flag: a stopped
// run still gets a report of what it found. On error the partial report is
// returned with it.
func (w *ReportWriter) Generate(ctx context.Context, root *models.Topic) (*Report, error) {
	w.events.emit(Event{Type: EventGeneratingReport})

	system := mustRender(prompts.ReportSystem, w.opts.Knobs)
	user, err := render(prompts.ReportUser, map[string]any{"Tree": root.RenderForLLM(0, true)})
	if err != nil {
		return nil, err
	}
	contents := []llm.Content{llm.UserText(user)}
	report := &Report{}

	for i := 0; ; i++ {
		var (
			turn   []llm.Part
			finish llm.FinishReason
		)
		for res, err := range w.client.GenerateStream(ctx, llm.Request{
			Model:             w.opts.ReportModel,
			Contents:          contents,
			SystemInstruction: system,
			MaxOutputTokens:   w.opts.ReportMaxOutputTokens,
			Thinking:          true,
		}) {
			if err != nil {
				report.Parts = mergeParts(report.Parts, turn)
				return report, fmt.Errorf("report stream: %w", err)
			}
			for _, p := range res.Parts {
				if (p.Kind() == llm.KindText || p.Kind() == llm.KindThought) && p.Text != "" {
					turn = appendPart(turn, p)
				}
			}
			if res.FinishReason != llm.FinishUnspecified {
				finish = res.FinishReason
			}
		}
		report.Parts = mergeParts(report.Parts, turn)
		if finish != llm.FinishMaxTokens || i >= w.opts.MaxContinuations {
			break
		}
		w.logger.Debug("report cut off, continuing", zap.Int("continuation", i+1))
		var answer []llm.Part
		for _, p := range turn {
			if p.Kind() == llm.KindText {
				answer = append(answer, llm.Part{Text: p.Text, ThoughtSignature: p.ThoughtSignature})
			}
		}
		if len(answer) > 0 {
			contents = append(contents, llm.Content{Role: llm.RoleModel, Parts: answer})
		}
		contents = append(contents, llm.UserText(strings.TrimSpace(prompts.Continue)))
	}

	w.events.emit(Event{Type: EventDoneGeneratingReport, Data: append([]llm.Part(nil), report.Parts...)})
	return report, nil
}

func mergeParts(dst, src []llm.Part) []llm.Part {
	for _, p := range src {
		dst = appendPart(dst, p)
	}
	return dst
}
