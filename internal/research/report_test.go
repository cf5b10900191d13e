package research

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/llm/llmtest"
	"github.com/mohammad-safakhou/deepresearch/models"
)

func TestReportContinuesOnMaxTokens(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	fake := &llmtest.Fake{StreamFunc: func(context.Context, llm.Request) ([]*llm.Result, error) {
		if calls.Add(1) == 1 {
			return []*llm.Result{
				llmtest.Thought("plan the report"),
				{Parts: []llm.Part{{Text: "# Title\n"}}},
				llmtest.Truncated("first part "),
			}, nil
		}
		return []*llm.Result{llmtest.Text("second part")}, nil
	}}
	rec := &recorder{}
	opts := testOptions().withDefaults()
	opts.SemanticDrift = 7
	w := newReportWriter(fake, opts, newEmitter("run", rec.callback), zap.NewNop())

	root := models.NewTopic("what is x", nil, nil)
	report, err := w.Generate(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, "# Title\nfirst part second part", report.Markdown())
	require.Equal(t, "plan the report", report.Thoughts())
	require.Len(t, report.Parts, 2)
	require.True(t, report.Parts[0].Thought)

	streams := fake.Streams()
	require.Len(t, streams, 2)
	first := streams[0]
	require.Equal(t, "report", first.Model)
	require.True(t, first.Thinking)
	require.Equal(t, opts.ReportMaxOutputTokens, first.MaxOutputTokens)
	require.Contains(t, first.SystemInstruction, "Semantic drift limit is 7")
	require.Contains(t, llmtest.PromptText(first), "what is x")

	cont := streams[1].Contents
	require.Len(t, cont, 3)
	require.Equal(t, llm.RoleModel, cont[1].Role)
	require.Equal(t, "# Title\nfirst part ", cont[1].Parts[0].Text)
	require.False(t, cont[1].Parts[0].Thought)
	require.Equal(t, strings.TrimSpace(prompts.Continue), cont[2].Parts[0].Text)

	require.Len(t, rec.ofType(EventGeneratingReport), 1)
	done := rec.ofType(EventDoneGeneratingReport)
	require.Len(t, done, 1)
	require.Equal(t, report.Parts, done[0].Data)
}

func TestReportStreamError(t *testing.T) {
	t.Parallel()
	boom := errors.New("stream broke")
	fake := &llmtest.Fake{StreamFunc: func(context.Context, llm.Request) ([]*llm.Result, error) {
		return []*llm.Result{{Parts: []llm.Part{{Text: "partial"}}}}, boom
	}}
	w := newReportWriter(fake, testOptions().withDefaults(), newEmitter("run", nil), zap.NewNop())
	report, err := w.Generate(context.Background(), models.NewTopic("q", nil, nil))
	require.ErrorIs(t, err, boom)
	require.Equal(t, "partial", report.Markdown())
}

func TestReportNilSafe(t *testing.T) {
	t.Parallel()
	var r *Report
	require.Empty(t, r.Markdown())
	require.Empty(t, r.Thoughts())
}
