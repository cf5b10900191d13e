package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

// ErrNoQueries is returned when the model produced nothing usable.
var ErrNoQueries = errors.New("query generator returned no queries")

// QueryGenerator turns a topic title into search queries with one model call.
type QueryGenerator struct {
	client llm.Client
	model  string
}

func NewQueryGenerator(client llm.Client, model string) *QueryGenerator {
	return &QueryGenerator{client: client, model: model}
}

// Generate asks for up to breadth queries about title.
func (g *QueryGenerator) Generate(ctx context.Context, title string, breadth int) ([]string, error) {
	if breadth <= 0 {
		breadth = 1
	}
	user := mustRender(prompts.QueryUser, map[string]any{"Title": title, "Breadth": breadth})
	res, err := g.client.Generate(ctx, llm.Request{
		Model:             g.model,
		SystemInstruction: strings.TrimSpace(prompts.QuerySystem),
		Contents:          []llm.Content{llm.UserText(user)},
		Temperature:       llm.Float32(0.7),
	})
	if err != nil {
		return nil, fmt.Errorf("generate queries: %w", err)
	}
	queries := ParseQueries(res.Text(), breadth)
	if len(queries) == 0 {
		return nil, ErrNoQueries
	}
	return queries, nil
}

var listMarkers = []string{"- ", "* ", "• "}

// ParseQueries splits a model answer into one query per line, stripping list
// markers and surrounding quotes. Duplicates and blank lines are dropped and
// at most limit queries are returned (limit <= 0 means no cap).
func ParseQueries(text string, limit int) []string {
	text = helpers.StripCodeFence(text)
	var out []string
	seen := map[string]bool{}
	for _, line := range strings.Split(text, "\n") {
		q := strings.TrimSpace(line)
		for _, m := range listMarkers {
			q = strings.TrimPrefix(q, m)
		}
		q = trimOrdinal(q)
		q = strings.Trim(q, "\"'`“”‘’ \t")
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// trimOrdinal removes a leading "1." or "2)" list number.
func trimOrdinal(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) || (s[i] != '.' && s[i] != ')') {
		return s
	}
	return strings.TrimSpace(s[i+1:])
}
