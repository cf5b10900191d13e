package research

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/models"
)

const (
	toolAddTopic = "add_topic"
	toolAddSite  = "add_site"
)

var plannerTools = []llm.FunctionDeclaration{
	{
		Name:        toolAddTopic,
		Description: "Add a research subtopic under an existing topic. Returns the id of the new topic.",
		Parameters: &llm.Schema{
			Type: llm.TypeObject,
			Properties: map[string]*llm.Schema{
				"parent_id": {Type: llm.TypeString, Description: "Id of the topic the new subtopic belongs to."},
				"topic":     {Type: llm.TypeString, Description: "Title of the new subtopic."},
				"sites": {Type: llm.TypeArray, Description: "Urls to fetch for the subtopic.",
					Items: &llm.Schema{Type: llm.TypeString}},
				"queries": {Type: llm.TypeArray, Description: "Web search queries for the subtopic.",
					Items: &llm.Schema{Type: llm.TypeString}},
			},
			Required: []string{"parent_id", "topic"},
		},
	},
	{
		Name:        toolAddSite,
		Description: "Attach a url to an existing topic so it gets fetched in the next round.",
		Parameters: &llm.Schema{
			Type: llm.TypeObject,
			Properties: map[string]*llm.Schema{
				"id":   {Type: llm.TypeString, Description: "Id of the topic."},
				"site": {Type: llm.TypeString, Description: "Absolute http(s) url."},
			},
			Required: []string{"id", "site"},
		},
	},
}

// plannerPass is one Analyse call: its opening instruction and the turns
// that followed. The tree rendering is never stored.
type plannerPass struct {
	turns  []llm.Content
	tokens int64
}

// Planner grows the tree through add_topic and add_site tool calls. It owns
// the planner transcript, so Analyse must not be called concurrently.
type Planner struct {
	client llm.Client
	opts   Options
	// transcriptLimit bounds the retained passes, in estimated tokens.
	transcriptLimit int64
	stop            *StopFlag
	events          *emitter
	logger          *zap.Logger

	passes    []plannerPass
	truncated bool
}

func newPlanner(client llm.Client, opts Options, transcriptLimit int64, stop *StopFlag, events *emitter, logger *zap.Logger) *Planner {
	return &Planner{
		client:          client,
		opts:            opts,
		transcriptLimit: transcriptLimit,
		stop:            stop,
		events:          events,
		logger:          logger.Named("planner"),
	}
}

// Analyse runs one planner pass over root. The model is re-invoked with a
// fresh tree rendering after every response that called a tool, until it
// answers without tool calls or the round limit is reached.
func (p *Planner) Analyse(ctx context.Context, root *models.Topic, useThinking bool) error {
	if err := p.stop.Check(); err != nil {
		return err
	}
	model := p.opts.FastModel
	if useThinking {
		model = p.opts.ThinkingModel
	}
	system := mustRender(prompts.PlannerSystem, p.opts.Knobs)
	instruction := llm.TextPart(strings.TrimSpace(prompts.PlannerUser))

	var turns []llm.Content
	defer func() { p.retain(instruction, turns) }()

	for round := 0; round < p.opts.MaxPlannerRounds; round++ {
		if err := p.stop.Check(); err != nil {
			return err
		}
		opening := llm.Content{Role: llm.RoleUser, Parts: []llm.Part{instruction, treePart(root)}}
		contents := append(p.history(), opening)
		contents = append(contents, turns...)
		if p.truncated {
			contents[0].Parts = append([]llm.Part{llm.TextPart(strings.TrimSpace(prompts.TruncatedHistory))}, contents[0].Parts...)
		}

		modelTurn, responses, err := p.stream(ctx, root, llm.Request{
			Model:             model,
			Contents:          contents,
			SystemInstruction: system,
			Tools:             plannerTools,
			Thinking:          useThinking,
		})
		if len(modelTurn.Parts) > 0 {
			turns = append(turns, modelTurn)
		}
		if len(responses) > 0 {
			turns = append(turns, llm.Content{Role: llm.RoleUser, Parts: responses})
		}
		if err != nil {
			return err
		}
		if len(responses) == 0 {
			return nil
		}
	}
	p.logger.Info("planner round limit reached", zap.Int("rounds", p.opts.MaxPlannerRounds))
	return nil
}

// stream reads one model response, executing tool calls as they arrive.
func (p *Planner) stream(ctx context.Context, root *models.Topic, req llm.Request) (llm.Content, []llm.Part, error) {
	turn := llm.Content{Role: llm.RoleModel}
	var responses []llm.Part

	id := uuid.NewString()
	p.events.emit(Event{Type: EventStartThinking, ID: id})
	defer func() {
		p.events.emit(Event{Type: EventDoneThinking, ID: id, Content: append([]llm.Part(nil), turn.Parts...)})
	}()

	for res, err := range p.client.GenerateStream(ctx, req) {
		if p.stop.IsSet() {
			return turn, responses, ErrStopped
		}
		if err != nil {
			return turn, responses, fmt.Errorf("planner stream: %w", err)
		}
		for _, part := range res.Parts {
			switch part.Kind() {
			case llm.KindText, llm.KindThought:
				if part.Text == "" {
					continue
				}
				turn.Parts = appendPart(turn.Parts, part)
				p.events.emit(Event{Type: EventUpdateThinking, ID: id, Content: []llm.Part{part}})
			case llm.KindFunctionCall:
				turn.Parts = append(turn.Parts, part)
				responses = append(responses, llm.Part{FunctionResponse: p.dispatch(root, part.FunctionCall)})
			}
		}
	}
	return turn, responses, p.stop.Check()
}

// dispatch executes a tool call and wraps the outcome for the model.
func (p *Planner) dispatch(root *models.Topic, call *llm.FunctionCall) *llm.FunctionResponse {
	resp := &llm.FunctionResponse{ID: call.ID, Name: call.Name}
	var (
		out string
		err error
	)
	switch call.Name {
	case toolAddTopic:
		out, err = p.addTopic(root, call.Args)
	case toolAddSite:
		out, err = p.addSite(root, call.Args)
	default:
		err = fmt.Errorf("unknown function %s", call.Name)
	}
	if err != nil {
		p.logger.Debug("tool call rejected", zap.String("tool", call.Name), zap.Error(err))
		resp.Response = map[string]any{"error": err.Error()}
		return resp
	}
	resp.Response = map[string]any{"output": out}
	return resp
}

func (p *Planner) addTopic(root *models.Topic, args map[string]any) (string, error) {
	parentID := argString(args, "parent_id")
	title := argString(args, "topic")
	if title == "" {
		return "", fmt.Errorf("topic title is required")
	}
	parent := root.Find(parentID)
	if parent == nil {
		return "", fmt.Errorf("topic with id %s not found", parentID)
	}
	if depth := root.DepthOf(parentID); depth+1 > p.opts.MaxDepth {
		return "", fmt.Errorf("max depth %d reached, topic %s cannot have subtopics", p.opts.MaxDepth, parentID)
	}
	if n := len(parent.SubTopics()); n >= p.opts.MaxBranches {
		return "", fmt.Errorf("topic %s already has %d subtopics, the maximum", parentID, n)
	}
	sites := argStrings(args, "sites")
	for _, s := range sites {
		if err := validateSite(s); err != nil {
			return "", err
		}
	}
	queries := argStrings(args, "queries")
	if len(queries) > p.opts.MaxQueries {
		queries = queries[:p.opts.MaxQueries]
	}
	child := models.NewTopic(title, queries, dedupeSites(sites))
	if !root.AddSubtopic(parentID, child) {
		return "", fmt.Errorf("topic with id %s not found", parentID)
	}
	p.events.treeUpdated(root, child.ID())
	return child.ID(), nil
}

func (p *Planner) addSite(root *models.Topic, args map[string]any) (string, error) {
	id := argString(args, "id")
	site := argString(args, "site")
	if err := validateSite(site); err != nil {
		return "", err
	}
	if !root.AddSite(id, site) {
		return "", fmt.Errorf("topic with id %s not found", id)
	}
	p.events.treeUpdated(root, id)
	return "ok", nil
}

// history flattens the retained passes, dropping the oldest ones while the
// transcript is over its limit.
func (p *Planner) history() []llm.Content {
	var total int64
	for _, pass := range p.passes {
		total += pass.tokens
	}
	for len(p.passes) > 0 && p.transcriptLimit > 0 && total > p.transcriptLimit {
		total -= p.passes[0].tokens
		p.passes = p.passes[1:]
		p.truncated = true
	}
	var out []llm.Content
	for _, pass := range p.passes {
		out = append(out, pass.turns...)
	}
	return out
}

// retain stores a finished pass without its tree rendering.
func (p *Planner) retain(instruction llm.Part, turns []llm.Content) {
	if len(turns) == 0 {
		return
	}
	pass := plannerPass{turns: append([]llm.Content{{Role: llm.RoleUser, Parts: []llm.Part{instruction}}}, turns...)}
	for _, c := range pass.turns {
		for _, part := range c.Parts {
			pass.tokens += int64(len(part.Text)/helpers.CharsPerToken) + 1
		}
	}
	p.passes = append(p.passes, pass)
}

func treePart(root *models.Topic) llm.Part {
	return llm.TextPart("Current research tree:\n\n" + root.RenderTree() + "\n" + root.RenderForLLM(0, true))
}

// appendPart appends part, merging it into the previous part when both are
// text of the same kind. Thought and answer text are never merged.
func appendPart(parts []llm.Part, part llm.Part) []llm.Part {
	if n := len(parts); n > 0 {
		last := &parts[n-1]
		kind := part.Kind()
		if (kind == llm.KindText || kind == llm.KindThought) && last.Kind() == kind {
			last.Text += part.Text
			if len(part.ThoughtSignature) > 0 {
				last.ThoughtSignature = part.ThoughtSignature
			}
			return parts
		}
	}
	return append(parts, part)
}

func validateSite(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}

func dedupeSites(sites []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(sites))
	for _, s := range sites {
		s = strings.TrimSpace(s)
		key := helpers.DedupKey(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return compact(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return compact(out)
	case string:
		return compact([]string{v})
	}
	return nil
}

func compact(list []string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
