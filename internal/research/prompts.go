package research

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsYAML []byte

type promptSet struct {
	QuerySystem         string `yaml:"query_system"`
	QueryUser           string `yaml:"query_user"`
	PlannerSystem       string `yaml:"planner_system"`
	PlannerUser         string `yaml:"planner_user"`
	SummarizeSiteSystem string `yaml:"summarize_site_system"`
	SummarizeTopic      string `yaml:"summarize_topic_system"`
	SummarizeTopicUser  string `yaml:"summarize_topic_user"`
	Continue            string `yaml:"continue"`
	ReportSystem        string `yaml:"report_system"`
	ReportUser          string `yaml:"report_user"`
	TruncatedHistory    string `yaml:"truncated_history"`
}

var prompts = mustLoadPrompts(promptsYAML)

func mustLoadPrompts(raw []byte) promptSet {
	var p promptSet
	if err := yaml.Unmarshal(raw, &p); err != nil {
		panic(fmt.Sprintf("research: parse prompts: %v", err))
	}
	for name, v := range map[string]string{
		"query_system": p.QuerySystem, "query_user": p.QueryUser,
		"planner_system": p.PlannerSystem, "planner_user": p.PlannerUser,
		"summarize_site_system": p.SummarizeSiteSystem, "summarize_topic_system": p.SummarizeTopic,
		"summarize_topic_user": p.SummarizeTopicUser, "continue": p.Continue,
		"report_system": p.ReportSystem, "report_user": p.ReportUser,
		"truncated_history": p.TruncatedHistory,
	} {
		if strings.TrimSpace(v) == "" {
			panic(fmt.Sprintf("research: prompt %s is empty", name))
		}
	}
	return p
}

// render executes a prompt template with data.
func render(text string, data any) (string, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func mustRender(text string, data any) string {
	out, err := render(text, data)
	if err != nil {
		panic(err)
	}
	return out
}
