package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
)

// Topic is a node of the research tree. Every exported method takes the
// node's own lock for the duration of its read or write; recursive walks
// copy the children out under the lock and release it before descending.
type Topic struct {
	mu sync.Mutex

	id    string
	title string

	subTopics []*Topic

	queries         []string
	searchedQueries []string

	urls              []string
	fetchedURLs       []string
	failedFetchedURLs []string

	fetchedContent           []Site
	summarizedFetchedContent string

	researched bool
}

// TopicData is the serialised form of a Topic. Snapshot/FromSnapshot and
// the JSON codec go through it.
type TopicData struct {
	ID                       string      `json:"id"`
	Topic                    string      `json:"topic"`
	SubTopics                []TopicData `json:"sub_topics"`
	Queries                  []string    `json:"queries"`
	SearchedQueries          []string    `json:"searched_queries"`
	URLs                     []string    `json:"urls"`
	FetchedURLs              []string    `json:"fetched_urls"`
	FailedFetchedURLs        []string    `json:"failed_fetched_urls"`
	FetchedContent           []Site      `json:"fetched_content"`
	SummarizedFetchedContent string      `json:"summarized_fetched_content"`
	Researched               bool        `json:"researched"`
}

// NewTopic creates an unresearched topic with a fresh id.
func NewTopic(title string, queries, urls []string) *Topic {
	t := &Topic{
		id:                uuid.NewString(),
		title:             strings.TrimSpace(title),
		subTopics:         []*Topic{},
		queries:           []string{},
		searchedQueries:   []string{},
		urls:              []string{},
		fetchedURLs:       []string{},
		failedFetchedURLs: []string{},
		fetchedContent:    []Site{},
	}
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" && !contains(t.queries, q) {
			t.queries = append(t.queries, q)
		}
	}
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" && !containsURL(t.urls, u) {
			t.urls = append(t.urls, u)
		}
	}
	return t
}

// ID returns the stable id of the topic.
func (t *Topic) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Title returns the human readable title.
func (t *Topic) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// Researched reports the lifecycle flag.
func (t *Topic) Researched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.researched
}

// SubTopics returns the current children. The slice is a copy; the nodes are shared.
func (t *Topic) SubTopics() []*Topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Topic(nil), t.subTopics...)
}

func (t *Topic) PendingQueries() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneStrings(t.queries)
}

func (t *Topic) SearchedQueries() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneStrings(t.searchedQueries)
}

func (t *Topic) PendingURLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneStrings(t.urls)
}

func (t *Topic) FetchedURLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneStrings(t.fetchedURLs)
}

func (t *Topic) FailedFetchedURLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneStrings(t.failedFetchedURLs)
}

// FetchedContent returns a copy of the fetched sites; nil once summarised.
func (t *Topic) FetchedContent() []Site {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneSites(t.fetchedContent)
}

// Summary returns the compacted content, if any.
func (t *Topic) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summarizedFetchedContent
}

// IsSummarized reports whether compaction has replaced the raw content.
func (t *Topic) IsSummarized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetchedContent == nil && t.summarizedFetchedContent != ""
}

// AddSubtopic appends child to the first node (depth-first) whose id equals
// parentID and reports whether the insertion happened.
func (t *Topic) AddSubtopic(parentID string, child *Topic) bool {
	if child == nil {
		return false
	}
	t.mu.Lock()
	if t.id == parentID {
		t.subTopics = append(t.subTopics, child)
		t.mu.Unlock()
		return true
	}
	children := append([]*Topic(nil), t.subTopics...)
	t.mu.Unlock()

	for _, c := range children {
		if c.AddSubtopic(parentID, child) {
			return true
		}
	}
	return false
}

// AddSite attaches a seed url to the topic with the given id and marks that
// topic unresearched. A url already known to the topic is not duplicated.
func (t *Topic) AddSite(id, url string) bool {
	url = strings.TrimSpace(url)
	t.mu.Lock()
	if t.id == id {
		if url != "" && !containsURL(t.urls, url) && !containsURL(t.fetchedURLs, url) && !containsURL(t.failedFetchedURLs, url) {
			t.urls = append(t.urls, url)
		}
		t.researched = false
		t.mu.Unlock()
		return true
	}
	children := append([]*Topic(nil), t.subTopics...)
	t.mu.Unlock()

	for _, c := range children {
		if c.AddSite(id, url) {
			return true
		}
	}
	return false
}

// Find returns the node with the given id, or nil.
func (t *Topic) Find(id string) *Topic {
	var found *Topic
	t.Walk(func(n *Topic) bool {
		if n.ID() == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// Walk visits the tree in pre-order until fn returns false.
func (t *Topic) Walk(fn func(*Topic) bool) bool {
	if !fn(t) {
		return false
	}
	for _, c := range t.SubTopics() {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Unresearched returns every node with researched=false in post-order.
func (t *Topic) Unresearched() []*Topic {
	var out []*Topic
	for _, c := range t.SubTopics() {
		out = append(out, c.Unresearched()...)
	}
	if !t.Researched() {
		out = append(out, t)
	}
	return out
}

// DepthOf returns the distance from t to the node with the given id, or -1
// when the id is not in the subtree.
func (t *Topic) DepthOf(id string) int {
	if t.ID() == id {
		return 0
	}
	for _, c := range t.SubTopics() {
		if d := c.DepthOf(id); d >= 0 {
			return d + 1
		}
	}
	return -1
}

// HasContent reports whether raw fetched sites are attached.
func (t *Topic) HasContent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fetchedContent) > 0
}

// Count returns the number of nodes in the subtree rooted at t.
func (t *Topic) Count() int {
	n := 0
	t.Walk(func(*Topic) bool { n++; return true })
	return n
}

// AddQueries appends queries not already pending or searched.
func (t *Topic) AddQueries(queries ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" || contains(t.queries, q) || contains(t.searchedQueries, q) {
			continue
		}
		t.queries = append(t.queries, q)
	}
}

// MarkQuerySearched moves q from the pending to the searched list.
func (t *Topic) MarkQuerySearched(q string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queries = remove(t.queries, q)
	if !contains(t.searchedQueries, q) {
		t.searchedQueries = append(t.searchedQueries, q)
	}
}

// RecordFetched marks url as fetched. site is nil when another topic owns
// the content of a url shared across the run. A site is attached once per
// url even when the url was already recorded without content.
func (t *Topic) RecordFetched(url string, site *Site) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.urls = removeURL(t.urls, url)
	t.failedFetchedURLs = removeURL(t.failedFetchedURLs, url)
	if !containsURL(t.fetchedURLs, url) {
		t.fetchedURLs = append(t.fetchedURLs, url)
	}
	if site == nil {
		return
	}
	key := helpers.DedupKey(site.URL)
	for _, s := range t.fetchedContent {
		if helpers.DedupKey(s.URL) == key {
			return
		}
	}
	t.fetchedContent = append(t.fetchedContent, site.clone())
}

// RecordFailed marks url as failed unless it was already fetched.
func (t *Topic) RecordFailed(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.urls = removeURL(t.urls, url)
	if containsURL(t.fetchedURLs, url) || containsURL(t.failedFetchedURLs, url) {
		return
	}
	t.failedFetchedURLs = append(t.failedFetchedURLs, url)
}

// MarkResearched sets researched=true when nothing is pending and reports
// whether the flag was set.
func (t *Topic) MarkResearched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queries) > 0 || len(t.urls) > 0 {
		return false
	}
	t.researched = true
	return true
}

// ReplaceSiteContent swaps the Markdown of a fetched site.
func (t *Topic) ReplaceSiteContent(url, markdown string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.fetchedContent {
		if t.fetchedContent[i].URL == url {
			t.fetchedContent[i].Markdown = markdown
			return true
		}
	}
	return false
}

// DropSite removes the content of url. The url stays in fetched_urls.
func (t *Topic) DropSite(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.fetchedContent {
		if t.fetchedContent[i].URL == url {
			t.fetchedContent = append(t.fetchedContent[:i], t.fetchedContent[i+1:]...)
			return true
		}
	}
	return false
}

// SetSummary stores the compacted content and clears the raw sites.
func (t *Topic) SetSummary(summary string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summarizedFetchedContent = summary
	t.fetchedContent = nil
}

// RenderTree draws the titles of the subtree as ASCII art.
func (t *Topic) RenderTree() string {
	var b strings.Builder
	b.WriteString(t.Title())
	b.WriteByte('\n')
	renderBranches(&b, t.SubTopics(), "")
	return b.String()
}

func renderBranches(b *strings.Builder, children []*Topic, prefix string) {
	for i, c := range children {
		last := i == len(children)-1
		connector, next := "├── ", "│   "
		if last {
			connector, next = "└── ", "    "
		}
		b.WriteString(prefix)
		b.WriteString(connector)
		b.WriteString(c.Title())
		b.WriteByte('\n')
		renderBranches(b, c.SubTopics(), prefix+next)
	}
}

// RenderForLLM renders the subtree as Markdown. depth sets the heading
// level of t; includeDetails adds fetched content or its summary.
func (t *Topic) RenderForLLM(depth int, includeDetails bool) string {
	var b strings.Builder
	t.renderNode(&b, depth, includeDetails)
	for _, c := range t.SubTopics() {
		b.WriteString(c.RenderForLLM(depth+1, includeDetails))
	}
	return b.String()
}

// RenderContent renders only this node, with its fetched content.
func (t *Topic) RenderContent() string {
	var b strings.Builder
	t.renderNode(&b, 0, true)
	return b.String()
}

func (t *Topic) renderNode(b *strings.Builder, depth int, includeDetails bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	level := depth + 1
	if level > 6 {
		level = 6
	}
	fmt.Fprintf(b, "%s %s\n\n", strings.Repeat("#", level), t.title)
	fmt.Fprintf(b, "- id: `%s`\n", t.id)
	fmt.Fprintf(b, "- researched: %t\n", t.researched)
	if qs := append(cloneStrings(t.searchedQueries), t.queries...); len(qs) > 0 {
		fmt.Fprintf(b, "- queries: %s\n", quoteJoin(qs))
	}
	if len(t.urls) > 0 {
		fmt.Fprintf(b, "- seed urls: %s\n", strings.Join(t.urls, ", "))
	}
	if len(t.fetchedURLs) > 0 {
		fmt.Fprintf(b, "- fetched urls: %d\n", len(t.fetchedURLs))
	}
	if len(t.failedFetchedURLs) > 0 {
		fmt.Fprintf(b, "- failed urls: %d\n", len(t.failedFetchedURLs))
	}
	b.WriteByte('\n')
	if !includeDetails {
		return
	}
	if t.summarizedFetchedContent != "" {
		b.WriteString("Summary of fetched content:\n\n")
		b.WriteString(strings.TrimSpace(t.summarizedFetchedContent))
		b.WriteString("\n\n")
	}
	for _, s := range t.fetchedContent {
		fmt.Fprintf(b, "<source url=%q", s.URL)
		if s.Metadata.Title != "" {
			fmt.Fprintf(b, " title=%q", s.Metadata.Title)
		}
		b.WriteString(">\n")
		b.WriteString(strings.TrimSpace(s.Markdown))
		b.WriteString("\n</source>\n\n")
	}
}

func quoteJoin(list []string) string {
	quoted := make([]string, len(list))
	for i, s := range list {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}

// Snapshot returns a deep copy of the subtree in its serialised form.
func (t *Topic) Snapshot() TopicData {
	t.mu.Lock()
	d := TopicData{
		ID:                       t.id,
		Topic:                    t.title,
		Queries:                  cloneStrings(t.queries),
		SearchedQueries:          cloneStrings(t.searchedQueries),
		URLs:                     cloneStrings(t.urls),
		FetchedURLs:              cloneStrings(t.fetchedURLs),
		FailedFetchedURLs:        cloneStrings(t.failedFetchedURLs),
		FetchedContent:           cloneSites(t.fetchedContent),
		SummarizedFetchedContent: t.summarizedFetchedContent,
		Researched:               t.researched,
	}
	children := append([]*Topic(nil), t.subTopics...)
	t.mu.Unlock()

	if children != nil {
		d.SubTopics = make([]TopicData, 0, len(children))
		for _, c := range children {
			d.SubTopics = append(d.SubTopics, c.Snapshot())
		}
	}
	return d
}

// FromSnapshot rebuilds a live tree from its serialised form. A missing id
// gets a fresh one.
func FromSnapshot(d TopicData) *Topic {
	t := &Topic{
		id:                       d.ID,
		title:                    d.Topic,
		queries:                  cloneStrings(d.Queries),
		searchedQueries:          cloneStrings(d.SearchedQueries),
		urls:                     cloneStrings(d.URLs),
		fetchedURLs:              cloneStrings(d.FetchedURLs),
		failedFetchedURLs:        cloneStrings(d.FailedFetchedURLs),
		fetchedContent:           cloneSites(d.FetchedContent),
		summarizedFetchedContent: d.SummarizedFetchedContent,
		researched:               d.Researched,
	}
	if t.id == "" {
		t.id = uuid.NewString()
	}
	if d.SubTopics != nil {
		t.subTopics = make([]*Topic, 0, len(d.SubTopics))
		for _, c := range d.SubTopics {
			t.subTopics = append(t.subTopics, FromSnapshot(c))
		}
	}
	return t
}

// MarshalJSON encodes the whole subtree.
func (t *Topic) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}

// UnmarshalJSON replaces t with the decoded subtree.
func (t *Topic) UnmarshalJSON(b []byte) error {
	var d TopicData
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	n := FromSnapshot(d)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = n.id
	t.title = n.title
	t.subTopics = n.subTopics
	t.queries = n.queries
	t.searchedQueries = n.searchedQueries
	t.urls = n.urls
	t.fetchedURLs = n.fetchedURLs
	t.failedFetchedURLs = n.failedFetchedURLs
	t.fetchedContent = n.fetchedContent
	t.summarizedFetchedContent = n.summarizedFetchedContent
	t.researched = n.researched
	return nil
}

// TopicFromJSON decodes a tree produced by json.Marshal(topic).
func TopicFromJSON(b []byte) (*Topic, error) {
	var d TopicData
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode topic: %w", err)
	}
	return FromSnapshot(d), nil
}
