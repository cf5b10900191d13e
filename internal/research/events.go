package research

import (
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/models"
)

type EventType string

const (
	EventTopicUpdated           EventType = "topic_updated"
	EventSearch                 EventType = "search"
	EventUpdateSearch           EventType = "update_search"
	EventSummarizeSites         EventType = "summarize_sites"
	EventSummarizeSitesComplete EventType = "summarize_sites_complete"
	EventStartThinking          EventType = "start_thinking"
	EventUpdateThinking         EventType = "update_thinking"
	EventDoneThinking           EventType = "done_thinking"
	EventGeneratingReport       EventType = "generating_report"
	EventDoneGeneratingReport   EventType = "done_generating_report"
)

// Status values carried by update_search events.
const (
	StatusSearched = "searched"
	StatusFetched  = "fetched"
	StatusFailed   = "failed"
)

// Event is delivered to the run callback. Fields not relevant to Type are empty.
type Event struct {
	Type  EventType         `json:"type"`
	RunID string            `json:"run_id,omitempty"`
	ID    string            `json:"id,omitempty"`
	Tree  *models.TopicData `json:"tree,omitempty"`

	Queries []string `json:"queries,omitempty"`
	URLs    []string `json:"urls,omitempty"`
	Query   string   `json:"query,omitempty"`
	URL     string   `json:"url,omitempty"`
	Status  string   `json:"status,omitempty"`

	Content []llm.Part `json:"content,omitempty"`
	Data    []llm.Part `json:"data,omitempty"`

	Time time.Time `json:"time"`
}

// Callback receives run events. Calls are serialised.
type Callback func(Event)

type emitter struct {
	mu    sync.Mutex
	runID string
	cb    Callback
}

func newEmitter(runID string, cb Callback) *emitter {
	return &emitter{runID: runID, cb: cb}
}

func (e *emitter) emit(ev Event) {
	if e == nil || e.cb == nil {
		return
	}
	ev.RunID = e.runID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb(ev)
}

func (e *emitter) treeUpdated(root *models.Topic, id string) {
	if e == nil || e.cb == nil {
		return
	}
	snap := root.Snapshot()
	e.emit(Event{Type: EventTopicUpdated, ID: id, Tree: &snap})
}
