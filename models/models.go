package models

import (
	"errors"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
)

var (
	// ErrTopicNotFound is returned when a topic id does not exist in the tree
	ErrTopicNotFound = errors.New("topic not found")
	// ErrTreeNotFound is returned when no tree is stored for a run
	ErrTreeNotFound = errors.New("research tree not found")
)

// SearchResult is a single hit returned by a web searcher
type SearchResult struct {
	Href    string `json:"href"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"body,omitempty"`
}

// PageMetadata carries the optional page attributes reported by a scraper
type PageMetadata struct {
	Title   string `json:"title,omitempty"`
	Favicon string `json:"favicon,omitempty"`
}

// Page is the cleaned result of scraping a single URL
type Page struct {
	Markdown string       `json:"markdown"`
	Links    []string     `json:"links"`
	Metadata PageMetadata `json:"metadata"`
}

// Site is a fetched artifact attached to a topic: the url plus its page.
type Site struct {
	URL      string       `json:"url"`
	Markdown string       `json:"markdown"`
	Links    []string     `json:"links"`
	Metadata PageMetadata `json:"metadata"`
}

// NewSite builds a Site from a scraped page.
func NewSite(url string, page Page) Site {
	return Site{
		URL:      url,
		Markdown: page.Markdown,
		Links:    cloneStrings(page.Links),
		Metadata: page.Metadata,
	}
}

func (s Site) clone() Site {
	s.Links = cloneStrings(s.Links)
	return s
}

// cloneStrings copies s while preserving the nil/empty distinction.
func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

func cloneSites(s []Site) []Site {
	if s == nil {
		return nil
	}
	out := make([]Site, len(s))
	for i := range s {
		out[i] = s[i].clone()
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// containsURL and removeURL compare urls by dedup key, so a topic agrees
// with the run registry on which spellings name the same page.
func containsURL(list []string, url string) bool {
	key := helpers.DedupKey(url)
	for _, x := range list {
		if helpers.DedupKey(x) == key {
			return true
		}
	}
	return false
}

func removeURL(list []string, url string) []string {
	key := helpers.DedupKey(url)
	out := list[:0]
	for _, x := range list {
		if helpers.DedupKey(x) != key {
			out = append(out, x)
		}
	}
	return out
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// SafeSearch filters adult content in search results.
type SafeSearch string

const (
	SafeSearchOff      SafeSearch = "off"
	SafeSearchModerate SafeSearch = "moderate"
	SafeSearchStrict   SafeSearch = "strict"
)

// SearchOptions tune a single search call.
type SearchOptions struct {
	SafeSearch SafeSearch
	MaxResults int
}

// Scrape output formats.
const (
	FormatMarkdown = "markdown"
	FormatLinks    = "links"
)

// ScrapeOptions tune a single scrape call.
type ScrapeOptions struct {
	Formats            []string
	WaitFor            time.Duration
	Proxy              string
	Timeout            time.Duration
	RemoveBase64Images bool
}
