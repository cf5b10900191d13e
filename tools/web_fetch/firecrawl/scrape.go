// Package firecrawl calls the Firecrawl /v1/scrape endpoint.
package firecrawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/internal/httpclient"
	"github.com/mohammad-safakhou/deepresearch/models"
)

const DefaultBaseURL = "https://api.firecrawl.dev"

type Scrape struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
}

func New(baseURL, apiKey string, client *http.Client) *Scrape {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Scrape{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: httpclient.Wrap(client)}
}

type scrapeRequest struct {
	URL                string   `json:"url"`
	Formats            []string `json:"formats"`
	WaitFor            int64    `json:"waitFor,omitempty"`
	Timeout            int64    `json:"timeout,omitempty"`
	Proxy              string   `json:"proxy,omitempty"`
	RemoveBase64Images bool     `json:"removeBase64Images"`
	OnlyMainContent    bool     `json:"onlyMainContent"`
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    *struct {
		Markdown string   `json:"markdown"`
		Links    []string `json:"links"`
		Metadata struct {
			Title   string `json:"title"`
			Favicon string `json:"favicon"`
		} `json:"metadata"`
	} `json:"data"`
}

func (s *Scrape) Scrape(ctx context.Context, url string, opts models.ScrapeOptions) (*models.Page, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("invalid url")
	}
	formats := opts.Formats
	if len(formats) == 0 {
		formats = []string{models.FormatMarkdown, models.FormatLinks}
	}
	req := scrapeRequest{
		URL:                url,
		Formats:            formats,
		WaitFor:            opts.WaitFor.Milliseconds(),
		Timeout:            opts.Timeout.Milliseconds(),
		Proxy:              opts.Proxy,
		RemoveBase64Images: opts.RemoveBase64Images,
		OnlyMainContent:    true,
	}
	headers := map[string]string{}
	if s.apiKey != "" {
		headers["Authorization"] = "Bearer " + s.apiKey
	}

	var resp scrapeResponse
	if err := s.http.DoJSON(ctx, http.MethodPost, s.baseURL+"/v1/scrape", headers, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Data == nil {
		if resp.Error != "" {
			return nil, fmt.Errorf("firecrawl: %s", resp.Error)
		}
		return nil, errors.New("firecrawl: empty response")
	}

	md := resp.Data.Markdown
	if opts.RemoveBase64Images {
		md = helpers.StripBase64Images(md)
	}
	links := resp.Data.Links
	if links == nil {
		links = []string{}
	}
	return &models.Page{
		Markdown: md,
		Links:    links,
		Metadata: models.PageMetadata{
			Title:   helpers.PlainText(resp.Data.Metadata.Title),
			Favicon: resp.Data.Metadata.Favicon,
		},
	}, nil
}
