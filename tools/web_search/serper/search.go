package serper

import (
	"context"
	"net/http"

	"github.com/mohammad-safakhou/deepresearch/internal/httpclient"
	"github.com/mohammad-safakhou/deepresearch/models"
)

const endpoint = "https://google.serper.dev/search"

type Search struct {
	apiKey   string
	endpoint string
	http     *httpclient.Client
}

func New(apiKey string, client *http.Client) *Search {
	return &Search{apiKey: apiKey, endpoint: endpoint, http: httpclient.Wrap(client)}
}

// WithEndpoint points the searcher at another base url.
func (s *Search) WithEndpoint(u string) *Search {
	s.endpoint = u
	return s
}

func (s *Search) Search(ctx context.Context, q string, opts models.SearchOptions) ([]models.SearchResult, error) {
	// https://serper.dev/ docs
	payload := map[string]any{"q": q}
	if opts.MaxResults > 0 {
		payload["num"] = opts.MaxResults
	}
	switch opts.SafeSearch {
	case models.SafeSearchOff:
		payload["safe"] = "off"
	case models.SafeSearchStrict, models.SafeSearchModerate:
		payload["safe"] = "active"
	}

	var resp struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	headers := map[string]string{"X-API-KEY": s.apiKey}
	if err := s.http.DoJSON(ctx, http.MethodPost, s.endpoint, headers, payload, &resp); err != nil {
		return nil, err
	}

	out := make([]models.SearchResult, 0, len(resp.Organic))
	for _, it := range resp.Organic {
		if opts.MaxResults > 0 && len(out) >= opts.MaxResults {
			break
		}
		if it.Link == "" {
			continue
		}
		out = append(out, models.SearchResult{Href: it.Link, Title: it.Title, Snippet: it.Snippet})
	}
	return out, nil
}
