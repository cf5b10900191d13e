package brave

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/internal/httpclient"
	"github.com/mohammad-safakhou/deepresearch/models"
)

const endpoint = "https://api.search.brave.com/res/v1/web/search"

type Search struct {
	apiKey   string
	endpoint string
	http     *httpclient.Client
}

func New(apiKey string, client *http.Client) *Search {
	return &Search{apiKey: apiKey, endpoint: endpoint, http: httpclient.Wrap(client)}
}

func (s *Search) WithEndpoint(u string) *Search {
	s.endpoint = u
	return s
}

func (s *Search) Search(ctx context.Context, q string, opts models.SearchOptions) ([]models.SearchResult, error) {
	// https://api.search.brave.com/app/documentation/web-search
	params := url.Values{}
	params.Set("q", q)
	if opts.MaxResults > 0 {
		count := opts.MaxResults
		if count > 20 {
			count = 20
		}
		params.Set("count", strconv.Itoa(count))
	}
	if opts.SafeSearch != "" {
		params.Set("safesearch", string(opts.SafeSearch))
	}

	var resp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	headers := map[string]string{"X-Subscription-Token": s.apiKey}
	if err := s.http.DoJSON(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), headers, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]models.SearchResult, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		if opts.MaxResults > 0 && len(out) >= opts.MaxResults {
			break
		}
		if r.URL == "" {
			continue
		}
		// brave highlights matches with <strong>
		out = append(out, models.SearchResult{Href: r.URL, Title: helpers.PlainText(r.Title), Snippet: helpers.PlainText(r.Description)})
	}
	return out, nil
}
