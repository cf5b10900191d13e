package web_search

import (
	"context"
	"errors"
	"net/http"

	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/tools/web_search/brave"
	"github.com/mohammad-safakhou/deepresearch/tools/web_search/duckduckgo"
	"github.com/mohammad-safakhou/deepresearch/tools/web_search/serper"
)

// WebSearcher expands a query into result urls.
type WebSearcher interface {
	Search(ctx context.Context, query string, opts models.SearchOptions) ([]models.SearchResult, error)
}

// Func adapts a function to WebSearcher.
type Func func(ctx context.Context, query string, opts models.SearchOptions) ([]models.SearchResult, error)

func (f Func) Search(ctx context.Context, query string, opts models.SearchOptions) ([]models.SearchResult, error) {
	return f(ctx, query, opts)
}

type Provider string

const (
	DuckDuckGoProvider Provider = "duckduckgo"
	SerperProvider     Provider = "serper"
	BraveProvider      Provider = "brave"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported search provider")
	ErrMissingAPIKey       = errors.New("search provider requires an api key")
)

// NewWebSearcher builds the provider. client may be nil.
func NewWebSearcher(provider Provider, apiKey string, client *http.Client) (WebSearcher, error) {
	switch provider {
	case DuckDuckGoProvider, "":
		return duckduckgo.New(client), nil
	case SerperProvider:
		if apiKey == "" {
			return nil, ErrMissingAPIKey
		}
		return serper.New(apiKey, client), nil
	case BraveProvider:
		if apiKey == "" {
			return nil, ErrMissingAPIKey
		}
		return brave.New(apiKey, client), nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
