// Package duckduckgo scrapes the DuckDuckGo lite HTML endpoint. It needs no
// api key and is the default searcher.
package duckduckgo

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/deepresearch/internal/retry"
	"github.com/mohammad-safakhou/deepresearch/models"
)

const (
	endpoint  = "https://lite.duckduckgo.com/lite/"
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// sharedLimiter keeps every searcher in the process at one query per second.
var sharedLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

type Search struct {
	client   *http.Client
	endpoint string
	limiter  *rate.Limiter
}

func New(client *http.Client) *Search {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Search{client: client, endpoint: endpoint, limiter: sharedLimiter}
}

// WithEndpoint points the searcher at another url with its own limiter.
func (s *Search) WithEndpoint(u string, limit rate.Limit) *Search {
	s.endpoint = u
	s.limiter = rate.NewLimiter(limit, 1)
	return s
}

func (s *Search) Search(ctx context.Context, q string, opts models.SearchOptions) ([]models.SearchResult, error) {
	if strings.TrimSpace(q) == "" {
		return nil, errors.New("query is empty")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("q", q)
	if kp := safeSearchParam(opts.SafeSearch); kp != "" {
		form.Set("kp", kp)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &retry.StatusError{Code: resp.StatusCode}
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseResults(doc, opts.MaxResults), nil
}

func safeSearchParam(s models.SafeSearch) string {
	switch s {
	case models.SafeSearchStrict:
		return "1"
	case models.SafeSearchModerate:
		return "-1"
	case models.SafeSearchOff:
		return "-2"
	}
	return ""
}

// parseResults walks the lite page: each hit is an <a class="result-link">
// followed by a <td class="result-snippet">.
func parseResults(doc *html.Node, limit int) []models.SearchResult {
	var out []models.SearchResult
	seen := map[string]bool{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result-link"):
				href := resolveRedirect(attr(n, "href"))
				if href != "" && !seen[href] {
					seen[href] = true
					out = append(out, models.SearchResult{Href: href, Title: strings.TrimSpace(textOf(n))})
				}
			case n.Data == "td" && hasClass(n, "result-snippet"):
				if len(out) > 0 && out[len(out)-1].Snippet == "" {
					out[len(out)-1].Snippet = strings.Join(strings.Fields(textOf(n)), " ")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// resolveRedirect unwraps //duckduckgo.com/l/?uddg=<target> links.
func resolveRedirect(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
