package chromedp

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/models"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36 deepresearch/1.0"

// Fetch renders pages in a local headless Chrome.
type Fetch struct {
	// ExecPath overrides the browser binary; empty uses chromedp's lookup.
	ExecPath string
}

func (f *Fetch) Scrape(ctx context.Context, rawURL string, opts models.ScrapeOptions) (*models.Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("invalid url")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	doc, err := f.fetchHTML(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	return Convert(doc, rawURL, opts)
}

func (f *Fetch) fetchHTML(ctx context.Context, rawURL string, opts models.ScrapeOptions) (string, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	if opts.Proxy != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy))
	}
	if f.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(f.ExecPath))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	actions := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if opts.WaitFor > 0 {
		actions = append(actions, chromedp.Sleep(opts.WaitFor))
	}
	var doc string
	actions = append(actions, chromedp.OuterHTML("html", &doc, chromedp.ByQuery))
	if err := chromedp.Run(bctx, actions...); err != nil {
		return "", err
	}
	return doc, nil
}

// Convert extracts the readable article from a rendered document and turns
// it into a Page. Links are collected from the whole document.
func Convert(doc, rawURL string, opts models.ScrapeOptions) (*models.Page, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	page := &models.Page{Links: []string{}}
	if wants(opts, models.FormatLinks) {
		page.Links = extractLinks(doc, pageURL)
	}

	body := doc
	article, err := readability.FromReader(strings.NewReader(doc), pageURL)
	if err == nil {
		page.Metadata.Title = helpers.PlainText(article.Title)
		page.Metadata.Favicon = article.Favicon
		if strings.TrimSpace(article.Content) != "" {
			body = article.Content
		}
	}
	if page.Metadata.Title == "" {
		page.Metadata.Title = documentTitle(doc)
	}

	if wants(opts, models.FormatMarkdown) {
		md, err := htmltomarkdown.ConvertString(helpers.SanitizeArticleHTML(body), converter.WithDomain(pageURL.Scheme+"://"+pageURL.Host))
		if err != nil {
			return nil, err
		}
		if opts.RemoveBase64Images {
			md = helpers.StripBase64Images(md)
		}
		page.Markdown = strings.TrimSpace(md)
	}
	return page, nil
}

func wants(opts models.ScrapeOptions, format string) bool {
	if len(opts.Formats) == 0 {
		return true
	}
	for _, f := range opts.Formats {
		if f == format {
			return true
		}
	}
	return false
}

func extractLinks(doc string, base *url.URL) []string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return []string{}
	}
	links := []string{}
	seen := map[string]bool{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(a.Val))
				if err != nil {
					break
				}
				abs := base.ResolveReference(ref)
				abs.Fragment = ""
				if abs.Scheme != "http" && abs.Scheme != "https" {
					break
				}
				if s := abs.String(); !seen[s] {
					seen[s] = true
					links = append(links, s)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return links
}

func documentTitle(doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return false
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(root)
	return title
}
