package spider

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scout/internal/crawler"
)

// PageLinks fetches a page through a capability fetcher and extracts its
// anchors with goquery.
type PageLinks struct {
	fetcher crawler.Fetcher
	timeout time.Duration
}

// NewPageLinks builds a LinkSource over fetcher.
func NewPageLinks(fetcher crawler.Fetcher, timeout time.Duration) *PageLinks {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PageLinks{fetcher: fetcher, timeout: timeout}
}

// Links implements LinkSource. Relative hrefs are resolved against the final
// response URL.
func (p *PageLinks) Links(ctx context.Context, pageURL string) ([]Link, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL})
	if failure := crawler.ClassifyFailure(resp, err); failure != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, failure)
	}
	base := resp.URL
	if base == "" {
		base = pageURL
	}
	return ExtractLinks(base, resp.Body)
}

// ExtractLinks returns the http(s) anchors in body, deduplicated by href.
func ExtractLinks(baseURL string, body []byte) ([]Link, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(href); err == nil {
			base = b
		}
	}
	seen := make(map[string]struct{})
	var links []Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if rel, _ := s.Attr("rel"); strings.Contains(rel, "nofollow") {
			return
		}
		u, err := base.Parse(strings.TrimSpace(href))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		u.Fragment = ""
		abs := u.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			text, _ = s.Attr("title")
		}
		links = append(links, Link{URL: abs, Text: text})
	})
	return links, nil
}
