package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/imroc/req/v3"

	"github.com/JakeFAU/scout/internal/crawler"
)

// Static serves a fixed seed list. It is useful offline and in tests.
type Static struct {
	URLs []string
}

// Name implements crawler.DiscoverySource.
func (Static) Name() string { return "static" }

// Search returns the seeds regardless of query.
func (s Static) Search(_ context.Context, _ string, maxResults int) ([]crawler.SearchHit, error) {
	hits := make([]crawler.SearchHit, 0, len(s.URLs))
	for _, u := range s.URLs {
		if maxResults > 0 && len(hits) >= maxResults {
			break
		}
		hits = append(hits, crawler.SearchHit{URL: u, Source: "static"})
	}
	return hits, nil
}

// Serper queries the serper.dev Google results API.
type Serper struct {
	client *req.Client
	apiKey string
	url    string
}

// NewSerper builds a Serper source. endpoint defaults to the public API.
func NewSerper(apiKey, endpoint string, timeout time.Duration) (*Serper, error) {
	if apiKey == "" {
		return nil, errors.New("serper api key is required")
	}
	if endpoint == "" {
		endpoint = "https://google.serper.dev/search"
	}
	return &Serper{client: req.C().SetTimeout(timeout), apiKey: apiKey, url: endpoint}, nil
}

// Name implements crawler.DiscoverySource.
func (*Serper) Name() string { return "serper" }

type serperResponse struct {
	Organic []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Search implements crawler.DiscoverySource.
func (s *Serper) Search(ctx context.Context, query string, maxResults int) ([]crawler.SearchHit, error) {
	num := maxResults
	if num <= 0 || num > 100 {
		num = 100
	}
	var body serperResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", s.apiKey).
		SetBodyJsonMarshal(map[string]any{"q": query, "num": num}).
		SetSuccessResult(&body).
		Post(s.url)
	if err != nil {
		return nil, fmt.Errorf("serper request: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("serper status %d", resp.StatusCode)
	}
	hits := make([]crawler.SearchHit, 0, len(body.Organic))
	for _, item := range body.Organic {
		if item.Link == "" {
			continue
		}
		hits = append(hits, crawler.SearchHit{URL: item.Link, Title: item.Title, Snippet: item.Snippet, Source: "serper"})
	}
	return hits, nil
}

// Bing queries the Bing Web Search v7 API.
type Bing struct {
	client *req.Client
	apiKey string
	url    string
}

// NewBing builds a Bing source. endpoint defaults to the public API.
func NewBing(apiKey, endpoint string, timeout time.Duration) (*Bing, error) {
	if apiKey == "" {
		return nil, errors.New("bing api key is required")
	}
	if endpoint == "" {
		endpoint = "https://api.bing.microsoft.com/v7.0/search"
	}
	return &Bing{client: req.C().SetTimeout(timeout), apiKey: apiKey, url: endpoint}, nil
}

// Name implements crawler.DiscoverySource.
func (*Bing) Name() string { return "bing" }

type bingResponse struct {
	WebPages struct {
		Value []struct {
			URL     string `json:"url"`
			Name    string `json:"name"`
			Snippet string `json:"snippet"`
		} `json:"value"`
	} `json:"webPages"`
}

// Search implements crawler.DiscoverySource. Bing caps count at 50.
func (b *Bing) Search(ctx context.Context, query string, maxResults int) ([]crawler.SearchHit, error) {
	var body bingResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Ocp-Apim-Subscription-Key", b.apiKey).
		SetQueryParams(map[string]string{"q": query, "count": strconv.Itoa(clampCount(maxResults, 50))}).
		SetSuccessResult(&body).
		Get(b.url)
	if err != nil {
		return nil, fmt.Errorf("bing request: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("bing status %d", resp.StatusCode)
	}
	hits := make([]crawler.SearchHit, 0, len(body.WebPages.Value))
	for _, item := range body.WebPages.Value {
		if item.URL == "" {
			continue
		}
		hits = append(hits, crawler.SearchHit{URL: item.URL, Title: item.Name, Snippet: item.Snippet, Source: "bing"})
	}
	return hits, nil
}

// Brave queries the Brave Search web API.
type Brave struct {
	client *req.Client
	apiKey string
	url    string
}

// NewBrave builds a Brave source. endpoint defaults to the public API.
func NewBrave(apiKey, endpoint string, timeout time.Duration) (*Brave, error) {
	if apiKey == "" {
		return nil, errors.New("brave api key is required")
	}
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	return &Brave{client: req.C().SetTimeout(timeout), apiKey: apiKey, url: endpoint}, nil
}

// Name implements crawler.DiscoverySource.
func (*Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			URL         string `json:"url"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search implements crawler.DiscoverySource. Brave caps count at 20.
func (b *Brave) Search(ctx context.Context, query string, maxResults int) ([]crawler.SearchHit, error) {
	var body braveResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("X-Subscription-Token", b.apiKey).
		SetHeader("Accept", "application/json").
		SetQueryParams(map[string]string{"q": query, "count": strconv.Itoa(clampCount(maxResults, 20))}).
		SetSuccessResult(&body).
		Get(b.url)
	if err != nil {
		return nil, fmt.Errorf("brave request: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("brave status %d", resp.StatusCode)
	}
	hits := make([]crawler.SearchHit, 0, len(body.Web.Results))
	for _, item := range body.Web.Results {
		if item.URL == "" {
			continue
		}
		hits = append(hits, crawler.SearchHit{URL: item.URL, Title: item.Title, Snippet: item.Description, Source: "brave"})
	}
	return hits, nil
}

func clampCount(n, limit int) int {
	if n <= 0 || n > limit {
		return limit
	}
	return n
}

// DuckDuckGo queries the instant answer API. It needs no key but only
// returns related topics, so coverage is thin.
type DuckDuckGo struct {
	client *req.Client
	url    string
}

// NewDuckDuckGo builds a DuckDuckGo source.
func NewDuckDuckGo(endpoint string, timeout time.Duration) *DuckDuckGo {
	if endpoint == "" {
		endpoint = "https://api.duckduckgo.com/"
	}
	return &DuckDuckGo{client: req.C().SetTimeout(timeout), url: endpoint}
}

// Name implements crawler.DiscoverySource.
func (*DuckDuckGo) Name() string { return "duckduckgo" }

type ddgTopic struct {
	FirstURL string     `json:"FirstURL"`
	Text     string     `json:"Text"`
	Topics   []ddgTopic `json:"Topics"`
}

type ddgResponse struct {
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

const ddgTitleLimit = 100

// Search implements crawler.DiscoverySource.
func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) ([]crawler.SearchHit, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":       query,
			"format":  "json",
			"no_html": strconv.Itoa(1),
		}).
		Get(d.url)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo request: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("duckduckgo status %d", resp.StatusCode)
	}
	// The API labels its JSON application/x-javascript.
	raw, err := resp.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("duckduckgo body: %w", err)
	}
	var body ddgResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("duckduckgo decode: %w", err)
	}
	var hits []crawler.SearchHit
	var walk func(topics []ddgTopic)
	walk = func(topics []ddgTopic) {
		for _, t := range topics {
			if maxResults > 0 && len(hits) >= maxResults {
				return
			}
			if len(t.Topics) > 0 {
				walk(t.Topics)
				continue
			}
			if t.FirstURL == "" {
				continue
			}
			title := t.Text
			if r := []rune(title); len(r) > ddgTitleLimit {
				title = string(r[:ddgTitleLimit])
			}
			hits = append(hits, crawler.SearchHit{URL: t.FirstURL, Title: title, Snippet: t.Text, Source: "duckduckgo"})
		}
	}
	walk(body.RelatedTopics)
	return hits, nil
}
