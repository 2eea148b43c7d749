// Package pubmed fetches abstracts from the NCBI E-utilities API and writes them as a corpus.
package pubmed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/knoguchi/medrag/internal/logging"
)

// DefaultBaseURL is the E-utilities endpoint.
const DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/"

// fetchBatchSize bounds the ids sent in one efetch request.
const fetchBatchSize = 200

// ErrRequest is returned when E-utilities answers with an error status.
var ErrRequest = errors.New("pubmed request failed")

// Article is one PubMed record.
type Article struct {
	PMID     string   `json:"pmid"`
	Title    string   `json:"title"`
	Abstract string   `json:"abstract"`
	Authors  []string `json:"authors"`
	Journal  string   `json:"journal"`
	URL      string   `json:"url"`
}

// Config configures the E-utilities client.
type Config struct {
	BaseURL string
	Email   string // NCBI asks callers to identify themselves
	APIKey  string
	Timeout time.Duration

	RetryCount    int // 0 means 3; negative disables retries
	RetryWaitTime time.Duration

	// RequestsPerSecond defaults to 3, or 10 with an API key, which are the NCBI limits.
	RequestsPerSecond float64
}

// Client searches PubMed and fetches article records.
type Client struct {
	http   *resty.Client
	config Config
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch {
	case cfg.RetryCount == 0:
		cfg.RetryCount = 3
	case cfg.RetryCount < 0:
		cfg.RetryCount = 0
	}
	if cfg.RetryWaitTime <= 0 {
		cfg.RetryWaitTime = 500 * time.Millisecond
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 3
		if cfg.APIKey != "" {
			cfg.RequestsPerSecond = 10
		}
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetRetryMaxWaitTime(10 * cfg.RetryWaitTime).
		AddRetryCondition(retryCondition).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return limiter.Wait(r.Context())
		})

	return &Client{http: client, config: cfg}
}

// retryCondition retries network errors, throttling and server errors
func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

type searchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

// Search returns up to limit PubMed ids for term, most relevant first.
func (c *Client) Search(ctx context.Context, term string, limit int) ([]string, error) {
	if strings.TrimSpace(term) == "" {
		return nil, fmt.Errorf("%w: empty search term", ErrRequest)
	}
	if limit <= 0 {
		limit = 20
	}

	var out searchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(c.params(map[string]string{
			"term":    term,
			"retmax":  fmt.Sprint(limit),
			"retmode": "json",
			"sort":    "relevance",
		})).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/esearch.fcgi")
	if err != nil {
		return nil, fmt.Errorf("%w: esearch: %v", ErrRequest, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: esearch status %d", ErrRequest, resp.StatusCode())
	}

	logging.FromContext(ctx).Info("pubmed search", "term", term, "count", out.Result.Count, "ids", len(out.Result.IDList))
	return out.Result.IDList, nil
}

// Fetch returns the records for ids in the order E-utilities returns them.
func (c *Client) Fetch(ctx context.Context, ids []string) ([]Article, error) {
	var articles []Article
	for start := 0; start < len(ids); start += fetchBatchSize {
		end := min(start+fetchBatchSize, len(ids))

		var set articleSet
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(c.params(map[string]string{
				"id":      strings.Join(ids[start:end], ","),
				"rettype": "abstract",
				"retmode": "xml",
			})).
			ForceContentType("application/xml").
			SetResult(&set).
			Get("/efetch.fcgi")
		if err != nil {
			return nil, fmt.Errorf("%w: efetch: %v", ErrRequest, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: efetch status %d", ErrRequest, resp.StatusCode())
		}

		for _, a := range set.Articles {
			articles = append(articles, a.article())
		}
	}
	return articles, nil
}

// SearchAndFetch runs Search then Fetch.
func (c *Client) SearchAndFetch(ctx context.Context, term string, limit int) ([]Article, error) {
	ids, err := c.Search(ctx, term, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	articles, err := c.Fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("pubmed fetch", "term", term, "articles", len(articles))
	return articles, nil
}

func (c *Client) params(extra map[string]string) map[string]string {
	p := map[string]string{"db": "pubmed", "tool": "medrag"}
	if c.config.Email != "" {
		p["email"] = c.config.Email
	}
	if c.config.APIKey != "" {
		p["api_key"] = c.config.APIKey
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// efetch XML

type articleSet struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	Citation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Title   text `xml:"ArticleTitle"`
			Journal struct {
				Title string `xml:"Title"`
			} `xml:"Journal"`
			Abstract []text `xml:"Abstract>AbstractText"`
			Authors  []struct {
				LastName       string `xml:"LastName"`
				ForeName       string `xml:"ForeName"`
				CollectiveName string `xml:"CollectiveName"`
			} `xml:"AuthorList>Author"`
		} `xml:"Article"`
	} `xml:"MedlineCitation"`
}

func (p pubmedArticle) article() Article {
	c := p.Citation
	a := Article{
		PMID:    strings.TrimSpace(c.PMID),
		Title:   string(c.Article.Title),
		Journal: strings.TrimSpace(c.Article.Journal.Title),
		URL:     "https://pubmed.ncbi.nlm.nih.gov/" + strings.TrimSpace(c.PMID) + "/",
	}

	parts := make([]string, 0, len(c.Article.Abstract))
	for _, t := range c.Article.Abstract {
		if s := string(t); s != "" {
			parts = append(parts, s)
		}
	}
	a.Abstract = strings.Join(parts, " ")

	for _, au := range c.Article.Authors {
		switch {
		case au.ForeName != "" && au.LastName != "":
			a.Authors = append(a.Authors, au.ForeName+" "+au.LastName)
		case au.CollectiveName != "":
			a.Authors = append(a.Authors, au.CollectiveName)
		}
	}
	return a
}

// text collects the character data of an element, dropping inline markup such as <i>.
type text string

func (t *text) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			b.Write(v)
		}
	}
	*t = text(strings.Join(strings.Fields(b.String()), " "))
	return nil
}
