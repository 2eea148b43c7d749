package pubmed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const efetchXML = `<?xml version="1.0" ?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation Status="MEDLINE">
      <PMID Version="1">111</PMID>
      <Article>
        <Journal><Title>Movement Disorders</Title></Journal>
        <ArticleTitle>Levodopa and <i>SNCA</i> variants in Parkinson's disease.</ArticleTitle>
        <Abstract>
          <AbstractText Label="BACKGROUND">Levodopa remains the most effective therapy.</AbstractText>
          <AbstractText Label="RESULTS">Response varied
            with genotype.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author><LastName>Smith</LastName><ForeName>Jane</ForeName></Author>
          <Author><CollectiveName>PD Study Group</CollectiveName></Author>
          <Author><LastName>Nobody</LastName></Author>
        </AuthorList>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>222</PMID>
      <Article>
        <Journal><Title>Neurology</Title></Journal>
        <ArticleTitle>Erratum.</ArticleTitle>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

type eutils struct {
	searches  atomic.Int32
	fetches   atomic.Int32
	failFirst bool
	lastQuery atomic.Value
}

func (e *eutils) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.lastQuery.Store(r.URL.Query())
	switch r.URL.Path {
	case "/esearch.fcgi":
		if e.searches.Add(1) == 1 && e.failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		_, _ = w.Write([]byte(`{"header":{},"esearchresult":{"count":"2","retmax":"2","idlist":["111","222"]}}`))
	case "/efetch.fcgi":
		e.fetches.Add(1)
		w.Header().Set("Content-Type", "text/xml; charset=UTF-8")
		_, _ = w.Write([]byte(efetchXML))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, h http.Handler, cfg Config) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	cfg.BaseURL = ts.URL
	cfg.RetryWaitTime = time.Millisecond
	cfg.RequestsPerSecond = 1000
	return NewClient(cfg)
}

func TestClient_SearchAndFetch(t *testing.T) {
	api := &eutils{}
	client := newTestClient(t, api, Config{Email: "me@example.org", APIKey: "k"})

	articles, err := client.SearchAndFetch(context.Background(), "parkinson treatment", 2)
	require.NoError(t, err)
	require.Len(t, articles, 2)

	first := articles[0]
	assert.Equal(t, "111", first.PMID)
	assert.Equal(t, "Levodopa and SNCA variants in Parkinson's disease.", first.Title)
	assert.Equal(t, "Levodopa remains the most effective therapy. Response varied with genotype.", first.Abstract)
	assert.Equal(t, []string{"Jane Smith", "PD Study Group"}, first.Authors)
	assert.Equal(t, "Movement Disorders", first.Journal)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/111/", first.URL)
	assert.Empty(t, articles[1].Abstract)

	q := api.lastQuery.Load().(url.Values)
	assert.Equal(t, []string{"111,222"}, q["id"])
	assert.Equal(t, []string{"pubmed"}, q["db"])
	assert.Equal(t, []string{"me@example.org"}, q["email"])
	assert.Equal(t, []string{"k"}, q["api_key"])
}

func TestClient_Search(t *testing.T) {
	t.Run("Should retry server errors", func(t *testing.T) {
		api := &eutils{failFirst: true}
		client := newTestClient(t, api, Config{})

		ids, err := client.Search(context.Background(), "levodopa", 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"111", "222"}, ids)
		assert.Equal(t, int32(2), api.searches.Load())
	})

	t.Run("Should fail after retries are exhausted", func(t *testing.T) {
		var calls atomic.Int32
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}), Config{RetryCount: 2})

		_, err := client.Search(context.Background(), "levodopa", 5)
		assert.ErrorIs(t, err, ErrRequest)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("Should reject empty terms", func(t *testing.T) {
		client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
		_, err := client.Search(context.Background(), "  ", 5)
		assert.ErrorIs(t, err, ErrRequest)
	})
}

func TestClient_FetchBatches(t *testing.T) {
	api := &eutils{}
	client := newTestClient(t, api, Config{})

	ids := make([]string, fetchBatchSize+1)
	for i := range ids {
		ids[i] = "1"
	}
	_, err := client.Fetch(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.fetches.Load())
}

func TestWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abstracts.txt")
	articles := []Article{
		{Title: "Drug Beta.", Abstract: "Treats condition\nX effectively."},
		{Title: "No abstract"},
		{Title: "Drug Gamma.", Abstract: "Is under study."},
	}

	n, err := NewWriter().Write(context.Background(), path, articles)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		"Drug Beta. Treats condition X effectively.",
		"Drug Gamma. Is under study.",
	}, lines)

	_, err = NewWriter().Write(context.Background(), path, []Article{{Title: "empty"}})
	assert.Error(t, err)
}
