package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/sink/memory"
)

func TestBlobStoresBodyAndDocument(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	blob, err := NewBlob(store, "/pages/")
	require.NoError(t, err)

	result := crawler.Result{
		JobID:      "job_1",
		URL:        "https://stats.example.gov:8443/cpi",
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"application/pdf"}},
		Body:       []byte("%PDF"),
		Score:      91,
	}
	require.NoError(t, blob.Store(context.Background(), result))
	require.Equal(t, []string{
		"pages/stats.example.gov/job_1.json",
		"pages/stats.example.gov/job_1.pdf",
	}, store.Keys())

	raw, ok := store.Get("pages/stats.example.gov/job_1.json")
	require.True(t, ok)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "memory://pages/stats.example.gov/job_1.pdf", doc.BodyURI)
	require.Equal(t, 91, doc.Score)
	require.Empty(t, doc.Body, "bodies are not inlined in the document")

	require.Error(t, blob.Store(context.Background(), crawler.Result{}))
}

func TestBodyTypeDefaultsToHTML(t *testing.T) {
	t.Parallel()

	ct, ext := bodyType(crawler.Result{})
	require.Equal(t, ".html", ext)
	require.Contains(t, ct, "text/html")
}

type failingSink struct{ err error }

func (f failingSink) Store(context.Context, crawler.Result) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	blob, err := NewBlob(store, "")
	require.NoError(t, err)
	boom := errors.New("boom")

	err = Multi{blob, failingSink{err: boom}}.Store(context.Background(), crawler.Result{JobID: "j", URL: "https://a.example/"})
	require.ErrorIs(t, err, boom)
	require.Len(t, store.Keys(), 2, "healthy sinks still receive the result")

	require.NoError(t, Multi{blob}.Store(context.Background(), crawler.Result{JobID: "k", URL: "https://a.example/"}))
}
