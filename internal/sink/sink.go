// Package sink delivers retrieved content to blob stores and brokers.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/JakeFAU/scout/internal/crawler"
)

// BlobStore persists objects and returns a URI for them.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Document is the metadata object written next to each body.
type Document struct {
	crawler.Result
	BodyURI string `json:"body_uri"`
}

// Blob writes each result as a body object plus a JSON document under
// <prefix>/<domain>/<job id>.
type Blob struct {
	store  BlobStore
	prefix string
}

// NewBlob builds a Blob sink over store.
func NewBlob(store BlobStore, prefix string) (*Blob, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	return &Blob{store: store, prefix: strings.Trim(prefix, "/")}, nil
}

// Store implements crawler.ResultSink.
func (b *Blob) Store(ctx context.Context, result crawler.Result) error {
	if result.JobID == "" {
		return errors.New("result job id is required")
	}
	base := ObjectBase(b.prefix, result)
	contentType, ext := bodyType(result)
	bodyURI, err := b.store.PutObject(ctx, base+ext, contentType, bytes.NewReader(result.Body))
	if err != nil {
		return fmt.Errorf("put body: %w", err)
	}
	doc, err := json.Marshal(Document{Result: result, BodyURI: bodyURI})
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if _, err := b.store.PutObject(ctx, base+".json", "application/json", bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// ObjectBase returns the extension-less object path for result.
func ObjectBase(prefix string, result crawler.Result) string {
	domain := crawler.Domain(result.URL)
	domain = strings.NewReplacer(":", "_", "/", "_").Replace(domain)
	return path.Join(prefix, domain, result.JobID)
}

func bodyType(result crawler.Result) (string, string) {
	raw := result.Headers.Get("Content-Type")
	media, _, err := mime.ParseMediaType(raw)
	if err != nil || media == "" {
		return "text/html; charset=utf-8", ".html"
	}
	switch media {
	case "text/html", "application/xhtml+xml":
		return raw, ".html"
	case "application/json":
		return raw, ".body.json"
	case "application/pdf":
		return raw, ".pdf"
	case "text/plain", "text/csv":
		return raw, ".txt"
	default:
		return raw, ".bin"
	}
}

// Multi stores each result in every sink and joins their errors.
type Multi []crawler.ResultSink

// Store implements crawler.ResultSink.
func (m Multi) Store(ctx context.Context, result crawler.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Store(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
