// Package textsearch implements the vector/passage search capability on top
// of a bleve full-text index kept in memory. Documents are seeded through
// Seed; Invoke searches them and returns scored hits the query pipeline
// reranks and synthesizes from.
package textsearch

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/siteworks/siteflow/provider"
)

// Document is one searchable record.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider indexes documents in a mem-only bleve index and serves ranked
// lookups through the generic provider contract.
type Provider struct {
	index bleve.Index

	mu   sync.RWMutex
	docs map[string]Document
}

// DefaultTopK is the hit count returned when Input.Params carries no "top_k".
const DefaultTopK = 10

// New creates an empty in-memory search provider.
func New() (*Provider, error) {
	mapping := bleve.NewIndexMapping()
	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &Provider{index: index, docs: map[string]Document{}}, nil
}

// Seed indexes the given documents. Re-seeding an existing ID replaces it.
func (p *Provider) Seed(docs ...Document) error {
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("seed: document without id")
		}
		if err := p.index.Index(doc.ID, doc); err != nil {
			return fmt.Errorf("index document %s: %w", doc.ID, err)
		}
		p.mu.Lock()
		p.docs[doc.ID] = doc
		p.mu.Unlock()
	}
	return nil
}

// Close releases the index.
func (p *Provider) Close() error { return p.index.Close() }

// Invoke searches for Input.Text and returns hits in Payload["hits"] as
// []map[string]any{id, content, source, score}. Confidence reports the top
// hit's score clamped to [0,1], or 0 for an empty result.
func (p *Provider) Invoke(ctx context.Context, in provider.Input) (*provider.Result, error) {
	if in.Text == "" {
		return nil, &provider.Error{Provider: "textsearch", Err: fmt.Errorf("empty query")}
	}
	topK := DefaultTopK
	if v, ok := in.Params["top_k"].(int); ok && v > 0 {
		topK = v
	}

	query := bleve.NewMatchQuery(in.Text)
	req := bleve.NewSearchRequestOptions(query, topK, 0, false)
	res, err := p.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, &provider.Error{Provider: "textsearch", Err: err}
	}

	hits := make([]map[string]any, 0, len(res.Hits))
	top := 0.0
	p.mu.RLock()
	for i, hit := range res.Hits {
		doc := p.docs[hit.ID]
		hits = append(hits, map[string]any{
			"id":      hit.ID,
			"content": doc.Content,
			"source":  doc.Source,
			"score":   hit.Score,
		})
		if i == 0 {
			top = hit.Score
		}
	}
	p.mu.RUnlock()

	if top > 1 {
		top = 1
	}
	return &provider.Result{
		Payload: map[string]any{
			"hits":  hits,
			"count": len(hits),
		},
		Confidence: top,
	}, nil
}
