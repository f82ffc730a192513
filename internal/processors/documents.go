package processors

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"bidforge-engine/internal/models"
	"bidforge-engine/internal/queue"
)

// ChunkSize is the target length in bytes of one embedded chunk
const ChunkSize = 1000

// DocumentPayload identifies a document to index
type DocumentPayload struct {
	CompanyID  string `json:"company_id"`
	DocumentID string `json:"document_id"`
	Content    string `json:"content,omitempty"`
}

type DocumentResult struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Embedded   int64  `json:"embedded"` // chunks not served from cache
	Dimensions int    `json:"dimensions"`
}

// DocumentProcessing indexes a newly uploaded document against the
// company's document limit.
func (p *Processors) DocumentProcessing(ctx context.Context, job *models.Job, progress queue.Progress) (any, error) {
	return p.index(ctx, job, progress, true)
}

// DocumentEmbedding re-embeds an already counted document
func (p *Processors) DocumentEmbedding(ctx context.Context, job *models.Job, progress queue.Progress) (any, error) {
	return p.index(ctx, job, progress, false)
}

func (p *Processors) index(ctx context.Context, job *models.Job, progress queue.Progress, newDocument bool) (any, error) {
	if p.Embedder == nil {
		return nil, models.Validation("no embedder configured")
	}
	var payload DocumentPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if payload.DocumentID == "" {
		return nil, models.Validation("document_id is required")
	}
	log := p.logger(job).With("document_id", payload.DocumentID)
	if newDocument {
		if err := p.checkLimit(ctx, payload.CompanyID, models.LimitDocuments); err != nil {
			return nil, err
		}
	}

	progress(5, "extracting text")
	text, err := p.documentText(ctx, payload.DocumentID, payload.Content)
	if err != nil {
		return nil, err
	}
	chunks := Chunk(text, ChunkSize)
	if len(chunks) == 0 {
		return nil, models.Validation("document has no text")
	}

	var misses atomic.Int64
	compute := func(ctx context.Context, s string) ([]float32, error) {
		misses.Add(1)
		return p.Embedder.Embed(ctx, s)
	}
	dims := 0
	for i, chunk := range chunks {
		v, err := p.Cache.Embedding(ctx, chunk, compute)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d: %w", i, err)
		}
		dims = len(v)
		progress(10+(i+1)*80/len(chunks), fmt.Sprintf("embedded %d/%d chunks", i+1, len(chunks)))
	}

	md := usageMetadata(job, "document_id", payload.DocumentID)
	if newDocument {
		p.Ledger.Meter(ctx, payload.CompanyID, models.EventDocumentProcessed, 1, md)
		p.countLimit(ctx, log, payload.CompanyID, models.LimitDocuments)
	}
	if n := misses.Load(); n > 0 {
		p.Ledger.Meter(ctx, payload.CompanyID, models.EventEmbedding, n, md)
	}
	if job.ProjectID != "" {
		p.Cache.InvalidateProject(ctx, job.ProjectID)
	}
	log.Info("document indexed", "chunks", len(chunks), "embedded", misses.Load())
	return DocumentResult{DocumentID: payload.DocumentID, Chunks: len(chunks), Embedded: misses.Load(), Dimensions: dims}, nil
}

// Chunk splits text on word boundaries into pieces of at most size bytes.
// A single word longer than size becomes its own chunk.
func Chunk(text string, size int) []string {
	var chunks []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		if cur.Len() > 0 && cur.Len()+1+len(word) > size {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
