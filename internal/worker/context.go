package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/retracehq/retrace/internal/engine"
	"github.com/retracehq/retrace/internal/index"
	"github.com/retracehq/retrace/internal/storage"
)

// ErrClosed is returned when a request is sent to a worker context
// whose loop has already exited.
var ErrClosed = errors.New("worker context is closed")

// errEmptyContent marks jobs with nothing to index. Permanent.
var errEmptyContent = errors.New("no text content to index")

const (
	// chunkSize is the approximate character length of one indexed chunk.
	chunkSize = 512
	// snippetLen bounds the stored display snippet per chunk.
	snippetLen = 160
	// embedConcurrency caps parallel embed calls within one batch.
	embedConcurrency = 4
)

// ChunkStore is the slice of the storage layer the worker needs.
type ChunkStore interface {
	SaveChunks(chunks []storage.ChunkRecord) error
	AllChunks() ([]storage.ChunkRecord, error)
}

// Context is a live worker: a goroutine owning serialized access to the
// embedding engine for batch indexing and query embedding. Requests
// arrive over a channel and are processed one at a time.
type Context struct {
	engine engine.Engine
	model  string
	store  ChunkStore
	hybrid *index.Hybrid

	requests chan request
	done     chan struct{}
}

func newContext(eng engine.Engine, model string, store ChunkStore, hybrid *index.Hybrid) *Context {
	c := &Context{
		engine:   eng,
		model:    model,
		store:    store,
		hybrid:   hybrid,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Context) run() {
	defer close(c.done)
	for req := range c.requests {
		switch r := req.(type) {
		case *processBatchRequest:
			r.reply <- c.processBatch(r.jobs)
		case *searchRequest:
			resp, err := c.search(r.query, r.opts)
			r.reply <- searchReply{resp: resp, err: err}
		case *pingRequest:
			close(r.reply)
		case *shutdownRequest:
			close(r.done)
			return
		}
	}
}

func (c *Context) send(ctx context.Context, req request) error {
	select {
	case c.requests <- req:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessBatch indexes a batch of jobs and returns one result per job.
func (c *Context) ProcessBatch(ctx context.Context, jobs []Job) ([]JobResult, error) {
	req := &processBatchRequest{jobs: jobs, reply: make(chan []JobResult, 1)}
	if err := c.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case results := <-req.reply:
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Search embeds the query and runs it against the hybrid index.
func (c *Context) Search(ctx context.Context, query string, opts index.SearchOptions) (*index.SearchResponse, error) {
	req := &searchRequest{query: query, opts: opts, reply: make(chan searchReply, 1)}
	if err := c.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case reply := <-req.reply:
		return reply.resp, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping verifies the worker loop is responsive.
func (c *Context) Ping(ctx context.Context) error {
	req := &pingRequest{reply: make(chan struct{})}
	if err := c.send(ctx, req); err != nil {
		return err
	}
	select {
	case <-req.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker loop. Safe to call on an already closed context.
func (c *Context) Close() {
	req := &shutdownRequest{done: make(chan struct{})}
	select {
	case c.requests <- req:
		<-req.done
	case <-c.done:
	}
}

func (c *Context) processBatch(jobs []Job) []JobResult {
	results := make([]JobResult, len(jobs))
	for i, job := range jobs {
		results[i] = c.processJob(job)
	}
	return results
}

func (c *Context) processJob(job Job) JobResult {
	text := strings.TrimSpace(job.Text)
	if text == "" {
		return JobResult{ID: job.ID, Err: errEmptyContent, Permanent: true}
	}

	pieces := chunkText(text, chunkSize)
	now := time.Now().UTC()
	records := make([]storage.ChunkRecord, len(pieces))

	g := new(errgroup.Group)
	g.SetLimit(embedConcurrency)
	for i, piece := range pieces {
		g.Go(func() error {
			vec, err := c.engine.Embed(context.Background(), c.model, piece)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			records[i] = storage.ChunkRecord{
				ChunkID:   uuid.NewString(),
				URL:       job.URL,
				Title:     job.Title,
				Text:      piece,
				Embedding: vec,
				CreatedAt: now,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return JobResult{ID: job.ID, Err: err}
	}

	if err := c.store.SaveChunks(records); err != nil {
		return JobResult{ID: job.ID, Err: fmt.Errorf("saving chunks: %w", err)}
	}
	for _, rec := range records {
		c.hybrid.Add(rec.ChunkID, rec.Embedding, rec.Text, index.ChunkMeta{
			URL:       rec.URL,
			Title:     rec.Title,
			Snippet:   snippet(rec.Text),
			CreatedAt: rec.CreatedAt,
		})
	}

	slog.Debug("indexed page", "url", job.URL, "chunks", len(records))
	return JobResult{ID: job.ID}
}

func (c *Context) search(query string, opts index.SearchOptions) (*index.SearchResponse, error) {
	vec, err := c.engine.Embed(context.Background(), c.model, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return c.hybrid.Search(context.Background(), vec, query, opts)
}

// chunkText splits text into pieces of roughly size characters, breaking
// on whitespace so words stay intact.
func chunkText(text string, size int) []string {
	words := strings.Fields(text)
	var (
		pieces  []string
		current strings.Builder
	)
	for _, w := range words {
		if current.Len() > 0 && current.Len()+1+len(w) > size {
			pieces = append(pieces, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

func snippet(text string) string {
	if len(text) <= snippetLen {
		return text
	}
	cut := text[:snippetLen]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut
}

// RebuildIndex reloads all persisted chunks into the hybrid index.
// Called once at daemon startup.
func RebuildIndex(store ChunkStore, hybrid *index.Hybrid) (int, error) {
	chunks, err := store.AllChunks()
	if err != nil {
		return 0, fmt.Errorf("loading chunks: %w", err)
	}
	for _, rec := range chunks {
		hybrid.Add(rec.ChunkID, rec.Embedding, rec.Text, index.ChunkMeta{
			URL:       rec.URL,
			Title:     rec.Title,
			Snippet:   snippet(rec.Text),
			CreatedAt: rec.CreatedAt,
		})
	}
	return len(chunks), nil
}
