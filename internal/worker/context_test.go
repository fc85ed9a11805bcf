package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/retracehq/retrace/internal/engine"
	"github.com/retracehq/retrace/internal/index"
	"github.com/retracehq/retrace/internal/storage"
)

// fakeEngine returns a fixed-dimension vector derived from the text, so
// identical strings embed identically.
type fakeEngine struct {
	mu         sync.Mutex
	embedCalls int
	embedErr   error
}

func (f *fakeEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	f.mu.Lock()
	f.embedCalls++
	err := f.embedErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r % 13)
	}
	return vec, nil
}

func (f *fakeEngine) IsRunning(context.Context) bool               { return true }
func (f *fakeEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (f *fakeEngine) HasModel(context.Context, string) bool        { return true }
func (f *fakeEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}
func (f *fakeEngine) DeleteModel(context.Context, string) error { return nil }

type fakeChunkStore struct {
	mu      sync.Mutex
	saved   []storage.ChunkRecord
	saveErr error
}

func (f *fakeChunkStore) SaveChunks(chunks []storage.ChunkRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, chunks...)
	return nil
}

func (f *fakeChunkStore) AllChunks() ([]storage.ChunkRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.ChunkRecord(nil), f.saved...), nil
}

func newTestContext(t *testing.T) (*Context, *fakeEngine, *fakeChunkStore, *index.Hybrid) {
	t.Helper()
	eng := &fakeEngine{}
	store := &fakeChunkStore{}
	hybrid := index.NewHybrid()
	c := newContext(eng, "test-model", store, hybrid)
	t.Cleanup(c.Close)
	return c, eng, store, hybrid
}

func TestProcessBatch_IndexesAndPersists(t *testing.T) {
	c, _, store, hybrid := newTestContext(t)

	results, err := c.ProcessBatch(context.Background(), []Job{
		{ID: "j1", URL: "https://a.example/", Title: "A", Text: "some page text worth indexing"},
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	if len(store.saved) == 0 {
		t.Error("no chunks persisted")
	}
	if hybrid.Size() != len(store.saved) {
		t.Errorf("index size %d != persisted %d", hybrid.Size(), len(store.saved))
	}
}

func TestProcessBatch_EmptyTextIsPermanent(t *testing.T) {
	c, _, _, _ := newTestContext(t)

	results, err := c.ProcessBatch(context.Background(), []Job{
		{ID: "j1", URL: "https://a.example/", Text: "   \n\t "},
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected error for empty content")
	}
	if !results[0].Permanent {
		t.Error("empty content failure must be permanent")
	}
}

func TestProcessBatch_PartialResults(t *testing.T) {
	c, _, _, _ := newTestContext(t)

	results, err := c.ProcessBatch(context.Background(), []Job{
		{ID: "good", URL: "https://a.example/", Text: "real content here"},
		{ID: "bad", URL: "https://b.example/", Text: ""},
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if results[0].Err != nil {
		t.Errorf("good job failed: %v", results[0].Err)
	}
	if results[1].Err == nil || !results[1].Permanent {
		t.Errorf("bad job result = %+v", results[1])
	}
}

func TestProcessBatch_EmbedFailureIsRetriable(t *testing.T) {
	c, eng, _, _ := newTestContext(t)
	eng.embedErr = errors.New("backend down")

	results, err := c.ProcessBatch(context.Background(), []Job{
		{ID: "j1", URL: "https://a.example/", Text: "content"},
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected embed error")
	}
	if results[0].Permanent {
		t.Error("embed failure must stay retriable")
	}
}

func TestSearch_ThroughWorker(t *testing.T) {
	c, _, _, _ := newTestContext(t)

	_, err := c.ProcessBatch(context.Background(), []Job{
		{ID: "j1", URL: "https://a.example/", Title: "A", Text: "kubernetes ingress configuration guide"},
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	resp, err := c.Search(context.Background(), "kubernetes ingress", index.SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Groups) != 1 || resp.Groups[0].URL != "https://a.example/" {
		t.Errorf("groups = %+v", resp.Groups)
	}
}

func TestContext_ClosedRejectsRequests(t *testing.T) {
	eng := &fakeEngine{}
	c := newContext(eng, "m", &fakeChunkStore{}, index.NewHybrid())
	c.Close()

	if err := c.Ping(context.Background()); err != ErrClosed {
		t.Errorf("Ping after close = %v, want ErrClosed", err)
	}
	c.Close() // double close must not panic
}

func TestChunkText(t *testing.T) {
	long := strings.Repeat("word ", 300)
	pieces := chunkText(long, 512)
	if len(pieces) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(pieces))
	}
	for i, p := range pieces {
		if len(p) > 512 {
			t.Errorf("chunk %d length %d exceeds limit", i, len(p))
		}
		if strings.HasPrefix(p, " ") || strings.HasSuffix(p, " ") {
			t.Errorf("chunk %d has boundary whitespace", i)
		}
	}
	if got := chunkText("short", 512); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text chunks = %v", got)
	}
}

func TestRebuildIndex(t *testing.T) {
	store := &fakeChunkStore{saved: []storage.ChunkRecord{
		{ChunkID: "c1", URL: "https://a.example/", Title: "A", Text: "alpha", Embedding: []float32{1, 0}, CreatedAt: time.Now().UTC()},
		{ChunkID: "c2", URL: "https://b.example/", Title: "B", Text: "beta", Embedding: []float32{0, 1}, CreatedAt: time.Now().UTC()},
	}}
	hybrid := index.NewHybrid()

	n, err := RebuildIndex(store, hybrid)
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if n != 2 || hybrid.Size() != 2 {
		t.Errorf("rebuilt %d, index size %d", n, hybrid.Size())
	}
}

func TestManager_ReusesAndExpires(t *testing.T) {
	eng := &fakeEngine{}
	m := NewManager(eng, "m", &fakeChunkStore{}, index.NewHybrid())
	m.ttl = 50 * time.Millisecond
	t.Cleanup(m.Shutdown)

	ctx := context.Background()
	first, err := m.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	second, err := m.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if first != second {
		t.Error("context not reused within TTL")
	}

	time.Sleep(150 * time.Millisecond)
	third, err := m.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure after idle: %v", err)
	}
	if third == first {
		t.Error("idle context was not recycled")
	}
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m := NewManager(&fakeEngine{}, "m", &fakeChunkStore{}, index.NewHybrid())
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	m.Shutdown()
	m.Shutdown()
}
