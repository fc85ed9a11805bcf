package index

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters. Standard values from the literature.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Sparse is an in-memory BM25 inverted index over chunk text.
type Sparse struct {
	mu           sync.RWMutex
	index        map[string]map[string]int // term -> chunkID -> term frequency
	docLengths   map[string]int            // chunkID -> token count
	totalLength  int
	avgDocLength float64
}

// NewSparse creates an empty BM25 index.
func NewSparse() *Sparse {
	return &Sparse{
		index:      make(map[string]map[string]int),
		docLengths: make(map[string]int),
	}
}

// Add tokenizes the text and indexes it under chunkID.
func (s *Sparse) Add(chunkID string, text string) {
	tokens := tokenize(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.docLengths[chunkID] = len(tokens)
	s.totalLength += len(tokens)
	s.avgDocLength = float64(s.totalLength) / float64(len(s.docLengths))

	for _, tok := range tokens {
		postings, ok := s.index[tok]
		if !ok {
			postings = make(map[string]int)
			s.index[tok] = postings
		}
		postings[chunkID]++
	}
}

// Size returns the number of indexed documents.
func (s *Sparse) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docLengths)
}

// Clear drops the whole index.
func (s *Sparse) Clear() {
	s.mu.Lock()
	s.index = make(map[string]map[string]int)
	s.docLengths = make(map[string]int)
	s.totalLength = 0
	s.avgDocLength = 0
	s.mu.Unlock()
}

// Search scores all documents matching any query term with BM25 and
// returns the topK by descending score.
func (s *Sparse) Search(query string, topK int) []Scored {
	if topK <= 0 {
		return nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.docLengths)
	if n == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		postings, ok := s.index[term]
		if !ok {
			continue
		}
		df := len(postings)
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for chunkID, tf := range postings {
			docLen := float64(s.docLengths[chunkID])
			norm := 1 - bm25B + bm25B*docLen/s.avgDocLength
			scores[chunkID] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)
		}
	}

	results := make([]Scored, 0, len(scores))
	for id, score := range scores {
		results = append(results, Scored{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// tokenize lowercases and splits on any non-letter, non-digit rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
