package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// SaveChunks persists embedded chunks in one transaction.
func (s *Store) SaveChunks(chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (chunk_id, url, title, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		blob := encodeFloat32s(c.Embedding)
		if _, err := stmt.Exec(c.ChunkID, c.URL, c.Title, c.Text, blob, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ChunkID, err)
		}
	}

	return tx.Commit()
}

// AllChunks returns every persisted chunk in insertion order. Used to
// rebuild the in-memory indices when a worker context spins up.
func (s *Store) AllChunks() ([]ChunkRecord, error) {
	rows, err := s.db.Query(`
		SELECT chunk_id, url, title, text, embedding, created_at
		FROM chunks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		var blob []byte
		var createdAt string
		if err := rows.Scan(&c.ChunkID, &c.URL, &c.Title, &c.Text, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ChunkID, err)
		}
		c.Embedding = embedding
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", c.ChunkID, err)
		}
		c.CreatedAt = t
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of persisted chunks.
func (s *Store) CountChunks() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&count)
	return count, err
}

// ClearChunks deletes all chunks, leaving queue and settings intact.
// Backs the clear-index control operation.
func (s *Store) ClearChunks() error {
	if _, err := s.db.Exec("DELETE FROM chunks"); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}
	return nil
}

// DeleteChunksForHosts removes persisted chunks whose URL host matches any
// of the given hosts, exactly or as a subdomain. Returns the number removed.
// Used to purge already-indexed pages when a host is added to the deny list.
func (s *Store) DeleteChunksForHosts(hosts []string) (int, error) {
	if len(hosts) == 0 {
		return 0, nil
	}

	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			normalized = append(normalized, h)
		}
	}
	if len(normalized) == 0 {
		return 0, nil
	}

	rows, err := s.db.Query("SELECT chunk_id, url FROM chunks")
	if err != nil {
		return 0, fmt.Errorf("querying chunk urls: %w", err)
	}

	var doomed []string
	for rows.Next() {
		var chunkID, rawURL string
		if err := rows.Scan(&chunkID, &rawURL); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning chunk url: %w", err)
		}
		u, err := url.Parse(rawURL)
		if err != nil {
			continue
		}
		host := strings.ToLower(u.Hostname())
		for _, h := range normalized {
			if host == h || strings.HasSuffix(host, "."+h) {
				doomed = append(doomed, chunkID)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(doomed) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning chunk delete transaction: %w", err)
	}
	stmt, err := tx.Prepare("DELETE FROM chunks WHERE chunk_id = ?")
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing chunk delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range doomed {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("deleting chunk %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
