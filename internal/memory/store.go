// Package memory provides the long-term semantic memory store for Synapse.
// Records are keyed by embedding vectors and held in a remote Qdrant
// collection, partitioned strictly per end-user.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/config"
	"github.com/normanking/synapse/internal/logging"
)

// Type classifies a memory record.
type Type string

const (
	TypeInteraction Type = "interaction"
	TypeKnowledge   Type = "knowledge"
	TypePreference  Type = "preference"
)

// ErrEmbeddingFailed wraps embedding generation errors. A failed embed
// aborts the single call it belongs to and leaves stored state untouched.
var ErrEmbeddingFailed = errors.New("memory: embedding generation failed")

// scrollPageSize bounds each scroll request against the vector index.
const scrollPageSize = 256

// Embedder produces a fixed-length vector for a text. Satisfied by the
// llm providers.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Point is a stored memory record.
type Point struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

// Hit is a ranked search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Content string         `json:"content"`
	Payload map[string]any `json:"payload"`
}

// Store provides per-user semantic memory over one Qdrant collection.
type Store struct {
	qdrant     *qdrantClient
	collection string
	vectorSize int
	embedder   Embedder
	log        zerolog.Logger
}

// New creates a Store bound to the configured collection. The collection
// is created if absent; if it already exists its vector size must match
// the configured embedding dimensionality. That compatibility check
// happens once here, not per call.
func New(ctx context.Context, cfg config.MemoryConfig, embedder Embedder) (*Store, error) {
	s := &Store{
		qdrant:     newQdrantClient(cfg.URL, cfg.APIKey),
		collection: cfg.Collection,
		vectorSize: cfg.VectorSize,
		embedder:   embedder,
		log:        logging.For("memory"),
	}

	existingSize, exists, err := s.qdrant.collectionInfo(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("inspect collection: %w", err)
	}

	if !exists {
		if err := s.qdrant.createCollection(ctx, s.collection, s.vectorSize); err != nil {
			return nil, fmt.Errorf("create collection: %w", err)
		}
		s.log.Info().Str("collection", s.collection).Int("vector_size", s.vectorSize).
			Msg("created memory collection")
		return s, nil
	}

	if existingSize != s.vectorSize {
		return nil, fmt.Errorf("collection %s has vector size %d, configured embedding dimensionality is %d",
			s.collection, existingSize, s.vectorSize)
	}

	return s, nil
}

// Upsert embeds text and stores a new memory record for the user. The
// payload is enriched with the partition key, record type, content and a
// creation timestamp. A failed embed aborts the call before any write.
func (s *Store) Upsert(ctx context.Context, userID string, typ Type, payload map[string]any, text string) (string, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	id := uuid.NewString()

	full := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		full[k] = v
	}
	full["user_id"] = userID
	full["type"] = string(typ)
	full["content"] = text
	full["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	if err := s.qdrant.upsertPoint(ctx, s.collection, id, vec, full); err != nil {
		return "", fmt.Errorf("upsert point: %w", err)
	}

	s.log.Debug().Str("user_id", userID).Str("type", string(typ)).Str("id", id).
		Msg("stored memory record")
	return id, nil
}

// StoreInteraction records one completed orchestration cycle.
func (s *Store) StoreInteraction(ctx context.Context, userID, userText, reply string) (string, error) {
	return s.Upsert(ctx, userID, TypeInteraction, map[string]any{
		"user_message":       userText,
		"assistant_response": reply,
	}, userText+"\n"+reply)
}

// StoreKnowledge records an explicit knowledge entry.
func (s *Store) StoreKnowledge(ctx context.Context, userID, content string) (string, error) {
	return s.Upsert(ctx, userID, TypeKnowledge, nil, content)
}

// StorePreference records an explicit user preference.
func (s *Store) StorePreference(ctx context.Context, userID, content string) (string, error) {
	return s.Upsert(ctx, userID, TypePreference, nil, content)
}

// Search returns up to limit records semantically similar to query,
// ranked by score. The user partition filter is mandatory; a non-empty
// types list narrows the results with an inclusive-OR on record type.
func (s *Store) Search(ctx context.Context, userID, query string, limit int, types ...Type) ([]Hit, error) {
	if limit <= 0 {
		limit = 5
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	results, err := s.qdrant.search(ctx, s.collection, vec, limit, userFilter(userID, types))
	if err != nil {
		return nil, fmt.Errorf("search points: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		content, _ := r.Payload["content"].(string)
		hits = append(hits, Hit{
			ID:      r.ID,
			Score:   r.Score,
			Content: content,
			Payload: r.Payload,
		})
	}
	return hits, nil
}

// Scroll enumerates all records for the user, unranked, optionally
// narrowed by record type.
func (s *Store) Scroll(ctx context.Context, userID string, types ...Type) ([]Point, error) {
	filter := userFilter(userID, types)

	var all []Point
	var offset any
	for {
		points, next, err := s.qdrant.scroll(ctx, s.collection, filter, scrollPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("scroll points: %w", err)
		}
		for _, p := range points {
			all = append(all, Point{ID: p.ID, Payload: p.Payload})
		}
		if next == nil {
			return all, nil
		}
		offset = next
	}
}

// Purge deletes the user's records older than maxAgeDays and returns the
// number of deleted records. Timestamps are compared client-side against
// the cutoff. Records with a missing or malformed timestamp are treated
// as arbitrarily old and deleted too; without that policy such records
// would survive every purge and the collection would grow without bound.
func (s *Store) Purge(ctx context.Context, userID string, maxAgeDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	points, err := s.Scroll(ctx, userID)
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, p := range points {
		if recordExpired(p.Payload, cutoff) {
			stale = append(stale, p.ID)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}

	if err := s.qdrant.deletePoints(ctx, s.collection, stale); err != nil {
		return 0, fmt.Errorf("delete points: %w", err)
	}

	s.log.Info().Str("user_id", userID).Int("deleted", len(stale)).Int("max_age_days", maxAgeDays).
		Msg("purged stale memory records")
	return len(stale), nil
}

// recordExpired reports whether a record's stored timestamp falls strictly
// before the cutoff. Absent or unparsable timestamps count as expired.
func recordExpired(payload map[string]any, cutoff time.Time) bool {
	raw, ok := payload["timestamp"].(string)
	if !ok {
		return true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return ts.Before(cutoff)
}

// userFilter builds the mandatory user partition filter, with an optional
// inclusive-OR type narrowing layered on top.
func userFilter(userID string, types []Type) qdrantFilter {
	filter := qdrantFilter{
		Must: []any{
			qdrantMatch{Key: "user_id", Match: qdrantMatchValue{Value: userID}},
		},
	}

	if len(types) > 0 {
		var should []any
		for _, t := range types {
			should = append(should, qdrantMatch{Key: "type", Match: qdrantMatchValue{Value: string(t)}})
		}
		filter.Must = append(filter.Must, qdrantFilter{Should: should})
	}

	return filter
}
