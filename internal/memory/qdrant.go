package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxErrorBodySize limits how much error response body we read.
const maxErrorBodySize = 1 * 1024 * 1024

// qdrantClient is a thin JSON client for the Qdrant HTTP API. The vector
// index itself is a black box; only the operations the Store needs are
// exposed.
type qdrantClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newQdrantClient(baseURL, apiKey string) *qdrantClient {
	return &qdrantClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Filter wire types. Conditions nest: a qdrantFilter is itself a valid
// condition inside Must, which is how the inclusive-OR type filter is
// layered under the mandatory user match.
type qdrantFilter struct {
	Must   []any `json:"must,omitempty"`
	Should []any `json:"should,omitempty"`
}

type qdrantMatch struct {
	Key   string           `json:"key"`
	Match qdrantMatchValue `json:"match"`
}

type qdrantMatchValue struct {
	Value string `json:"value"`
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload"`
}

type qdrantScored struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// collectionInfo returns the vector size of a collection and whether it
// exists.
func (q *qdrantClient) collectionInfo(ctx context.Context, collection string) (int, bool, error) {
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}

	status, err := q.do(ctx, http.MethodGet, "/collections/"+collection, nil, &resp)
	if err != nil {
		return 0, false, err
	}
	if status == http.StatusNotFound {
		return 0, false, nil
	}
	if status != http.StatusOK {
		return 0, false, fmt.Errorf("unexpected status %d", status)
	}
	return resp.Result.Config.Params.Vectors.Size, true, nil
}

// createCollection creates a cosine-distance collection of the given
// vector size.
func (q *qdrantClient) createCollection(ctx context.Context, collection string, vectorSize int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}

	status, err := q.do(ctx, http.MethodPut, "/collections/"+collection, body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", status)
	}
	return nil
}

// upsertPoint writes a single point.
func (q *qdrantClient) upsertPoint(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error {
	body := map[string]any{
		"points": []qdrantPoint{{ID: id, Vector: vector, Payload: payload}},
	}

	status, err := q.do(ctx, http.MethodPut, "/collections/"+collection+"/points", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", status)
	}
	return nil
}

// search runs a filtered similarity search.
func (q *qdrantClient) search(ctx context.Context, collection string, vector []float32, limit int, filter qdrantFilter) ([]qdrantScored, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"filter":       filter,
		"with_payload": true,
	}

	var resp struct {
		Result []qdrantScored `json:"result"`
	}

	status, err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", status)
	}
	return resp.Result, nil
}

// scroll fetches one page of filtered points. The returned offset is nil
// when there are no further pages.
func (q *qdrantClient) scroll(ctx context.Context, collection string, filter qdrantFilter, limit int, offset any) ([]qdrantPoint, any, error) {
	body := map[string]any{
		"filter":       filter,
		"limit":        limit,
		"with_payload": true,
	}
	if offset != nil {
		body["offset"] = offset
	}

	var resp struct {
		Result struct {
			Points         []qdrantPoint `json:"points"`
			NextPageOffset any           `json:"next_page_offset"`
		} `json:"result"`
	}

	status, err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &resp)
	if err != nil {
		return nil, nil, err
	}
	if status != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status %d", status)
	}
	return resp.Result.Points, resp.Result.NextPageOffset, nil
}

// deletePoints removes points by ID.
func (q *qdrantClient) deletePoints(ctx context.Context, collection string, ids []string) error {
	body := map[string]any{"points": ids}

	status, err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", status)
	}
	return nil
}

// do executes one JSON request and decodes the response into out when the
// status is 200 and out is non-nil. Non-2xx statuses other than 404 have
// their bodies folded into the error for diagnostics.
func (q *qdrantClient) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return resp.StatusCode, fmt.Errorf("qdrant error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	return resp.StatusCode, nil
}
