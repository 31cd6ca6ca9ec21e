// Package store talks to the PostgREST API of the persistence backend. Raw
// capture rows, chart note records and range queries all go through the
// Client; the realtime listener in this package additionally surfaces
// row-insert notifications over websocket.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appconfig "shopflow/config"
	"shopflow/logger"
	"shopflow/models"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewClient(cfg appconfig.StoreConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

func (c *Client) tableURL(table string) string {
	return c.baseURL + "/rest/v1/" + url.PathEscape(table)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, prefer string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build store request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		logger.IncrementStoreError()
		return fmt.Errorf("store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.IncrementStoreError()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// Insert writes a single record.
func (c *Client) Insert(ctx context.Context, table string, record models.Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.tableURL(table), body, "return=minimal")
}

// BatchInsert writes several records in one request. An empty batch is a
// no-op.
func (c *Client) BatchInsert(ctx context.Context, table string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.tableURL(table), body, "return=minimal")
}

// Upsert writes a record resolving conflicts on the given column list by
// merging into the existing row.
func (c *Client) Upsert(ctx context.Context, table string, record models.Record, conflictColumns []string) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	u := c.tableURL(table)
	if len(conflictColumns) > 0 {
		u += "?on_conflict=" + url.QueryEscape(strings.Join(conflictColumns, ","))
	}
	return c.do(ctx, http.MethodPost, u, body, "resolution=merge-duplicates,return=minimal")
}

// Select fetches all rows of a table whose created_at falls inside
// [fromISO, toISO], ordered ascending. Empty bounds are skipped.
func (c *Client) Select(ctx context.Context, table, fromISO, toISO string) ([]models.Record, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.asc")
	if fromISO != "" {
		q.Add("created_at", "gte."+fromISO)
	}
	if toISO != "" {
		q.Add("created_at", "lte."+toISO)
	}
	return c.query(ctx, c.tableURL(table)+"?"+q.Encode())
}

// SelectWhere fetches rows matching the given PostgREST filter values.
func (c *Client) SelectWhere(ctx context.Context, table string, filters url.Values) ([]models.Record, error) {
	q := url.Values{}
	q.Set("select", "*")
	for k, vs := range filters {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return c.query(ctx, c.tableURL(table)+"?"+q.Encode())
}

func (c *Client) query(ctx context.Context, rawURL string) ([]models.Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build store request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		logger.IncrementStoreError()
		return nil, fmt.Errorf("store query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.IncrementStoreError()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var rows []models.Record
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode store rows: %w", err)
	}
	return rows, nil
}

// RowsToRawRows reduces raw store records to the shape canonicalization
// works on. The timestamp comes from created_at, falling back to
// recorded_at; rows without one are dropped. Numeric columns keep their
// values, string columns become labels.
func RowsToRawRows(sourceID string, rows []models.Record) []models.RawRow {
	out := make([]models.RawRow, 0, len(rows))
	for _, row := range rows {
		recordedAt, _ := row["created_at"].(string)
		if recordedAt == "" {
			recordedAt, _ = row["recorded_at"].(string)
		}
		if recordedAt == "" {
			continue
		}

		raw := models.RawRow{
			SourceID:   sourceID,
			RecordedAt: recordedAt,
			Columns:    map[string]float64{},
			Labels:     map[string]string{},
		}
		for k, v := range row {
			if k == "created_at" || k == "recorded_at" || k == "id" {
				continue
			}
			switch val := v.(type) {
			case float64:
				raw.Columns[k] = val
			case string:
				raw.Labels[k] = val
			}
		}
		out = append(out, raw)
	}
	return out
}
