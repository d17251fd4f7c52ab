package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/metrics"
)

const (
	defaultBaseURL = "https://api.airtable.com/v0"

	// Airtable allows at most 5 requests per second per base.
	defaultMinRequestInterval = 200 * time.Millisecond

	// Airtable caps batch create/update payloads at 10 records.
	BatchLimit = 10

	pageDelay  = 100 * time.Millisecond
	batchDelay = 200 * time.Millisecond
)

// Record is the standardized Airtable record structure.
type Record struct {
	ID          string         `json:"id,omitempty"`
	Fields      map[string]any `json:"fields"`
	CreatedTime string         `json:"createdTime,omitempty"`
}

// SortField describes one sort clause for ListRecords.
type SortField struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"` // "asc" or "desc"
}

// ListOptions controls filtering, sorting and pagination of ListRecords.
type ListOptions struct {
	Filter     string
	Sort       []SortField
	MaxRecords int
	PageSize   int
}

// Stats reports request accounting for one client instance.
type Stats struct {
	DailyRequests   int
	DailyResetAt    time.Time
	RequestsByVerb  map[string]int
	LastRequestTime time.Time
}

// Client is a rate-limited Airtable REST client. The rate limiter state is
// shared by all callers of one client, so concurrent sync runs against the
// same base serialize on request pacing rather than overrunning the provider
// limit.
type Client struct {
	apiKey     string
	baseID     string
	baseURL    string
	httpClient *http.Client

	mu             sync.Mutex
	nextSlot       time.Time
	minInterval    time.Duration
	dailyCount     int
	dailyReset     time.Time
	requestsByVerb map[string]int
	lastRequest    time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, used by tests and proxies.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMinRequestInterval overrides the request pacing interval.
func WithMinRequestInterval(d time.Duration) Option {
	return func(c *Client) { c.minInterval = d }
}

// NewClient creates an Airtable client bound to one base.
func NewClient(apiKey, baseID string, opts ...Option) *Client {
	c := &Client{
		apiKey:         apiKey,
		baseID:         baseID,
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		minInterval:    defaultMinRequestInterval,
		dailyReset:     midnightUTC(time.Now().UTC()),
		requestsByVerb: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseID returns the base this client operates on.
func (c *Client) BaseID() string {
	return c.baseID
}

func midnightUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// reserveSlot blocks until this caller's reserved request slot arrives,
// serializing request pacing across concurrent goroutines.
func (c *Client) reserveSlot(ctx context.Context, verb string) error {
	c.mu.Lock()
	now := time.Now()
	slot := c.nextSlot
	if slot.Before(now) {
		slot = now
	}
	c.nextSlot = slot.Add(c.minInterval)

	if now.UTC().After(c.dailyReset.Add(24 * time.Hour)) {
		c.dailyCount = 0
		c.dailyReset = midnightUTC(now.UTC())
	}
	c.dailyCount++
	c.requestsByVerb[verb]++
	c.lastRequest = now
	if c.dailyCount%1000 == 0 {
		logrus.WithField("count", c.dailyCount).Info("Airtable API requests today")
	}
	c.mu.Unlock()

	if wait := time.Until(slot); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// doRequest performs one authenticated request. A 429 honors the provider's
// Retry-After once; other failures are classified into APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	retried := false
	for {
		if err := c.reserveSlot(ctx, method); err != nil {
			return err
		}

		reqURL := c.baseURL + "/" + path
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}

		var reqBody io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to encode request body: %w", err)
			}
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		metrics.RemoteRequestsTotal.WithLabelValues(method).Inc()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &APIError{Kind: KindNetwork, Message: err.Error(), Retryable: true}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return &APIError{Kind: KindNetwork, Message: readErr.Error(), Retryable: true}
		}

		if resp.StatusCode == http.StatusTooManyRequests && !retried {
			retryAfter := 30 * time.Second
			if v := resp.Header.Get("Retry-After"); v != "" {
				if secs, parseErr := strconv.Atoi(v); parseErr == nil {
					retryAfter = time.Duration(secs) * time.Second
				}
			}
			logrus.WithField("retry_after", retryAfter).Warn("Airtable API rate limit hit, waiting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryAfter):
			}
			retried = true
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return classify(resp.StatusCode, extractErrorMessage(respBody, resp.StatusCode))
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return &APIError{Kind: KindAPI, StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid JSON response: %v", err)}
			}
		}
		return nil
	}
}

func extractErrorMessage(body []byte, statusCode int) string {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}

// ListRecords lists records from a table, following pagination until
// exhausted or MaxRecords is reached.
func (c *Client) ListRecords(ctx context.Context, table string, opts ListOptions) ([]Record, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}

	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(pageSize))
	if opts.Filter != "" {
		params.Set("filterByFormula", opts.Filter)
	}
	if opts.MaxRecords > 0 {
		params.Set("maxRecords", strconv.Itoa(opts.MaxRecords))
	}
	for i, s := range opts.Sort {
		params.Set(fmt.Sprintf("sort[%d][field]", i), s.Field)
		if s.Direction != "" {
			params.Set(fmt.Sprintf("sort[%d][direction]", i), s.Direction)
		}
	}

	var all []Record
	for {
		var page struct {
			Records []Record `json:"records"`
			Offset  string   `json:"offset"`
		}
		if err := c.doRequest(ctx, http.MethodGet, c.baseID+"/"+url.PathEscape(table), params, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list records from %s: %w", table, err)
		}
		all = append(all, page.Records...)

		if page.Offset == "" || (opts.MaxRecords > 0 && len(all) >= opts.MaxRecords) {
			break
		}
		params.Set("offset", page.Offset)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pageDelay):
		}
	}

	if opts.MaxRecords > 0 && len(all) > opts.MaxRecords {
		all = all[:opts.MaxRecords]
	}
	return all, nil
}

// GetRecord fetches one record by ID, returning (nil, nil) when it does not exist.
func (c *Client) GetRecord(ctx context.Context, table, recordID string) (*Record, error) {
	var rec Record
	err := c.doRequest(ctx, http.MethodGet, c.baseID+"/"+url.PathEscape(table)+"/"+recordID, nil, nil, &rec)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record %s from %s: %w", recordID, table, err)
	}
	return &rec, nil
}

// CreateRecord creates one record and returns it with its assigned ID.
// Retryable failures are retried with backoff before surfacing.
func (c *Client) CreateRecord(ctx context.Context, table string, fields map[string]any) (*Record, error) {
	var rec Record
	body := map[string]any{"fields": fields}
	err := RetryOperation(ctx, func() error {
		return c.doRequest(ctx, http.MethodPost, c.baseID+"/"+url.PathEscape(table), nil, body, &rec)
	}, "create record")
	if err != nil {
		return nil, fmt.Errorf("failed to create record in %s: %w", table, err)
	}
	logrus.WithFields(logrus.Fields{"table": table, "record": rec.ID}).Debug("Created Airtable record")
	return &rec, nil
}

// UpdateRecord patches fields on an existing record.
func (c *Client) UpdateRecord(ctx context.Context, table, recordID string, fields map[string]any) (*Record, error) {
	var rec Record
	body := map[string]any{"fields": fields}
	err := RetryOperation(ctx, func() error {
		return c.doRequest(ctx, http.MethodPatch, c.baseID+"/"+url.PathEscape(table)+"/"+recordID, nil, body, &rec)
	}, "update record")
	if err != nil {
		return nil, fmt.Errorf("failed to update record %s in %s: %w", recordID, table, err)
	}
	logrus.WithFields(logrus.Fields{"table": table, "record": recordID}).Debug("Updated Airtable record")
	return &rec, nil
}

// DeleteRecord removes a record from a table.
func (c *Client) DeleteRecord(ctx context.Context, table, recordID string) error {
	err := RetryOperation(ctx, func() error {
		return c.doRequest(ctx, http.MethodDelete, c.baseID+"/"+url.PathEscape(table)+"/"+recordID, nil, nil, nil)
	}, "delete record")
	if err != nil {
		return fmt.Errorf("failed to delete record %s from %s: %w", recordID, table, err)
	}
	return nil
}

// BatchCreate creates records in chunks of BatchLimit, pausing between chunks.
func (c *Client) BatchCreate(ctx context.Context, table string, records []map[string]any) ([]Record, error) {
	var created []Record
	for start := 0; start < len(records); start += BatchLimit {
		end := min(start+BatchLimit, len(records))
		chunk := make([]map[string]any, 0, end-start)
		for _, fields := range records[start:end] {
			chunk = append(chunk, map[string]any{"fields": fields})
		}

		var page struct {
			Records []Record `json:"records"`
		}
		body := map[string]any{"records": chunk}
		if err := c.doRequest(ctx, http.MethodPost, c.baseID+"/"+url.PathEscape(table), nil, body, &page); err != nil {
			return created, fmt.Errorf("batch create failed at offset %d: %w", start, err)
		}
		created = append(created, page.Records...)

		if end < len(records) {
			select {
			case <-ctx.Done():
				return created, ctx.Err()
			case <-time.After(batchDelay):
			}
		}
	}
	return created, nil
}

// BatchUpdateEntry pairs a record ID with its new field values.
type BatchUpdateEntry struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// BatchUpdate patches records in chunks of BatchLimit, pausing between chunks.
func (c *Client) BatchUpdate(ctx context.Context, table string, updates []BatchUpdateEntry) ([]Record, error) {
	var updated []Record
	for start := 0; start < len(updates); start += BatchLimit {
		end := min(start+BatchLimit, len(updates))

		var page struct {
			Records []Record `json:"records"`
		}
		body := map[string]any{"records": updates[start:end]}
		if err := c.doRequest(ctx, http.MethodPatch, c.baseID+"/"+url.PathEscape(table), nil, body, &page); err != nil {
			return updated, fmt.Errorf("batch update failed at offset %d: %w", start, err)
		}
		updated = append(updated, page.Records...)

		if end < len(updates) {
			select {
			case <-ctx.Done():
				return updated, ctx.Err()
			case <-time.After(batchDelay):
			}
		}
	}
	return updated, nil
}

// Base describes one accessible Airtable base.
type Base struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PermissionLevel string `json:"permissionLevel"`
}

// ListBases lists all bases accessible with the configured API key.
func (c *Client) ListBases(ctx context.Context) ([]Base, error) {
	var out struct {
		Bases []Base `json:"bases"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "meta/bases", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list bases: %w", err)
	}
	return out.Bases, nil
}

// TableSchema describes one table in a base schema.
type TableSchema struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Fields []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"fields"`
}

// GetBaseSchema fetches the table schema for a base.
func (c *Client) GetBaseSchema(ctx context.Context, baseID string) ([]TableSchema, error) {
	if baseID == "" {
		baseID = c.baseID
	}
	var out struct {
		Tables []TableSchema `json:"tables"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "meta/bases/"+baseID+"/tables", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get base schema for %s: %w", baseID, err)
	}
	return out.Tables, nil
}

// ValidateAPIKey checks the configured key by listing bases.
func (c *Client) ValidateAPIKey(ctx context.Context) error {
	if _, err := c.ListBases(ctx); err != nil {
		return fmt.Errorf("API key validation failed: %w", err)
	}
	return nil
}

// Stats returns request accounting for this client.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	byVerb := make(map[string]int, len(c.requestsByVerb))
	for k, v := range c.requestsByVerb {
		byVerb[k] = v
	}
	return Stats{
		DailyRequests:   c.dailyCount,
		DailyResetAt:    c.dailyReset,
		RequestsByVerb:  byVerb,
		LastRequestTime: c.lastRequest,
	}
}
