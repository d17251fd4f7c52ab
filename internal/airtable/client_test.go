package airtable

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("key-test", "appTEST", WithBaseURL(srv.URL), WithMinRequestInterval(0))
}

func TestListRecordsPagination(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "Bearer key-test", r.Header.Get("Authorization"))
		assert.Equal(t, "/appTEST/Revenue%20Streams", r.URL.EscapedPath())

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "" {
			fmt.Fprint(w, `{"records":[{"id":"rec1","fields":{"Stream Name":"a"}},{"id":"rec2","fields":{"Stream Name":"b"}}],"offset":"page2"}`)
			return
		}
		assert.Equal(t, "page2", r.URL.Query().Get("offset"))
		fmt.Fprint(w, `{"records":[{"id":"rec3","fields":{"Stream Name":"c"}}]}`)
	}))

	records, err := client.ListRecords(context.Background(), "Revenue Streams", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, records, 3)
	assert.Equal(t, "rec1", records[0].ID)
	assert.Equal(t, "c", records[2].Fields["Stream Name"])
}

func TestListRecordsFilterFormula(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `IS_AFTER({Last Modified}, '2026-01-01T00:00:00Z')`, r.URL.Query().Get("filterByFormula"))
		fmt.Fprint(w, `{"records":[]}`)
	}))

	_, err := client.ListRecords(context.Background(), "AI Agents", ListOptions{
		Filter: `IS_AFTER({Last Modified}, '2026-01-01T00:00:00Z')`,
	})
	require.NoError(t, err)
}

func TestRateLimitRetry(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"type":"RATE_LIMIT_REACHED","message":"Rate limit exceeded"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"rec9","fields":{"Stream Name":"after retry"}}`)
	}))

	rec, err := client.CreateRecord(context.Background(), "Revenue Streams", map[string]any{"Stream Name": "after retry"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "rec9", rec.ID)
}

func TestRateLimitRetriedOnce(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.CreateRecord(context.Background(), "Revenue Streams", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, IsRetryable(err))
}

func TestServerErrorRetriedWithBackoff(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"type":"SERVICE_UNAVAILABLE","message":"try again"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"rec5","fields":{"Stream Name":"eventually"}}`)
	}))

	rec, err := client.UpdateRecord(context.Background(), "Revenue Streams", "rec5", map[string]any{"Stream Name": "eventually"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "rec5", rec.ID)
}

func TestUnauthorizedNotRetried(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"AUTHENTICATION_REQUIRED","message":"bad key"}}`)
	}))

	_, err := client.CreateRecord(context.Background(), "Revenue Streams", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, IsRetryable(err))
}

func TestInvalidFormulaClassification(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"type":"INVALID_FILTER_BY_FORMULA","message":"The formula for filtering records is invalid"}}`)
	}))

	_, err := client.ListRecords(context.Background(), "Retreat Events", ListOptions{Filter: "BOGUS("})
	require.Error(t, err)
	assert.True(t, IsInvalidFormula(err))
	assert.False(t, IsRetryable(err))
}

func TestGetRecordNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"NOT_FOUND","message":"Record not found"}}`)
	}))

	rec, err := client.GetRecord(context.Background(), "AI Agents", "recMissing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestBatchCreateChunking(t *testing.T) {
	var batchSizes []int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Records []struct {
				Fields map[string]any `json:"fields"`
			} `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		batchSizes = append(batchSizes, len(body.Records))

		out := map[string]any{"records": []map[string]any{}}
		records := out["records"].([]map[string]any)
		for i := range body.Records {
			records = append(records, map[string]any{"id": fmt.Sprintf("rec%d", i), "fields": body.Records[i].Fields})
		}
		out["records"] = records
		require.NoError(t, json.NewEncoder(w).Encode(out))
	}))

	input := make([]map[string]any, 12)
	for i := range input {
		input[i] = map[string]any{"Stream Name": fmt.Sprintf("s%d", i)}
	}

	created, err := client.BatchCreate(context.Background(), "Revenue Streams", input)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 2}, batchSizes)
	assert.Len(t, created, 12)
}

func TestStats(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"records":[]}`)
	}))

	_, err := client.ListRecords(context.Background(), "AI Agents", ListOptions{})
	require.NoError(t, err)

	stats := client.Stats()
	assert.Equal(t, 1, stats.DailyRequests)
	assert.Equal(t, 1, stats.RequestsByVerb[http.MethodGet])
}
