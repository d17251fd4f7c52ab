package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedet2/crmsync/internal/scheduler"
	"github.com/dedet2/crmsync/internal/sync"
)

const webhookSecret = "whsec_test"

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "hmac-sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func samplePayload() []byte {
	return []byte(`{
		"base": {"id": "appTEST"},
		"table": {"id": "tblREV", "name": "Revenue Streams"},
		"records": [
			{"changeType": "recordCreated", "record": {"id": "rec001"}, "fields": {"Name": "Consulting"}},
			{"changeType": "recordCreated", "record": {"id": "rec002"}, "fields": {"Name": "Retainer"}},
			{"changeType": "recordCreated", "record": {"id": "rec003"}, "fields": {"Name": "Workshops"}},
			{"changeType": "recordArchived", "record": {"id": "rec004"}, "fields": {}}
		]
	}`)
}

// TestHandleWebhookSkipsUnknownChangeTypes tests that a delivery mixing
// recognized and unrecognized change types still acks with only the
// recognized entries turned into events
func TestHandleWebhookSkipsUnknownChangeTypes(t *testing.T) {
	bridge := NewBridge(nil, WithDebounceWindow(time.Hour), WithEntityResolver(func(table string) string {
		if table == "Revenue Streams" {
			return "revenue_streams"
		}
		return table
	}))
	defer bridge.Stop()

	ack, err := bridge.HandleWebhook(samplePayload(), "wh001")
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Len(t, ack.EventsCreated, 3)
	assert.False(t, ack.ProcessedAt.IsZero())

	// Queue holds exactly the recognized entries
	assert.Equal(t, 3, len(bridge.queue))
	event := <-bridge.queue
	assert.Equal(t, EventRecordCreated, event.Type)
	assert.Equal(t, "revenue_streams", event.EntityType)
	assert.Equal(t, "rec001", event.RecordID)
	assert.Equal(t, "appTEST", event.RemoteStoreID)
	assert.Equal(t, "Consulting", event.Payload["Name"])
}

func TestHandleWebhookRejectsInvalidJSON(t *testing.T) {
	bridge := NewBridge(nil, WithDebounceWindow(time.Hour))
	defer bridge.Stop()

	_, err := bridge.HandleWebhook([]byte(`{not json`), "wh001")
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"base":{"id":"appTEST"}}`)

	assert.True(t, VerifySignature(webhookSecret, body, signBody(webhookSecret, body)))
	assert.False(t, VerifySignature(webhookSecret, body, signBody("wrong-secret", body)))
	assert.False(t, VerifySignature(webhookSecret, []byte(`tampered`), signBody(webhookSecret, body)))
	assert.False(t, VerifySignature(webhookSecret, body, "hmac-sha256=nothex"))
	assert.False(t, VerifySignature(webhookSecret, body, ""))
}

func newTestRouter(t *testing.T) (http.Handler, *Bridge) {
	t.Helper()

	bridge := NewBridge(nil, WithDebounceWindow(time.Hour))
	t.Cleanup(bridge.Stop)

	sched := scheduler.New(nil, nil)
	engine := sync.NewEngine(nil, nil, sync.DefaultConfig())

	router := NewRouter(RouterConfig{
		Bridge:        bridge,
		Scheduler:     sched,
		Engine:        engine,
		WebhookSecret: webhookSecret,
	})
	return router, bridge
}

// TestWebhookEndpointVerifiesSignature tests the HTTP path: unsigned and
// mis-signed deliveries get 401, a valid delivery gets the ack
func TestWebhookEndpointVerifiesSignature(t *testing.T) {
	router, _ := newTestRouter(t)
	body := samplePayload()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/wh001", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/wh001", bytes.NewReader(body))
	req.Header.Set("X-Airtable-Content-MAC", signBody("wrong-secret", body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/wh001", bytes.NewReader(body))
	req.Header.Set("X-Airtable-Content-MAC", signBody(webhookSecret, body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ack WebhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Success)
	assert.Len(t, ack.EventsCreated, 3)
}

func TestWebhookEndpointRejectsMalformedBody(t *testing.T) {
	router, _ := newTestRouter(t)
	body := []byte(`{not json`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/wh001", bytes.NewReader(body))
	req.Header.Set("X-Airtable-Content-MAC", signBody(webhookSecret, body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusEventsEndpoint(t *testing.T) {
	router, bridge := newTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)

	bridge.Emit(NewEvent(EventSyncCompleted, SourceScheduler, "ai_agents"))
	require.Eventually(t, func() bool {
		return bridge.Stats().Processed == 1
	}, 2*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/status/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Statistics Statistics `json:"statistics"`
		Recent     []Event    `json:"recent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Statistics.Processed)
	require.Len(t, body.Recent, 1)
	assert.Equal(t, EventSyncCompleted, body.Recent[0].Type)
}
