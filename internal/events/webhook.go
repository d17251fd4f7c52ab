package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// webhookPayload is the remote store's change notification format.
type webhookPayload struct {
	Base struct {
		ID string `json:"id"`
	} `json:"base"`
	Table struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"table"`
	Records []struct {
		ChangeType string `json:"changeType"`
		Record     struct {
			ID string `json:"id"`
		} `json:"record"`
		Fields map[string]any `json:"fields"`
	} `json:"records"`
}

// WebhookAck is the response body for an accepted webhook delivery.
type WebhookAck struct {
	Success       bool      `json:"success"`
	EventsCreated []string  `json:"events_created"`
	ProcessedAt   time.Time `json:"processed_at"`
}

var changeTypeEvents = map[string]EventType{
	"recordCreated": EventRecordCreated,
	"recordUpdated": EventRecordUpdated,
	"recordDeleted": EventRecordDeleted,
}

// HandleWebhook parses a change notification and emits one event per
// recognized record entry. Entries with an unknown changeType are skipped
// with a warning; the delivery still succeeds.
func (b *Bridge) HandleWebhook(payload []byte, webhookID string) (WebhookAck, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return WebhookAck{}, fmt.Errorf("invalid webhook payload: %w", err)
	}

	entityType := b.resolveEntity(body.Table.Name)
	var created []string
	for _, entry := range body.Records {
		eventType, known := changeTypeEvents[entry.ChangeType]
		if !known {
			logrus.WithFields(logrus.Fields{
				"webhook_id":  webhookID,
				"change_type": entry.ChangeType,
				"record_id":   entry.Record.ID,
			}).Warn("Unrecognized change type, skipping entry")
			continue
		}

		event := NewEvent(eventType, SourceRemote, entityType)
		event.RecordID = entry.Record.ID
		event.Payload = entry.Fields
		event.RemoteStoreID = body.Base.ID
		b.Emit(event)
		created = append(created, event.ID)
	}

	logrus.WithFields(logrus.Fields{
		"webhook_id": webhookID,
		"table":      body.Table.Name,
		"events":     len(created),
	}).Info("Webhook processed")

	return WebhookAck{
		Success:       true,
		EventsCreated: created,
		ProcessedAt:   time.Now(),
	}, nil
}

// VerifySignature checks the hmac-sha256 content MAC header against the raw
// request body. An empty header never verifies.
func VerifySignature(secret string, body []byte, header string) bool {
	const prefix = "hmac-sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
