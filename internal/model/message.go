package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageLog is one received push message and its webhook delivery outcome.
//
// WebhookStatus is nil until the first delivery attempt. Status 0 records a
// transport failure (timeout, DNS, refused connection) as opposed to an HTTP
// error status from the endpoint.
type MessageLog struct {
	ID              string    `json:"id"`
	CredentialID    string    `json:"credential_id"`
	FCMMessageID    string    `json:"fcm_message_id,omitempty"`
	Payload         string    `json:"payload"`
	WebhookStatus   *int      `json:"webhook_status"`
	WebhookResponse string    `json:"webhook_response,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// NewMessageLog builds a log entry for a freshly received payload.
func NewMessageLog(credentialID, fcmMessageID, payload string) MessageLog {
	return MessageLog{
		ID:           uuid.NewString(),
		CredentialID: credentialID,
		FCMMessageID: fcmMessageID,
		Payload:      payload,
		ReceivedAt:   time.Now().UTC(),
	}
}

// ExtractFCMMessageID pulls the vendor message id out of a payload, or ""
// when the payload is not JSON or carries no fcmMessageId field.
func ExtractFCMMessageID(payload string) string {
	var doc struct {
		FCMMessageID string `json:"fcmMessageId"`
	}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return ""
	}
	return doc.FCMMessageID
}
