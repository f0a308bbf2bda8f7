// Package notify mirrors accepted push messages to secondary channels.
// Mirror delivery is best-effort and never affects the webhook pipeline.
package notify

import (
	"context"
	"time"
)

// Message is the mirrored form of one accepted push payload. Payload is the
// raw received text, not re-parsed, so non-JSON payloads mirror cleanly.
type Message struct {
	CredentialID string    `json:"credential_id"`
	Payload      string    `json:"payload"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Mirror publishes messages to an external channel.
type Mirror interface {
	Publish(ctx context.Context, msg Message) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Error(msg string, args ...any)
}

// Multi fans a message out to all configured mirrors, logging failures.
type Multi struct {
	mirrors []Mirror
	log     Logger
}

// NewMulti creates a dispatcher from the given mirrors.
func NewMulti(log Logger, mirrors ...Mirror) *Multi {
	return &Multi{mirrors: mirrors, log: log}
}

// Publish sends msg to every mirror. Errors are logged, never propagated.
func (m *Multi) Publish(ctx context.Context, msg Message) {
	for _, mir := range m.mirrors {
		if err := mir.Publish(ctx, msg); err != nil {
			m.log.Error("mirror publish failed",
				"mirror", mir.Name(),
				"credential", msg.CredentialID,
				"error", err.Error(),
			)
		}
	}
}

// Enabled reports whether any mirror is configured.
func (m *Multi) Enabled() bool {
	return len(m.mirrors) > 0
}
