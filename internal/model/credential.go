// Package model defines the persisted domain types shared by the store,
// the workers, and the control plane.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidWebhookURL is returned when a webhook URL has no http(s) scheme.
var ErrInvalidWebhookURL = errors.New("webhook_url must start with http:// or https://")

// Credential is one tenant's push-channel configuration plus webhook target.
//
// The registration material (FCMToken through AuthSecret) is empty until the
// worker registers the device with the vendor, and is always written as a
// complete set afterwards.
type Credential struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	AppID     string `json:"app_id"`
	ProjectID string `json:"project_id"`

	FCMToken      string `json:"fcm_token,omitempty"`
	GCMToken      string `json:"gcm_token,omitempty"`
	AndroidID     uint64 `json:"android_id,omitempty"`
	SecurityToken uint64 `json:"security_token,omitempty"`
	PrivateKey    string `json:"-"` // base64, never exposed over the API
	AuthSecret    string `json:"-"` // base64, never exposed over the API

	WebhookURL     string            `json:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`

	IsActive    bool `json:"is_active"`
	IsSuspended bool `json:"is_suspended"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasRegistration reports whether the stored registration material is usable
// without re-registering with the vendor.
func (c *Credential) HasRegistration() bool {
	return c.FCMToken != "" && c.PrivateKey != "" && c.AuthSecret != ""
}

// CanStart reports whether the worker may be started for this credential.
func (c *Credential) CanStart() bool {
	return c.IsActive && !c.IsSuspended
}

// CreateCredentialRequest is the control-plane payload for creating a credential.
type CreateCredentialRequest struct {
	Name           string            `json:"name" yaml:"name"`
	APIKey         string            `json:"api_key" yaml:"api_key"`
	AppID          string            `json:"app_id" yaml:"app_id"`
	ProjectID      string            `json:"project_id" yaml:"project_id"`
	WebhookURL     string            `json:"webhook_url" yaml:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty" yaml:"webhook_headers,omitempty"`
	Topics         []string          `json:"topics,omitempty" yaml:"topics,omitempty"`
}

// Validate checks required fields and the webhook URL scheme.
func (r *CreateCredentialRequest) Validate() error {
	var errs []error
	for field, val := range map[string]string{
		"name":        r.Name,
		"api_key":     r.APIKey,
		"app_id":      r.AppID,
		"project_id":  r.ProjectID,
		"webhook_url": r.WebhookURL,
	} {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", field))
		}
	}
	if r.WebhookURL != "" && !ValidWebhookURL(r.WebhookURL) {
		errs = append(errs, ErrInvalidWebhookURL)
	}
	return errors.Join(errs...)
}

// NewCredential builds a Credential from a validated create request.
// New credentials start active and not suspended.
func NewCredential(r CreateCredentialRequest) Credential {
	now := time.Now().UTC()
	return Credential{
		ID:             uuid.NewString(),
		Name:           r.Name,
		APIKey:         r.APIKey,
		AppID:          r.AppID,
		ProjectID:      r.ProjectID,
		WebhookURL:     r.WebhookURL,
		WebhookHeaders: r.WebhookHeaders,
		IsActive:       true,
		IsSuspended:    false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// UpdateCredentialRequest is the control-plane payload for a partial update.
// Nil fields are left unchanged.
type UpdateCredentialRequest struct {
	Name           *string            `json:"name,omitempty"`
	WebhookURL     *string            `json:"webhook_url,omitempty"`
	WebhookHeaders *map[string]string `json:"webhook_headers,omitempty"`
	IsActive       *bool              `json:"is_active,omitempty"`
	APIKey         *string            `json:"api_key,omitempty"`
	AppID          *string            `json:"app_id,omitempty"`
	ProjectID      *string            `json:"project_id,omitempty"`
	Topics         *[]string          `json:"topics,omitempty"`
}

// Validate checks the fields that are present.
func (r *UpdateCredentialRequest) Validate() error {
	if r.WebhookURL != nil && !ValidWebhookURL(*r.WebhookURL) {
		return ErrInvalidWebhookURL
	}
	return nil
}

// ValidWebhookURL reports whether url carries an http or https scheme.
func ValidWebhookURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
