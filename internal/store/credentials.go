package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fcmrelay/internal/model"
)

const credentialColumns = `id, name, api_key, app_id, project_id,
	fcm_token, gcm_token, android_id, security_token, private_key, auth_secret,
	webhook_url, webhook_headers, is_active, is_suspended, created_at, updated_at`

// CreateCredential inserts a new credential row.
func (s *Store) CreateCredential(ctx context.Context, c *model.Credential) error {
	headers, err := marshalHeaders(c.WebhookHeaders)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.APIKey, c.AppID, c.ProjectID,
		c.FCMToken, c.GCMToken, int64(c.AndroidID), int64(c.SecurityToken),
		c.PrivateKey, c.AuthSecret,
		c.WebhookURL, headers, c.IsActive, c.IsSuspended,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential fetches one credential by id, or ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// ListCredentials returns credentials ordered newest-first, optionally
// limited to active ones.
func (s *Store) ListCredentials(ctx context.Context, activeOnly bool) ([]model.Credential, error) {
	q := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at DESC`
	if activeOnly {
		q = `SELECT ` + credentialColumns + ` FROM credentials WHERE is_active = 1 ORDER BY created_at DESC`
	}
	return s.queryCredentials(ctx, q)
}

// ListRunnable returns credentials that should auto-start: active and not
// suspended, ordered newest-first.
func (s *Store) ListRunnable(ctx context.Context) ([]model.Credential, error) {
	return s.queryCredentials(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE is_active = 1 AND is_suspended = 0 ORDER BY created_at DESC`)
}

// UpdateCredential applies a partial update and returns the updated row.
// Topics are handled separately by SetTopics.
func (s *Store) UpdateCredential(ctx context.Context, id string, r model.UpdateCredentialRequest) (*model.Credential, error) {
	set := "updated_at = ?"
	args := []any{time.Now().UTC()}

	add := func(col string, v any) {
		set += ", " + col + " = ?"
		args = append(args, v)
	}
	if r.Name != nil {
		add("name", *r.Name)
	}
	if r.WebhookURL != nil {
		add("webhook_url", *r.WebhookURL)
	}
	if r.WebhookHeaders != nil {
		headers, err := marshalHeaders(*r.WebhookHeaders)
		if err != nil {
			return nil, err
		}
		add("webhook_headers", headers)
	}
	if r.IsActive != nil {
		add("is_active", *r.IsActive)
	}
	if r.APIKey != nil {
		add("api_key", *r.APIKey)
	}
	if r.AppID != nil {
		add("app_id", *r.AppID)
	}
	if r.ProjectID != nil {
		add("project_id", *r.ProjectID)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, "UPDATE credentials SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetCredential(ctx, id)
}

// UpdateRegistration stores the vendor registration material as one complete set.
func (s *Store) UpdateRegistration(ctx context.Context, id, fcmToken, gcmToken string, androidID, securityToken uint64, privateKey, authSecret string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET fcm_token = ?, gcm_token = ?, android_id = ?, security_token = ?,
		    private_key = ?, auth_secret = ?, updated_at = ?
		WHERE id = ?`,
		fcmToken, gcmToken, int64(androidID), int64(securityToken),
		privateKey, authSecret, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update registration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSuspended flips the suspension flag.
func (s *Store) SetSuspended(ctx context.Context, id string, suspended bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET is_suspended = ?, updated_at = ? WHERE id = ?`,
		suspended, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set suspended: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCredential removes a credential; topics and message logs cascade.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTopics atomically replaces the credential's topic subscriptions.
func (s *Store) SetTopics(ctx context.Context, id string, topics []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set topics: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM credential_topics WHERE credential_id = ?`, id); err != nil {
		return fmt.Errorf("clear topics: %w", err)
	}
	for _, topic := range topics {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO credential_topics (credential_id, topic) VALUES (?, ?)`,
			id, topic); err != nil {
			return fmt.Errorf("insert topic: %w", err)
		}
	}
	return tx.Commit()
}

// GetTopics returns the credential's topic subscriptions.
func (s *Store) GetTopics(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT topic FROM credential_topics WHERE credential_id = ? ORDER BY topic`, id)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (s *Store) queryCredentials(ctx context.Context, query string, args ...any) ([]model.Credential, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*model.Credential, error) {
	var (
		c             model.Credential
		androidID     int64
		securityToken int64
		headers       string
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.APIKey, &c.AppID, &c.ProjectID,
		&c.FCMToken, &c.GCMToken, &androidID, &securityToken,
		&c.PrivateKey, &c.AuthSecret,
		&c.WebhookURL, &headers, &c.IsActive, &c.IsSuspended,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	c.AndroidID = uint64(androidID)
	c.SecurityToken = uint64(securityToken)
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &c.WebhookHeaders); err != nil {
			return nil, fmt.Errorf("decode webhook headers: %w", err)
		}
	}
	return &c, nil
}

func marshalHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode webhook headers: %w", err)
	}
	return string(b), nil
}
