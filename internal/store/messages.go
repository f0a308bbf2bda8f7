package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fcmrelay/internal/model"
)

const messageColumns = `id, credential_id, fcm_message_id, payload,
	webhook_status, webhook_response, received_at`

// InsertMessage appends a message log row. Callers are expected to have run
// the dedup checks first.
func (s *Store) InsertMessage(ctx context.Context, m *model.MessageLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_logs (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CredentialID, m.FCMMessageID, m.Payload,
		m.WebhookStatus, m.WebhookResponse, m.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// IsFCMMessageDuplicate reports whether the vendor message id was already
// logged for this credential.
func (s *Store) IsFCMMessageDuplicate(ctx context.Context, credentialID, fcmMessageID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_logs WHERE credential_id = ? AND fcm_message_id = ?`,
		credentialID, fcmMessageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return n > 0, nil
}

// CleanupOldMessages deletes all rows for the credential except the keep
// most recent by received time. Returns the number deleted.
func (s *Store) CleanupOldMessages(ctx context.Context, credentialID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM message_logs
		WHERE credential_id = ?
		AND id NOT IN (
			SELECT id FROM message_logs
			WHERE credential_id = ?
			ORDER BY received_at DESC
			LIMIT ?
		)`,
		credentialID, credentialID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	return res.RowsAffected()
}

// UpdateWebhookOutcome overwrites the delivery outcome for a log row.
// It is idempotent; later attempts replace earlier ones.
func (s *Store) UpdateWebhookOutcome(ctx context.Context, logID string, status int, response string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_logs SET webhook_status = ?, webhook_response = ? WHERE id = ?`,
		status, response, logID)
	if err != nil {
		return fmt.Errorf("update webhook outcome: %w", err)
	}
	return nil
}

// GetMessage fetches one message log by id, or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.MessageLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message_logs WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns message logs newest-first. An empty credentialID
// spans all credentials.
func (s *Store) ListMessages(ctx context.Context, credentialID string, limit, offset int) ([]model.MessageLog, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if credentialID != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM message_logs
			WHERE credential_id = ? ORDER BY received_at DESC LIMIT ? OFFSET ?`,
			credentialID, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM message_logs
			ORDER BY received_at DESC LIMIT ? OFFSET ?`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var logs []model.MessageLog
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *m)
	}
	return logs, rows.Err()
}

// CountMessages counts message logs, optionally for one credential.
func (s *Store) CountMessages(ctx context.Context, credentialID string) (int64, error) {
	var (
		n   int64
		err error
	)
	if credentialID != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM message_logs WHERE credential_id = ?`, credentialID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_logs`).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ClearMessages removes all message logs for a credential.
func (s *Store) ClearMessages(ctx context.Context, credentialID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_logs WHERE credential_id = ?`, credentialID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteMessagesBefore removes logs received before the cutoff, across all
// credentials. Used by the janitor's age sweep.
func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_logs WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	return res.RowsAffected()
}

func scanMessage(row rowScanner) (*model.MessageLog, error) {
	var m model.MessageLog
	err := row.Scan(
		&m.ID, &m.CredentialID, &m.FCMMessageID, &m.Payload,
		&m.WebhookStatus, &m.WebhookResponse, &m.ReceivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &m, nil
}
