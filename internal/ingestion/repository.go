package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	pkgerrors "relay/pkg/errors"
	"relay/pkg/metrics"
)

// Store is the persistence collaborator of the pipeline. It applies the
// uniqueness constraints that act as the authoritative dedup backstop:
// at most one message per (conversation_id, external_id).
type Store interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessageByID(ctx context.Context, id string) (*Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, extra map[string]interface{}) (*Message, error)

	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversationByID(ctx context.Context, id string) (*Conversation, error)
	FindOpenConversations(ctx context.Context, email, organizationID string) ([]Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return &PostgresStore{db: db}
}

const messageColumns = `id, conversation_id, external_id, direction, status, content, sender, recipient, attachments, metadata, created_at, updated_at, processed_at, delivered_at, read_at`

const conversationColumns = `id, organization_id, integration_id, participant_email, status, created_at, updated_at, last_message_at`

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) (err error) {
	start := time.Now()
	defer func() { observeQuery("create_message", start, err) }()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.Status == "" {
		msg.Status = MessageStatusReceived
	}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to encode content")
	}
	sender, err := json.Marshal(msg.Sender)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to encode sender")
	}
	var recipient []byte
	if msg.Recipient != nil {
		if recipient, err = json.Marshal(msg.Recipient); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to encode recipient")
		}
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to encode attachments")
	}
	if msg.Attachments == nil {
		attachments = []byte(`[]`)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to encode metadata")
	}
	if msg.Metadata == nil {
		metadata = []byte(`{}`)
	}

	query := `
		INSERT INTO messages (id, conversation_id, external_id, direction, status, content, sender, recipient, attachments, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, nullString(msg.ExternalID),
		string(msg.Direction), string(msg.Status),
		content, sender, recipient, attachments, metadata,
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return pkgerrors.ErrDuplicate.WithCause(err).
				WithDetail("external_id", msg.ExternalID).
				WithDetail("conversation_id", msg.ConversationID)
		}
		return pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to create message")
	}

	return nil
}

func (s *PostgresStore) GetMessageByID(ctx context.Context, id string) (_ *Message, err error) {
	start := time.Now()
	defer func() { observeQuery("get_message", start, err) }()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message_id", id)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to get message")
	}
	return msg, nil
}

// UpdateMessageStatus sets the new status plus its status-specific
// timestamp and merges any extra fields into metadata. Returns the
// updated record, or NotFound if the id does not exist.
func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, extra map[string]interface{}) (_ *Message, err error) {
	start := time.Now()
	defer func() { observeQuery("update_message_status", start, err) }()

	now := time.Now().UTC()
	set := []string{"status = $1", "updated_at = $2"}
	args := []interface{}{string(status), now}

	switch status {
	case MessageStatusProcessed:
		set = append(set, fmt.Sprintf("processed_at = $%d", len(args)+1))
		args = append(args, now)
	case MessageStatusDelivered:
		set = append(set, fmt.Sprintf("delivered_at = $%d", len(args)+1))
		args = append(args, now)
	case MessageStatusRead:
		set = append(set, fmt.Sprintf("read_at = $%d", len(args)+1))
		args = append(args, now)
	}

	if len(extra) > 0 {
		raw, merr := json.Marshal(extra)
		if merr != nil {
			return nil, pkgerrors.Wrap(merr, pkgerrors.ErrValidation).WithMessage("failed to encode extra metadata")
		}
		set = append(set, fmt.Sprintf("metadata = metadata || $%d::jsonb", len(args)+1))
		args = append(args, raw)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE messages SET %s WHERE id = $%d RETURNING `+messageColumns,
		strings.Join(set, ", "), len(args))

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message_id", id)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to update message status")
	}
	return msg, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) (err error) {
	start := time.Now()
	defer func() { observeQuery("create_conversation", start, err) }()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if conv.Status == "" {
		conv.Status = ConversationOpen
	}

	query := `
		INSERT INTO conversations (id, organization_id, integration_id, participant_email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID, conv.OrganizationID, conv.IntegrationID,
		nullString(conv.ParticipantEmail), string(conv.Status),
		conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return pkgerrors.ErrDuplicate.WithCause(err).WithDetail("conversation_id", conv.ID)
		}
		return pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to create conversation")
	}
	return nil
}

// GetConversationByID returns (nil, nil) when the conversation does not
// exist: absence is an expected branch during resolution, not an error.
func (s *PostgresStore) GetConversationByID(ctx context.Context, id string) (_ *Conversation, err error) {
	start := time.Now()
	defer func() { observeQuery("get_conversation", start, err) }()

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to get conversation")
	}
	return conv, nil
}

// FindOpenConversations lists a participant's conversations that can
// still absorb messages, most recently active first.
func (s *PostgresStore) FindOpenConversations(ctx context.Context, email, organizationID string) (_ []Conversation, err error) {
	start := time.Now()
	defer func() { observeQuery("find_open_conversations", start, err) }()

	statuses := make([]string, 0, len(OpenConversationStatuses))
	for _, st := range OpenConversationStatuses {
		statuses = append(statuses, string(st))
	}

	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE organization_id = $1 AND participant_email = $2 AND status = ANY($3)
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, organizationID, email, pq.Array(statuses))
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to find open conversations")
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conv, serr := scanConversation(rows)
		if serr != nil {
			return nil, pkgerrors.Wrap(serr, pkgerrors.ErrPersistence).WithMessage("failed to scan conversation")
		}
		conversations = append(conversations, *conv)
	}
	if err = rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to iterate conversations")
	}
	return conversations, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id string, at time.Time) (err error) {
	start := time.Now()
	defer func() { observeQuery("touch_conversation", start, err) }()

	query := `UPDATE conversations SET last_message_at = $1, updated_at = $1 WHERE id = $2`

	if _, err = s.db.ExecContext(ctx, query, at.UTC(), id); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrPersistence).WithMessage("failed to touch conversation")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg                              Message
		externalID                       sql.NullString
		direction, status                string
		contentRaw, senderRaw            []byte
		recipientRaw, attachmentsRaw     []byte
		metadataRaw                      []byte
		processedAt, deliveredAt, readAt sql.NullTime
	)

	if err := row.Scan(
		&msg.ID, &msg.ConversationID, &externalID, &direction, &status,
		&contentRaw, &senderRaw, &recipientRaw, &attachmentsRaw, &metadataRaw,
		&msg.CreatedAt, &msg.UpdatedAt, &processedAt, &deliveredAt, &readAt,
	); err != nil {
		return nil, err
	}

	msg.ExternalID = externalID.String
	msg.Direction = Direction(direction)
	msg.Status = MessageStatus(status)

	if err := json.Unmarshal(contentRaw, &msg.Content); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	if err := json.Unmarshal(senderRaw, &msg.Sender); err != nil {
		return nil, fmt.Errorf("failed to decode sender: %w", err)
	}
	if len(recipientRaw) > 0 {
		var rcpt Recipient
		if err := json.Unmarshal(recipientRaw, &rcpt); err != nil {
			return nil, fmt.Errorf("failed to decode recipient: %w", err)
		}
		msg.Recipient = &rcpt
	}
	if len(attachmentsRaw) > 0 {
		if err := json.Unmarshal(attachmentsRaw, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments: %w", err)
		}
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	if processedAt.Valid {
		t := processedAt.Time
		msg.ProcessedAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}

	return &msg, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv             Conversation
		participantEmail sql.NullString
		status           string
		lastMessageAt    sql.NullTime
	)

	if err := row.Scan(
		&conv.ID, &conv.OrganizationID, &conv.IntegrationID,
		&participantEmail, &status, &conv.CreatedAt, &conv.UpdatedAt, &lastMessageAt,
	); err != nil {
		return nil, err
	}

	conv.ParticipantEmail = participantEmail.String
	conv.Status = ConversationStatus(status)
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		conv.LastMessageAt = &t
	}
	return &conv, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint")
}

func observeQuery(operation string, start time.Time, err error) {
	metrics.ObserveDatabaseQueryDuration(operation, time.Since(start))
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery(operation, status)
}
