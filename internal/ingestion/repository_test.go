package ingestion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "relay/pkg/errors"
)

var messageRowColumns = []string{
	"id", "conversation_id", "external_id", "direction", "status",
	"content", "sender", "recipient", "attachments", "metadata",
	"created_at", "updated_at", "processed_at", "delivered_at", "read_at",
}

var conversationRowColumns = []string{
	"id", "organization_id", "integration_id", "participant_email",
	"status", "created_at", "updated_at", "last_message_at",
}

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func messageRow(t *testing.T, msg *Message) *sqlmock.Rows {
	t.Helper()

	content, err := json.Marshal(msg.Content)
	require.NoError(t, err)
	sender, err := json.Marshal(msg.Sender)
	require.NoError(t, err)

	var recipient []byte
	if msg.Recipient != nil {
		recipient, err = json.Marshal(msg.Recipient)
		require.NoError(t, err)
	}
	attachments, err := json.Marshal(msg.Attachments)
	require.NoError(t, err)
	metadata, err := json.Marshal(msg.Metadata)
	require.NoError(t, err)

	var externalID interface{}
	if msg.ExternalID != "" {
		externalID = msg.ExternalID
	}

	return sqlmock.NewRows(messageRowColumns).AddRow(
		msg.ID, msg.ConversationID, externalID,
		string(msg.Direction), string(msg.Status),
		content, sender, recipient, attachments, metadata,
		msg.CreatedAt, msg.UpdatedAt,
		nullableTime(msg.ProcessedAt), nullableTime(msg.DeliveredAt), nullableTime(msg.ReadAt),
	)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func sampleMessage() *Message {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &Message{
		ID:             "m-1",
		ConversationID: "c-1",
		ExternalID:     "ext-1",
		Direction:      DirectionInbound,
		Content:        Content{Text: "hello", Format: "text"},
		Sender:         Sender{Type: SenderCustomer, Email: "ada@example.com"},
		Attachments:    []StoredAttachment{},
		Metadata:       map[string]interface{}{"channel": "email"},
		Status:         MessageStatusReceived,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateMessageAppliesDefaults(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := &Message{
		ConversationID: "c-1",
		Direction:      DirectionInbound,
		Content:        Content{Text: "hi", Format: "text"},
		Sender:         Sender{Type: SenderCustomer},
	}

	require.NoError(t, store.CreateMessage(context.Background(), msg))

	assert.NotEmpty(t, msg.ID, "id is assigned on insert")
	assert.Equal(t, MessageStatusReceived, msg.Status)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, msg.CreatedAt, msg.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessageUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "messages_conversation_external_idx"})

	msg := sampleMessage()
	err := store.CreateMessage(context.Background(), msg)

	require.Error(t, err)
	assert.True(t, pkgerrors.IsDuplicate(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessageByID(t *testing.T) {
	store, mock := newMockStore(t)
	want := sampleMessage()
	want.Recipient = &Recipient{Email: "agent@example.com"}

	mock.ExpectQuery("SELECT (.+) FROM messages WHERE id =").
		WithArgs("m-1").
		WillReturnRows(messageRow(t, want))

	got, err := store.GetMessageByID(context.Background(), "m-1")

	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.ExternalID, got.ExternalID)
	assert.Equal(t, want.Content, got.Content)
	assert.Equal(t, want.Sender, got.Sender)
	require.NotNil(t, got.Recipient)
	assert.Equal(t, "agent@example.com", got.Recipient.Email)
	assert.Equal(t, want.Metadata, got.Metadata)
	assert.Nil(t, got.ProcessedAt)
}

func TestGetMessageByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM messages WHERE id =").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(messageRowColumns))

	_, err := store.GetMessageByID(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestUpdateMessageStatusTimestampColumns(t *testing.T) {
	tests := []struct {
		status     MessageStatus
		wantColumn string
	}{
		{MessageStatusProcessed, "processed_at"},
		{MessageStatusDelivered, "delivered_at"},
		{MessageStatusRead, "read_at"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			store, mock := newMockStore(t)
			want := sampleMessage()
			want.Status = tt.status

			mock.ExpectQuery("UPDATE messages SET status = (.+)" + tt.wantColumn + " = (.+) RETURNING").
				WillReturnRows(messageRow(t, want))

			got, err := store.UpdateMessageStatus(context.Background(), "m-1", tt.status, nil)

			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateMessageStatusFailedSkipsTimestamps(t *testing.T) {
	store, mock := newMockStore(t)
	want := sampleMessage()
	want.Status = MessageStatusFailed

	mock.ExpectQuery(`UPDATE messages SET status = \$1, updated_at = \$2 WHERE id = \$3 RETURNING`).
		WillReturnRows(messageRow(t, want))

	got, err := store.UpdateMessageStatus(context.Background(), "m-1", MessageStatusFailed, nil)

	require.NoError(t, err)
	assert.Equal(t, MessageStatusFailed, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMessageStatusMergesMetadata(t *testing.T) {
	store, mock := newMockStore(t)
	want := sampleMessage()
	want.Status = MessageStatusProcessed

	mock.ExpectQuery(`UPDATE messages SET (.+)metadata = metadata \|\| (.+)::jsonb WHERE id = (.+) RETURNING`).
		WillReturnRows(messageRow(t, want))

	_, err := store.UpdateMessageStatus(context.Background(), "m-1", MessageStatusProcessed,
		map[string]interface{}{"worker": "w-1"})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMessageStatusNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE messages SET").
		WillReturnRows(sqlmock.NewRows(messageRowColumns))

	_, err := store.UpdateMessageStatus(context.Background(), "missing", MessageStatusProcessed, nil)

	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestCreateConversationAppliesDefaults(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO conversations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	conv := &Conversation{OrganizationID: "org-1", IntegrationID: "int-1"}
	require.NoError(t, store.CreateConversation(context.Background(), conv))

	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, ConversationOpen, conv.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConversationByIDAbsentIsNotAnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM conversations WHERE id =").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(conversationRowColumns))

	conv, err := store.GetConversationByID(context.Background(), "missing")

	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestFindOpenConversations(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(conversationRowColumns).
		AddRow("c-new", "org-1", "int-1", "ada@example.com", "in_progress", now, now, now).
		AddRow("c-old", "org-1", "int-1", "ada@example.com", "open", now.Add(-time.Hour), now.Add(-time.Hour), nil)

	mock.ExpectQuery("SELECT (.+) FROM conversations").
		WithArgs("org-1", "ada@example.com", sqlmock.AnyArg()).
		WillReturnRows(rows)

	conversations, err := store.FindOpenConversations(context.Background(), "ada@example.com", "org-1")

	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "c-new", conversations[0].ID, "ordering is preserved")
	assert.Equal(t, ConversationInProgress, conversations[0].Status)
	require.NotNil(t, conversations[0].LastMessageAt)
	assert.Nil(t, conversations[1].LastMessageAt)
}

func TestTouchConversation(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE conversations SET last_message_at =").
		WithArgs(at, "c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.TouchConversation(context.Background(), "c-1", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolationFallback(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(assert.AnError))
	assert.True(t, isUniqueViolation(errDuplicateKeyText{}))
}

type errDuplicateKeyText struct{}

func (errDuplicateKeyText) Error() string {
	return `pq: duplicate key value violates unique constraint "messages_conversation_external_idx"`
}
