package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/ingestion"
)

// serviceURL returns the base URL of a deployed ingest service, or
// skips the test when none is configured. These are deployment smoke
// tests; the in-process paths are covered under tests/integration.
func serviceURL(t *testing.T) string {
	t.Helper()

	url := os.Getenv("INGEST_SERVICE_URL")
	if url == "" {
		t.Skip("INGEST_SERVICE_URL not set, skipping e2e test")
	}
	return url
}

func TestIngestServiceHealth(t *testing.T) {
	url := fmt.Sprintf("%s/health", serviceURL(t))
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&health)
	require.NoError(t, err)
	assert.NotNil(t, health["status"])
}

func TestIngestMessageLifecycle(t *testing.T) {
	base := serviceURL(t)

	msg := ingestion.IncomingMessage{
		ExternalID: uuid.New().String(),
		Direction:  ingestion.DirectionInbound,
		Content:    ingestion.Content{Text: "e2e smoke message"},
		Sender: ingestion.Sender{
			Type:  ingestion.SenderCustomer,
			Email: "smoke@example.com",
		},
		OrganizationID: "org-e2e",
		IntegrationID:  "int-e2e",
	}

	result := ingestMessage(t, base, msg, http.StatusAccepted)
	require.NotEmpty(t, result.MessageID)
	require.Equal(t, ingestion.ProcessingQueued, result.Status)

	// Redelivery of the same message is absorbed, not re-queued.
	dup := ingestMessage(t, base, msg, http.StatusOK)
	assert.Equal(t, ingestion.ProcessingCompleted, dup.Status)

	stored := getMessage(t, base, result.MessageID)
	assert.Equal(t, result.MessageID, stored.ID)
	assert.Equal(t, result.ConversationID, stored.ConversationID)

	updated := updateStatus(t, base, result.MessageID, ingestion.MessageStatusDelivered)
	assert.Equal(t, ingestion.MessageStatusDelivered, updated.Status)
}

func TestIngestRejectsInvalidMessage(t *testing.T) {
	base := serviceURL(t)

	msg := ingestion.IncomingMessage{
		Direction: ingestion.DirectionInbound,
		Sender:    ingestion.Sender{Type: ingestion.SenderCustomer},
	}

	result := ingestMessage(t, base, msg, http.StatusBadRequest)
	assert.Equal(t, ingestion.ProcessingFailed, result.Status)
	assert.NotEmpty(t, result.Errors)
}

func ingestMessage(t *testing.T, base string, msg ingestion.IncomingMessage, wantStatus int) ingestion.ProcessingResult {
	t.Helper()

	body, err := json.Marshal(msg)
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("%s/api/v1/messages", base), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, wantStatus, resp.StatusCode)

	var result ingestion.ProcessingResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func getMessage(t *testing.T, base, id string) ingestion.Message {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/messages/%s", base, id))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg ingestion.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	return msg
}

func updateStatus(t *testing.T, base, id string, status ingestion.MessageStatus) ingestion.Message {
	t.Helper()

	body, err := json.Marshal(ingestion.UpdateStatusRequest{Status: status})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPatch, fmt.Sprintf("%s/api/v1/messages/%s/status", base, id), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg ingestion.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	return msg
}
