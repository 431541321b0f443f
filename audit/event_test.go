package audit_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jrsteele09/go-secure-gateway/audit"
	"github.com/stretchr/testify/require"
)

var checksumKey = []byte("audit-test-key")

func TestNewEvent_ChecksumSealsFields(t *testing.T) {
	at := time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC)
	e := audit.NewEvent(checksumKey, at, audit.Event{
		ActorID:      "user-1",
		SessionID:    "session-1",
		Action:       audit.ActionRead,
		ResourceType: "patient",
		ResourceID:   "42",
		Outcome:      audit.OutcomeSuccess,
		Metadata:     map[string]any{"path": "/api/patients/42", "status": 200},
		Critical:     true,
	})

	require.NotEmpty(t, e.ID)
	require.Equal(t, at, e.Timestamp)
	require.Len(t, e.Checksum, 64)
	require.True(t, e.Verify(checksumKey))
	require.False(t, e.Verify([]byte("other-key")))

	tampered := e
	tampered.ResourceID = "43"
	require.False(t, tampered.Verify(checksumKey))

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	for _, field := range []string{"id", "timestamp", "actorId", "sessionId", "action", "resourceType", "resourceId", "outcome", "metadata", "checksum"} {
		require.Contains(t, wire, field)
	}
	require.NotContains(t, wire, "critical")

	var decoded audit.Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.True(t, decoded.Verify(checksumKey))
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	at := time.Now()
	a := audit.NewEvent(nil, at, audit.Event{Action: audit.ActionRead})
	b := audit.NewEvent(nil, at, audit.Event{Action: audit.ActionRead})
	require.NotEqual(t, a.ID, b.ID)
	require.NotEqual(t, a.Checksum, b.Checksum)
}
