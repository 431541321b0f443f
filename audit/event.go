package audit

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionLogout = "logout"
)

// Event records one access to regulated data. Create it with NewEvent and treat it
// as immutable; the checksum covers every other wire field.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorID      string         `json:"actorId"`
	SessionID    string         `json:"sessionId"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Outcome      Outcome        `json:"outcome"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Checksum     string         `json:"checksum"`

	// Critical events skip batching and are submitted on their own.
	Critical bool `json:"-"`
}

// NewEvent stamps e with a fresh id and timestamp and seals it with a keyed
// BLAKE2b-256 checksum. key may be empty, up to 64 bytes are used.
func NewEvent(key []byte, at time.Time, e Event) Event {
	e.ID = uuid.New().String()
	e.Timestamp = at.UTC()
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	e.Checksum = checksum(key, e)
	return e
}

// Verify reports whether the checksum still matches the event fields.
func (e Event) Verify(key []byte) bool {
	return e.Checksum != "" && e.Checksum == checksum(key, e)
}

func checksum(key []byte, e Event) string {
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Only reachable with an oversized key, trimmed above.
		panic(err)
	}

	e.Checksum = ""
	e.Critical = false
	// encoding/json writes struct fields in declaration order and map keys sorted,
	// which keeps the encoding canonical.
	payload, err := json.Marshal(e)
	if err != nil {
		payload = []byte(e.ID)
	}
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
