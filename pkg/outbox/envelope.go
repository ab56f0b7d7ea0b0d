package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is stamped on events that do not ask for another version.
const CurrentVersion = 1

// ActorRef is the user whose request produced the event.
type ActorRef struct {
	UserID uuid.UUID `json:"userId"`
	Role   string    `json:"role,omitempty"`
}

// PayloadEnvelope is the JSON stored in outbox_events.payload_json and
// published verbatim. EventID equals the outbox row id.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// ParseEnvelope decodes a stored or published body and checks the fields
// every consumer relies on.
func ParseEnvelope(body []byte) (*PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch {
	case env.Version <= 0:
		return nil, fmt.Errorf("envelope version %d is invalid", env.Version)
	case env.EventID == "":
		return nil, errors.New("envelope has no event id")
	case len(env.Data) == 0:
		return nil, errors.New("envelope has no data")
	}
	return &env, nil
}
