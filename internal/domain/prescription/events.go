package prescription

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of notification event
type EventType string

const (
	EventPrescription          EventType = "prescription"
	EventVerificationRequested EventType = "verification-requested"
	EventVerificationResult    EventType = "verification-result"
)

// EventMetadata identifies what an event is about
type EventMetadata struct {
	PrescriptionID string `json:"prescriptionId"`
	ShortID        string `json:"shortId,omitempty"`
	Status         Status `json:"status,omitempty"`
}

// Event is an addressed notification produced by a state change
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Recipient ActorRef      `json:"recipient"`
	Message   string        `json:"message"`
	Metadata  EventMetadata `json:"metadata"`
	CreatedAt time.Time     `json:"createdAt"`
}

// NewEvent creates an unaddressed event for p
func NewEvent(eventType EventType, p *Prescription, message string) Event {
	return Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Message: message,
		Metadata: EventMetadata{
			PrescriptionID: p.ID,
			ShortID:        p.ShortID,
			Status:         p.Status(),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// To returns a copy of the event addressed to recipient. Each copy gets its
// own id so consumers can deduplicate per delivery.
func (e Event) To(recipient ActorRef) Event {
	e.Recipient = recipient
	e.ID = uuid.New().String()
	return e
}
