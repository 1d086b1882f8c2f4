package documents

import "time"

// Event types published while a document moves through signing.
const (
	EventSignerCompleted   = "signer_completed"
	EventDocumentCompleted = "document_completed"
	EventRenderCompleted   = "render_completed"
	EventRenderFailed      = "render_failed"
)

// Event is a status change of one document.
type Event struct {
	DocumentID string    `json:"documentId"`
	Type       string    `json:"type"`
	Status     Status    `json:"status"`
	SignerID   string    `json:"signerId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventPublisher fans events out to subscribers. Publish must not block.
type EventPublisher interface {
	Publish(event Event)
}

type discardEvents struct{}

func (discardEvents) Publish(Event) {}
