package models

import "encoding/json"

// EventType tags the class of resource carried by an Event
type EventType string

const (
	// EventMessage is a mailbox message fetched with a user's token
	EventMessage EventType = "message"
	// EventUserMessage is a message fetched with the application token
	EventUserMessage EventType = "user_message"
	// EventChatMessage is a decrypted chat message from a rich notification
	EventChatMessage EventType = "chatMessage"
	// EventLifecycle reports a subscription lifecycle change
	EventLifecycle EventType = "lifecycle"
)

// Event is the normalized message broadcast to live connections.
// It is not retained after broadcast.
type Event struct {
	Type           EventType       `json:"type"`
	Resource       json.RawMessage `json:"resource"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
}
