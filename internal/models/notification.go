package models

import (
	"encoding/json"
)

// Envelope is the body the publisher POSTs to the notification endpoint
type Envelope struct {
	Value            []Notification `json:"value"`
	ValidationTokens []string       `json:"validationTokens,omitempty"`
}

// Notification is a single change notification item.
//
// Payload is resolved once at decode time: *EncryptedContent when the item carries
// resource data, *ResourceRef for lightweight notifications and NoPayload otherwise.
type Notification struct {
	SubscriptionID string  `json:"subscriptionId"`
	ClientState    string  `json:"clientState"`
	ChangeType     string  `json:"changeType,omitempty"`
	Resource       string  `json:"resource,omitempty"`
	TenantID       string  `json:"tenantId,omitempty"`
	Payload        Payload `json:"-"`
}

// Payload is the tagged variant carried by a Notification
type Payload interface {
	payload()
}

// ResourceRef references the changed resource by id
type ResourceRef struct {
	ID        string `json:"id"`
	ODataType string `json:"@odata.type,omitempty"`
	ODataID   string `json:"@odata.id,omitempty"`
}

// EncryptedContent is the encrypted resource bundle of a rich notification
type EncryptedContent struct {
	DataKey                         string `json:"dataKey"`
	DataSignature                   string `json:"dataSignature"`
	Data                            string `json:"data"`
	EncryptionCertificateID         string `json:"encryptionCertificateId,omitempty"`
	EncryptionCertificateThumbprint string `json:"encryptionCertificateThumbprint,omitempty"`
}

// NoPayload marks an item that carries neither resource data nor encrypted content
type NoPayload struct{}

func (*ResourceRef) payload()      {}
func (*EncryptedContent) payload() {}
func (NoPayload) payload()         {}

type notificationWire struct {
	SubscriptionID   string            `json:"subscriptionId"`
	ClientState      string            `json:"clientState"`
	ChangeType       string            `json:"changeType,omitempty"`
	Resource         string            `json:"resource,omitempty"`
	TenantID         string            `json:"tenantId,omitempty"`
	ResourceData     *ResourceRef      `json:"resourceData,omitempty"`
	EncryptedContent *EncryptedContent `json:"encryptedContent,omitempty"`
}

// UnmarshalJSON decodes the item and resolves its payload variant.
// Encrypted content wins when both fields are present.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var w notificationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	n.SubscriptionID = w.SubscriptionID
	n.ClientState = w.ClientState
	n.ChangeType = w.ChangeType
	n.Resource = w.Resource
	n.TenantID = w.TenantID

	switch {
	case w.EncryptedContent != nil:
		n.Payload = w.EncryptedContent
	case w.ResourceData != nil:
		n.Payload = w.ResourceData
	default:
		n.Payload = NoPayload{}
	}
	return nil
}

// MarshalJSON writes the item back in wire form
func (n Notification) MarshalJSON() ([]byte, error) {
	w := notificationWire{
		SubscriptionID: n.SubscriptionID,
		ClientState:    n.ClientState,
		ChangeType:     n.ChangeType,
		Resource:       n.Resource,
		TenantID:       n.TenantID,
	}
	switch p := n.Payload.(type) {
	case *EncryptedContent:
		w.EncryptedContent = p
	case *ResourceRef:
		w.ResourceData = p
	}
	return json.Marshal(w)
}

// Lifecycle event names sent to the lifecycle endpoint
const (
	LifecycleReauthorizationRequired = "reauthorizationRequired"
	LifecycleSubscriptionRemoved     = "subscriptionRemoved"
	LifecycleMissed                  = "missed"
)

// LifecycleEnvelope is the body POSTed to the lifecycle endpoint
type LifecycleEnvelope struct {
	Value []LifecycleNotification `json:"value"`
}

// LifecycleNotification signals a change in a subscription's own state
type LifecycleNotification struct {
	SubscriptionID                 string `json:"subscriptionId"`
	ClientState                    string `json:"clientState"`
	LifecycleEvent                 string `json:"lifecycleEvent"`
	SubscriptionExpirationDateTime string `json:"subscriptionExpirationDateTime,omitempty"`
	TenantID                       string `json:"tenantId,omitempty"`
}
