// Package chat decodes quote chat events into typed messages and
// negotiation sub-events. The same logical message arrives in two wire
// schemas (REST-originated vs socket-originated); decoding normalizes both
// into one canonical model at this boundary.
package chat

import (
	"encoding/json"
	"time"
)

// MessageIDUnset marks a message that has not been persisted yet. Socket
// deliveries of just-sent messages carry no messageId.
const MessageIDUnset int64 = -1

// Message type codes.
const (
	TypeSystem = "system"
	TypeUser   = "user"
)

// Message content codes.
const (
	ContentText   = "text"
	ContentImage  = "image"
	ContentChange = "change"
)

// SystemSubtype identifies which negotiation transition a system message
// describes.
type SystemSubtype string

const (
	SubtypeChangeProposed    SystemSubtype = "CHANGE_PROPOSED"
	SubtypeChangeApplied     SystemSubtype = "CHANGE_APPLIED"
	SubtypeChangeAccepted    SystemSubtype = "CHANGE_ACCEPTED"
	SubtypeChangeRejected    SystemSubtype = "CHANGE_REJECTED"
	SubtypeAcceptanceRequest SystemSubtype = "ACCEPTANCE_REQUEST"
)

// IsChange reports whether the subtype carries a Change payload in info.
func (s SystemSubtype) IsChange() bool {
	switch s {
	case SubtypeChangeProposed, SubtypeChangeApplied, SubtypeChangeAccepted, SubtypeChangeRejected:
		return true
	default:
		return false
	}
}

// Message is one decoded chat-channel event. Immutable value; the transport
// appends it to the caller-visible history.
type Message struct {
	MessageID      int64           `json:"messageId"`
	QuoteID        int64           `json:"quoteId"`
	TypeCode       string          `json:"typeCode"`
	ContentCode    string          `json:"contentCode"`
	Body           string          `json:"body,omitempty"`
	MediaURL       string          `json:"mediaUrl,omitempty"`
	ClientDedupKey string          `json:"clientDedupKey,omitempty"`
	CreatedBy      int64           `json:"createdBy"`
	CreatedAt      time.Time       `json:"createdAt"`
	SystemSubtype  SystemSubtype   `json:"systemSubtypeCode,omitempty"`
	Info           json.RawMessage `json:"info,omitempty"`

	// Change is decoded from Info when SystemSubtype is one of the change
	// subtypes. Nil when Info was missing or malformed; such a message is
	// still produced and the anomaly is observable via HasChangeAnomaly.
	Change *Change `json:"change,omitempty"`

	// AcceptanceID is decoded from Info on ACCEPTANCE_REQUEST messages.
	AcceptanceID *int64 `json:"acceptanceId,omitempty"`
}

// Persisted reports whether the message carries a server-assigned id.
func (m Message) Persisted() bool {
	return m.MessageID != MessageIDUnset
}

// HasChangeAnomaly reports whether the message announced a change subtype
// but its info payload did not yield a decodable Change.
func (m Message) HasChangeAnomaly() bool {
	return m.SystemSubtype.IsChange() && m.Change == nil
}

// HasAcceptanceAnomaly reports whether the message announced an acceptance
// request but carried no decodable acceptance id.
func (m Message) HasAcceptanceAnomaly() bool {
	return m.SystemSubtype == SubtypeAcceptanceRequest && m.AcceptanceID == nil
}

// Change is a negotiated modification to quote fields, tracked with a
// status and an ordered list of field deltas.
type Change struct {
	ChangeID   int64        `json:"changeId"`
	QuoteID    int64        `json:"quoteId,omitempty"`
	KindCode   string       `json:"kindCode"`
	StatusCode string       `json:"statusCode"`
	CreatedBy  int64        `json:"createdBy"`
	CreatedAt  time.Time    `json:"createdAt,omitempty"`
	Items      []ChangeItem `json:"items"`
}

// ChangeItem is one field-level delta within a Change. Owned by exactly one
// Change, never shared.
type ChangeItem struct {
	ChangeItemID        int64  `json:"changeItemId,omitempty"`
	FieldCode           string `json:"fieldCode"`
	TargetQuoteItemID   int64  `json:"targetQuoteItemId,omitempty"`
	TargetRequestItemID int64  `json:"targetRequestItemId,omitempty"`
	OldValue            string `json:"oldValue"`
	NewValue            string `json:"newValue"`
}
