// Package classify assigns incoming broker frames to a closed set of
// message kinds. The same logical event can arrive with or without an
// explicit type discriminator depending on which backend subsystem produced
// it, so classification layers destination matching, the explicit type
// field, structural inference and finally a raw-text fallback.
package classify

import (
	"encoding/json"
	"strings"

	"quotewire/internal/stomp"
)

// Kind is the classification of one incoming frame.
type Kind int

const (
	// KindUnknown is any frame no rule matched. Ignorable, never fatal.
	KindUnknown Kind = iota
	// KindChatMessage is an event on a per-quote chat topic.
	KindChatMessage
	// KindSystemError is a message on the per-connection error queue.
	KindSystemError
	// KindNewRequest is a new-request notification for a provider company.
	KindNewRequest
	// KindQuoteCreated signals a quote was created for a client account.
	KindQuoteCreated
	// KindQuoteAccepted signals a quote was accepted.
	KindQuoteAccepted
	// KindQuoteRejected signals a quote was rejected.
	KindQuoteRejected
	// KindConnected is the broker's CONNECTED control frame.
	KindConnected
	// KindError is the broker's ERROR control frame.
	KindError
	// KindReceipt is the broker's RECEIPT control frame.
	KindReceipt
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindChatMessage:
		return "chat_message"
	case KindSystemError:
		return "system_error"
	case KindNewRequest:
		return "new_request"
	case KindQuoteCreated:
		return "quote_created"
	case KindQuoteAccepted:
		return "quote_accepted"
	case KindQuoteRejected:
		return "quote_rejected"
	case KindConnected:
		return "connected"
	case KindError:
		return "error"
	case KindReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// Explicit type discriminator values carried by notification payloads.
const (
	typeNewRequest    = "NEW_REQUEST"
	typeQuoteCreated  = "QUOTE_CREATED"
	typeQuoteAccepted = "QUOTE_ACCEPTED"
	typeQuoteRejected = "QUOTE_REJECTED"
)

var explicitTypes = map[string]Kind{
	typeNewRequest:    KindNewRequest,
	typeQuoteCreated:  KindQuoteCreated,
	typeQuoteAccepted: KindQuoteAccepted,
	typeQuoteRejected: KindQuoteRejected,
}

// notificationBody is the loose shape shared by notification payloads.
// REST-originated events carry Type; socket-originated ones often only
// carry the ids.
type notificationBody struct {
	Type      string `json:"type"`
	QuoteID   int64  `json:"quoteId"`
	RequestID int64  `json:"requestId"`
}

// Frame classifies a decoded STOMP frame. Control frames are classified by
// command; MESSAGE frames fall through to destination/body classification.
func Frame(f stomp.Frame) Kind {
	switch f.Command {
	case stomp.CmdConnected:
		return KindConnected
	case stomp.CmdError:
		return KindError
	case stomp.CmdReceipt:
		return KindReceipt
	case stomp.CmdMessage:
		return Message(f.Header(stomp.HdrDestination), f.Body)
	default:
		return KindUnknown
	}
}

// Message classifies a MESSAGE frame by destination and body. The first
// matching rule wins.
func Message(destination, body string) Kind {
	// Chat topics are chat messages regardless of body shape.
	if stomp.IsQuoteChatDest(destination) {
		return KindChatMessage
	}
	if destination == stomp.DestSystemErrors {
		return KindSystemError
	}

	var n notificationBody
	parsed := json.Unmarshal([]byte(body), &n) == nil

	if parsed && n.Type != "" {
		if kind, ok := explicitTypes[n.Type]; ok {
			return kind
		}
	}

	// Structural inference for payloads without an explicit type field.
	if parsed {
		if stomp.IsAccountQuotesDest(destination) && n.QuoteID > 0 && n.RequestID > 0 {
			return KindQuoteCreated
		}
		if stomp.IsCompanyRequestsDest(destination) && n.RequestID > 0 {
			return KindNewRequest
		}
		if n.QuoteID > 0 && n.RequestID > 0 {
			return KindQuoteCreated
		}
	}

	return textFallback(body)
}

// textFallback scans the raw body for literal type names. Handles malformed
// or partial JSON that still names its event.
func textFallback(body string) Kind {
	switch {
	case strings.Contains(body, typeNewRequest):
		return KindNewRequest
	case strings.Contains(body, typeQuoteAccepted):
		return KindQuoteAccepted
	case strings.Contains(body, typeQuoteRejected):
		return KindQuoteRejected
	case strings.Contains(body, typeQuoteCreated):
		return KindQuoteCreated
	default:
		return KindUnknown
	}
}
