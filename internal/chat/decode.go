package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// wireMessage is the loose union of both chat wire schemas. The system
// subtype arrives under either a snake_case or camelCase header depending
// on whether the message came through REST or the socket.
type wireMessage struct {
	MessageID      *int64          `json:"messageId"`
	QuoteID        int64           `json:"quoteId"`
	TypeCode       string          `json:"typeCode"`
	ContentCode    string          `json:"contentCode"`
	Body           string          `json:"body"`
	MediaURL       string          `json:"mediaUrl"`
	ClientDedupKey string          `json:"clientDedupKey"`
	CreatedBy      int64           `json:"createdBy"`
	CreatedAt      flexTime        `json:"createdAt"`
	SubtypeSnake   string          `json:"system_subtype_code"`
	SubtypeCamel   string          `json:"systemSubtypeCode"`
	Info           json.RawMessage `json:"info"`
}

// DecodeMessage decodes one chat frame body into a Message. Required fields
// are quoteId, typeCode, contentCode, createdBy and createdAt; missing any
// fails the decode. messageId is optional and defaults to MessageIDUnset.
//
// A change or acceptance info payload that fails to decode does not fail
// the message: the corresponding field stays nil and the anomaly is
// observable via HasChangeAnomaly/HasAcceptanceAnomaly for the caller to
// log.
func DecodeMessage(body string) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrEmptyBody, err)
	}

	switch {
	case w.QuoteID <= 0:
		return Message{}, fmt.Errorf("%w: quoteId", ErrMissingField)
	case w.TypeCode == "":
		return Message{}, fmt.Errorf("%w: typeCode", ErrMissingField)
	case w.ContentCode == "":
		return Message{}, fmt.Errorf("%w: contentCode", ErrMissingField)
	case w.CreatedBy <= 0:
		return Message{}, fmt.Errorf("%w: createdBy", ErrMissingField)
	case time.Time(w.CreatedAt).IsZero():
		return Message{}, fmt.Errorf("%w: createdAt", ErrMissingField)
	}

	m := Message{
		MessageID:      MessageIDUnset,
		QuoteID:        w.QuoteID,
		TypeCode:       w.TypeCode,
		ContentCode:    w.ContentCode,
		Body:           w.Body,
		MediaURL:       w.MediaURL,
		ClientDedupKey: w.ClientDedupKey,
		CreatedBy:      w.CreatedBy,
		CreatedAt:      time.Time(w.CreatedAt),
	}
	if w.MessageID != nil {
		m.MessageID = *w.MessageID
	}

	// First match wins between the two subtype header spellings.
	if w.SubtypeSnake != "" {
		m.SystemSubtype = SystemSubtype(w.SubtypeSnake)
	} else if w.SubtypeCamel != "" {
		m.SystemSubtype = SystemSubtype(w.SubtypeCamel)
	}

	m.Info = NormalizeInfo(w.Info)

	switch {
	case m.SystemSubtype.IsChange():
		m.Change = DecodeChange(m.Info)
	case m.SystemSubtype == SubtypeAcceptanceRequest:
		m.AcceptanceID = DecodeAcceptanceID(m.Info)
	}

	return m, nil
}

// NormalizeInfo collapses the two info deliveries into one structured form:
// socket messages carry a pre-parsed JSON object, REST messages a JSON
// string holding serialized JSON. Returns nil for absent or null info.
func NormalizeInfo(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return nil
		}
		return json.RawMessage(inner)
	}
	return json.RawMessage(trimmed)
}

// wireChange accepts both the wrapped REST shape and the flat socket shape,
// and both field spellings for kind and status.
type wireChange struct {
	ChangeID   int64            `json:"changeId"`
	QuoteID    int64            `json:"quoteId"`
	Kind       string           `json:"kind"`
	KindCode   string           `json:"kindCode"`
	Status     string           `json:"status"`
	StatusCode string           `json:"statusCode"`
	CreatedBy  int64            `json:"createdBy"`
	CreatedAt  flexTime         `json:"createdAt"`
	Items      []wireChangeItem `json:"items"`
}

type wireChangeItem struct {
	ChangeItemID        int64      `json:"changeItemId"`
	FieldCode           string     `json:"fieldCode"`
	TargetQuoteItemID   int64      `json:"targetQuoteItemId"`
	TargetRequestItemID int64      `json:"targetRequestItemId"`
	OldValue            flexString `json:"oldValue"`
	NewValue            flexString `json:"newValue"`
}

// DecodeChange decodes a normalized info payload into a Change. Accepts
// either {"change": {...}} or the flat shape. Returns nil on missing or
// malformed data; the caller keeps the message and may surface the anomaly.
func DecodeChange(info json.RawMessage) *Change {
	if len(info) == 0 {
		return nil
	}

	var wrapped struct {
		Change *wireChange `json:"change"`
	}
	var w *wireChange
	if err := json.Unmarshal(info, &wrapped); err == nil && wrapped.Change != nil {
		w = wrapped.Change
	} else {
		var flat wireChange
		if err := json.Unmarshal(info, &flat); err != nil {
			return nil
		}
		w = &flat
	}

	if w.ChangeID <= 0 {
		return nil
	}

	c := &Change{
		ChangeID:   w.ChangeID,
		QuoteID:    w.QuoteID,
		KindCode:   firstNonEmpty(w.KindCode, w.Kind),
		StatusCode: firstNonEmpty(w.StatusCode, w.Status),
		CreatedBy:  w.CreatedBy,
		CreatedAt:  time.Time(w.CreatedAt),
		Items:      make([]ChangeItem, 0, len(w.Items)),
	}
	for _, item := range w.Items {
		c.Items = append(c.Items, ChangeItem{
			ChangeItemID:        item.ChangeItemID,
			FieldCode:           item.FieldCode,
			TargetQuoteItemID:   item.TargetQuoteItemID,
			TargetRequestItemID: item.TargetRequestItemID,
			OldValue:            string(item.OldValue),
			NewValue:            string(item.NewValue),
		})
	}
	return c
}

// DecodeAcceptanceID extracts the acceptance id from a normalized info
// payload, from either {"acceptanceId": n} or {"acceptance":
// {"acceptanceId": n}}. Returns nil when absent or malformed.
func DecodeAcceptanceID(info json.RawMessage) *int64 {
	if len(info) == 0 {
		return nil
	}

	var w struct {
		AcceptanceID int64 `json:"acceptanceId"`
		Acceptance   *struct {
			AcceptanceID int64 `json:"acceptanceId"`
		} `json:"acceptance"`
	}
	if err := json.Unmarshal(info, &w); err != nil {
		return nil
	}

	id := w.AcceptanceID
	if id <= 0 && w.Acceptance != nil {
		id = w.Acceptance.AcceptanceID
	}
	if id <= 0 {
		return nil
	}
	return &id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// flexTime unmarshals a timestamp delivered either as an RFC3339 string or
// as epoch milliseconds.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		*t = flexTime(parsed)
		return nil
	}
	millis, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return err
	}
	*t = flexTime(time.UnixMilli(millis).UTC())
	return nil
}

func (t flexTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t))
}

// flexString unmarshals a scalar delivered as a string, number or bool into
// its string form. Change item values arrive untyped on the wire.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	*s = flexString(trimmed)
	return nil
}
