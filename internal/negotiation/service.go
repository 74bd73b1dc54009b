package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"quotewire/internal/chat"
	"quotewire/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// Headers carrying optimistic concurrency and retry deduplication.
const (
	headerIfMatch        = "If-Match"
	headerIdempotencyKey = "Idempotency-Key"
)

// Service executes negotiation operations against the deals API. All
// operations require the caller to be a participant of the quote's chat;
// the server enforces this and the client surfaces it as NOT_PARTICIPANT.
type Service struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option is a functional option for Service.
type Option func(*Service)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.client = c
	}
}

// NewService creates a negotiation service for the deals API at baseURL,
// authenticating every call with the bearer token.
func NewService(baseURL, token string, opts ...Option) *Service {
	s := &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChangeItemInput is one field-level delta in an apply-change request.
type ChangeItemInput struct {
	FieldCode           string `json:"fieldCode"`
	TargetQuoteItemID   int64  `json:"targetQuoteItemId,omitempty"`
	TargetRequestItemID int64  `json:"targetRequestItemId,omitempty"`
	OldValue            string `json:"oldValue"`
	NewValue            string `json:"newValue"`
}

// ApplyChangeRequest carries the inputs for ApplyChange. IfMatchVersion and
// IdempotencyKey are optional; an empty idempotency key is replaced with a
// generated one so a timed-out call can be retried safely.
type ApplyChangeRequest struct {
	QuoteID        int64
	Items          []ChangeItemInput
	IfMatchVersion string
	IdempotencyKey string
}

// ApplyChange submits a set of field deltas for a quote. Whether the server
// applies them immediately (quote still in deal) or records a pending
// proposal (quote already accepted) is the server's decision; the client
// only observes the resulting chat message's system subtype.
func (s *Service) ApplyChange(ctx context.Context, req ApplyChangeRequest) (changeID int64, err error) {
	if req.QuoteID <= 0 {
		return 0, invalid("quoteId must be positive")
	}
	if len(req.Items) == 0 {
		return 0, invalid("change requires at least one item")
	}
	for _, item := range req.Items {
		if item.FieldCode == "" {
			return 0, invalid("change item requires fieldCode")
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}

	body := map[string]any{"items": req.Items}
	var out struct {
		ChangeID int64 `json:"changeId"`
	}
	err = s.do(ctx, http.MethodPost, fmt.Sprintf("/deals/quotes/%d/changes", req.QuoteID), body, &out, map[string]string{
		headerIfMatch:        req.IfMatchVersion,
		headerIdempotencyKey: key,
	})
	if err != nil {
		return 0, err
	}
	return out.ChangeID, nil
}

// ProposeAcceptance asks the counterparty to finalize the quote's current
// terms. The idempotency key is required so a retried proposal does not
// create a duplicate.
func (s *Service) ProposeAcceptance(ctx context.Context, quoteID int64, idempotencyKey, note string) (acceptanceID int64, err error) {
	if quoteID <= 0 {
		return 0, invalid("quoteId must be positive")
	}
	if idempotencyKey == "" {
		return 0, invalid("acceptance proposal requires an idempotency key")
	}

	body := map[string]any{}
	if note != "" {
		body["note"] = note
	}
	var out struct {
		AcceptanceID int64 `json:"acceptanceId"`
	}
	err = s.do(ctx, http.MethodPost, fmt.Sprintf("/deals/quotes/%d/acceptances", quoteID), body, &out, map[string]string{
		headerIdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return 0, err
	}
	return out.AcceptanceID, nil
}

// ConfirmAcceptance confirms a pending acceptance proposal.
func (s *Service) ConfirmAcceptance(ctx context.Context, acceptanceID int64) error {
	if acceptanceID <= 0 {
		return invalid("acceptanceId must be positive")
	}
	return s.do(ctx, http.MethodPost, fmt.Sprintf("/deals/acceptances/%d/confirm", acceptanceID), nil, nil, nil)
}

// RejectAcceptance rejects a pending acceptance proposal.
func (s *Service) RejectAcceptance(ctx context.Context, acceptanceID int64) error {
	if acceptanceID <= 0 {
		return invalid("acceptanceId must be positive")
	}
	return s.do(ctx, http.MethodPost, fmt.Sprintf("/deals/acceptances/%d/reject", acceptanceID), nil, nil, nil)
}

// DecideChange accepts or rejects a pending change proposal.
func (s *Service) DecideChange(ctx context.Context, changeID int64, accept bool, ifMatchVersion string) error {
	if changeID <= 0 {
		return invalid("changeId must be positive")
	}
	body := map[string]any{"accept": accept}
	return s.do(ctx, http.MethodPost, fmt.Sprintf("/deals/changes/%d/decision", changeID), body, nil, map[string]string{
		headerIfMatch: ifMatchVersion,
	})
}

// GetChangeDetail fetches the full Change for a change id.
func (s *Service) GetChangeDetail(ctx context.Context, changeID int64) (*chat.Change, error) {
	if changeID <= 0 {
		return nil, invalid("changeId must be positive")
	}

	var raw json.RawMessage
	if err := s.do(ctx, http.MethodGet, fmt.Sprintf("/deals/changes/%d", changeID), nil, &raw, nil); err != nil {
		return nil, err
	}

	change := chat.DecodeChange(raw)
	if change == nil {
		return nil, &Error{Code: ErrCodeServerError, Message: "change detail response not decodable"}
	}
	return change, nil
}

// do executes one request and maps any failure into the error taxonomy.
// Raw transport errors never leak to callers.
func (s *Service) do(ctx context.Context, method, path string, body any, out any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return invalid("encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return network("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		if value != "" {
			req.Header.Set(key, value)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return network(method+" "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return network("read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn().
			Int("status", resp.StatusCode).
			Str("path", path).
			Msg("deals API error response")
		return fromStatus(resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &Error{Code: ErrCodeServerError, Status: resp.StatusCode, Message: "undecodable response body", Cause: err}
		}
	}
	return nil
}
