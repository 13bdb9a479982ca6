package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of a cash-in payment session.
type Status string

const (
	StatusInit           Status = "INIT"
	StatusPending        Status = "PENDING"
	StatusWaitingConfirm Status = "WAITING_CONFIRM"
	StatusSuccess        Status = "SUCCESS"
	StatusFailed         Status = "FAILED"
	StatusExpired        Status = "EXPIRED"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusExpired
}

// ParseStatus maps a bare status token (as delivered over the status
// channel or returned by the gateway detail endpoint) to a Status.
func ParseStatus(token string) (Status, bool) {
	switch Status(token) {
	case StatusInit, StatusPending, StatusWaitingConfirm, StatusSuccess, StatusFailed, StatusExpired:
		return Status(token), true
	}
	return "", false
}

// Session is the authoritative in-memory representation of one cash-in
// payment. Monetary breakdown fields (Fee, Discount, Commission,
// TotalAmount) are sourced from the gateway response only and are
// meaningful once the session reached WAITING_CONFIRM.
type Session struct {
	// PaymentID is the canonical session identifier. The gateway calls
	// it orderId in some responses; both map here.
	PaymentID string `json:"payment_id"`

	// RequestID is generated once per request-cashin call and reused
	// for the paired confirm-cashin signature.
	RequestID string `json:"request_id"`

	// TxID is assigned by the gateway once request-cashin succeeds.
	TxID string `json:"tx_id,omitempty"`

	FromAccountNumber string `json:"from_account_number"`
	ToAccountNumber   string `json:"to_account_number"`

	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Discount    decimal.Decimal `json:"discount"`
	Commission  decimal.Decimal `json:"commission"`
	TotalAmount decimal.Decimal `json:"total_amount"`

	Content string `json:"content,omitempty"`

	// QRCode is the opaque JSON-encoded QR payload for the QR variant.
	QRCode string `json:"qr_code,omitempty"`

	CreatedAt time.Time     `json:"created_at"`
	ExpiresIn time.Duration `json:"expires_in"`

	Status Status `json:"status"`
}

// ExpiresAt is the absolute expiry instant of the validity window.
func (s *Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.ExpiresIn)
}

// Remaining derives the remaining validity from absolute timestamps.
// It must never be cached or decremented: a reloaded consumer calls
// this again with a fresh clock and gets wall-clock truth.
func (s *Session) Remaining(now time.Time) time.Duration {
	d := s.ExpiresAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
