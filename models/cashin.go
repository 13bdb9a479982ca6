package models

import (
	"time"

	"github.com/shopspring/decimal"

	"cashin-system/internal/session"
)

// CashinRequest is the body of POST /api/v1/cashin/request.
type CashinRequest struct {
	FromAccountNumber string          `json:"from_account_number"`
	ToAccountNumber   string          `json:"to_account_number"`
	Amount            decimal.Decimal `json:"amount"`
	Content           string          `json:"content"`
}

// InitPaymentRequest is the body of POST /api/v1/payment/init.
type InitPaymentRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Content string          `json:"content"`
}

// SessionResponse is the wire shape of a payment session. The
// countdown is rederived from absolute timestamps at render time, so
// each GET returns wall-clock truth regardless of client reloads.
type SessionResponse struct {
	PaymentID         string          `json:"payment_id"`
	Status            string          `json:"status"`
	FromAccountNumber string          `json:"from_account_number,omitempty"`
	ToAccountNumber   string          `json:"to_account_number,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Fee               decimal.Decimal `json:"fee"`
	Discount          decimal.Decimal `json:"discount"`
	Commission        decimal.Decimal `json:"commission"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Content           string          `json:"content,omitempty"`
	QRCode            string          `json:"qr_code,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	RemainingSeconds  int64           `json:"remaining_seconds"`
	StatusChannel     string          `json:"status_channel,omitempty"`
}

// NewSessionResponse renders a session snapshot for the API.
func NewSessionResponse(s session.Session, statusChannel string) SessionResponse {
	return SessionResponse{
		PaymentID:         s.PaymentID,
		Status:            string(s.Status),
		FromAccountNumber: s.FromAccountNumber,
		ToAccountNumber:   s.ToAccountNumber,
		Amount:            s.Amount,
		Fee:               s.Fee,
		Discount:          s.Discount,
		Commission:        s.Commission,
		TotalAmount:       s.TotalAmount,
		Content:           s.Content,
		QRCode:            s.QRCode,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt(),
		RemainingSeconds:  int64(s.Remaining(time.Now()) / time.Second),
		StatusChannel:     statusChannel,
	}
}
