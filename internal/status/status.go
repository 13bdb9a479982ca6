package status

import "errors"

var (
	ErrGatewayDeclined     = errors.New("cashin: gateway declined operation")
	ErrInvalidSigningInput = errors.New("cashin: invalid signing input")
	ErrSessionNotFound     = errors.New("session: session not found")
	ErrSessionTerminal     = errors.New("session: session already terminal")
	ErrNotAwaitingConfirm  = errors.New("session: session is not awaiting confirmation")
	ErrPaymentNotFound     = errors.New("payment: payment not found")
)
