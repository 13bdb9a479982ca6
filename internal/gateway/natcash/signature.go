package natcash

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"cashin-system/internal/status"
)

// Hmac256 computes the hex-encoded HMAC-SHA256 digest of body with key.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

// SignRequestCashin builds the canonical request-cashin message and
// returns its digest. Field order and punctuation are part of the wire
// contract with the gateway and must match byte for byte; the amount is
// always rendered with exactly two fraction digits. The access key is
// the secret concatenated with the request id and is part of the signed
// body, not the signing key.
func SignRequestCashin(secretKey, requestID, from, to string, amount decimal.Decimal, content string, timestampMillis int64) string {
	accessKey := secretKey + requestID
	message := fmt.Sprintf("{accessKey=%s$requestId=%s$fromAccountNumber=%s$toAccountNumber=%s$amount=%s$content=%s$timestamp=%d}",
		accessKey, requestID, from, to, amount.StringFixed(2), content, timestampMillis)
	return Hmac256([]byte(message), []byte(secretKey))
}

// SignConfirmCashin builds the canonical confirm-cashin message and
// returns its digest. The requestID must be the same one used for the
// paired request-cashin call; they form one signing session.
func SignConfirmCashin(secretKey, requestID, txID, verifyCode, isConfirm string) string {
	accessKey := secretKey + requestID
	message := fmt.Sprintf("{accessKey=%s$requestId=%s$txId=%s$verifyCode=%s$isConfirm=%s}",
		accessKey, requestID, txID, verifyCode, isConfirm)
	return Hmac256([]byte(message), []byte(secretKey))
}

// ValidateSigningInput rejects malformed input before any signing or
// network call takes place.
func ValidateSigningInput(requestID, from, to string, amount decimal.Decimal) error {
	if requestID == "" || from == "" || to == "" {
		return fmt.Errorf("%w: missing identifier", status.ErrInvalidSigningInput)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %s", status.ErrInvalidSigningInput, amount)
	}
	return nil
}
