package natcash

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashin-system/internal/status"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := newClient(context.Background(), &ClientConfig{
		BaseURL:    srv.URL,
		SecretKey:  "test-secret",
		VerifyCode: "1111",
	})
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func TestRequestCashinSuccess(t *testing.T) {
	var captured map[string]any
	var rawBody string

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/channel/request-cashin", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		rawBody = string(body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Write([]byte(`{
			"resultCode": "200",
			"result": {
				"txId": "tx-42",
				"fee": 1.25,
				"discount": 0,
				"commission": 0.5,
				"totalAmount": 26.75,
				"amount": 25.5,
				"receiver": {"accountNumber": "2055999"}
			}
		}`))
	})

	result, err := c.RequestCashin(context.Background(), &CashinForm{
		RequestID:         "req-1",
		FromAccountNumber: "2055001",
		ToAccountNumber:   "2055999",
		Amount:            decimal.RequireFromString("25.5"),
		Content:           "topup",
	})
	require.NoError(t, err)

	assert.Equal(t, "tx-42", result.TxID)
	assert.True(t, result.TotalAmount.Equal(decimal.RequireFromString("26.75")))
	assert.Equal(t, "2055999", result.ReceiverAccount)

	// Wire contract: two-fraction-digit amount, caller timestamp, and
	// the signature computed over the canonical message.
	assert.Contains(t, rawBody, `"amount":25.50`)
	assert.Equal(t, float64(1700000000000), captured["timestamp"])
	expected := SignRequestCashin("test-secret", "req-1", "2055001", "2055999",
		decimal.RequireFromString("25.5"), "topup", 1700000000000)
	assert.Equal(t, expected, captured["signature"])
}

func TestRequestCashinDeclined(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resultCode": "412", "result": {}}`))
	})

	_, err := c.RequestCashin(context.Background(), &CashinForm{
		RequestID:         "req-1",
		FromAccountNumber: "a",
		ToAccountNumber:   "b",
		Amount:            decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, status.ErrGatewayDeclined)
	assert.Contains(t, err.Error(), "412")
}

func TestRequestCashinRejectsInvalidInput(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call expected for invalid input")
	})

	_, err := c.RequestCashin(context.Background(), &CashinForm{
		RequestID:         "req-1",
		FromAccountNumber: "a",
		ToAccountNumber:   "b",
		Amount:            decimal.Zero,
	})
	assert.ErrorIs(t, err, status.ErrInvalidSigningInput)
}

func TestConfirmCashin(t *testing.T) {
	var captured map[string]any

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channel/confirm-cashin", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Write([]byte(`{"resultCode": "200", "result": {"transactionId": "fin-7"}}`))
	})

	result, err := c.ConfirmCashin(context.Background(), &ConfirmForm{
		RequestID:         "req-1",
		TxID:              "tx-42",
		FromAccountNumber: "2055001",
		Confirm:           true,
	})
	require.NoError(t, err)
	assert.Equal(t, "fin-7", result.TransactionID)

	assert.Equal(t, "1", captured["isConfirm"])
	assert.Equal(t, "1111", captured["verifyCode"])
	expected := SignConfirmCashin("test-secret", "req-1", "tx-42", "1111", "1")
	assert.Equal(t, expected, captured["signature"])
}

func TestConfirmCashinRejectFlag(t *testing.T) {
	var captured map[string]any

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Write([]byte(`{"resultCode": "200", "result": {}}`))
	})

	_, err := c.ConfirmCashin(context.Background(), &ConfirmForm{
		RequestID: "req-1",
		TxID:      "tx-42",
		Confirm:   false,
	})
	require.NoError(t, err)
	assert.Equal(t, "0", captured["isConfirm"])
}

func TestConfirmCashinDeclined(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resultCode": "500", "result": {}}`))
	})

	_, err := c.ConfirmCashin(context.Background(), &ConfirmForm{
		RequestID: "req-1",
		TxID:      "tx-42",
		Confirm:   true,
	})
	assert.ErrorIs(t, err, status.ErrGatewayDeclined)
}

func TestInitPayment(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/init-payment", r.URL.Path)
		w.Write([]byte(`{
			"paymentId": "pay-1",
			"amount": 50000,
			"status": "PENDING",
			"qrCode": "{\"bankCode\":\"NAT\",\"qrString\":\"000201...\",\"consumerType\":\"wallet\"}",
			"createdAt": 1700000000000,
			"expiredTime": 600
		}`))
	})

	p, err := c.InitPayment(context.Background(), decimal.NewFromInt(50000), "order 9")
	require.NoError(t, err)

	assert.Equal(t, "pay-1", p.ID())
	assert.Equal(t, "PENDING", p.Status)
	assert.Equal(t, int64(600), p.ExpiredTime)

	qr, err := ParseQRCode(p.QRCode)
	require.NoError(t, err)
	assert.Equal(t, "NAT", qr.BankCode)
}

func TestGetPaymentFallsBackToOrderID(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payment/pay-1", r.URL.Path)
		w.Write([]byte(`{"orderId": "pay-1", "status": "SUCCESS"}`))
	})

	p, err := c.GetPayment(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", p.ID())
}

func TestGetPaymentNotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetPayment(context.Background(), "missing")
	assert.ErrorIs(t, err, status.ErrPaymentNotFound)
}

func TestMarkExpired(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/payment/pay-1/expired", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.MarkExpired(context.Background(), "pay-1"))
	assert.Equal(t, 1, calls)
}
