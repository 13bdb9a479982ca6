package natcash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"cashin-system/internal/status"
	"cashin-system/utils"
)

const resultCodeOK = "200"

type ClientConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// SecretKey is the process-wide signing key. It is injected from
	// configuration at start and never mutated at runtime.
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`

	// VerifyCode is the confirmation verification code issued by the
	// gateway operator, sourced from configuration like the key.
	VerifyCode string `json:"verify_code" mapstructure:"verify_code"`
}

type Client struct {
	// baseURL is the base url of the Natcash channel backend.
	baseURL string

	secretKey  string
	verifyCode string

	// hc is the http client.
	hc *http.Client

	// cb guards the gateway from being hammered while it is down.
	cb *utils.CircuitBreaker

	// now is overridable in tests; signatures embed a caller-side
	// timestamp in epoch milliseconds.
	now func() time.Time
}

// newClient creates a new instance of the Natcash gateway client.
func newClient(_ context.Context, c *ClientConfig) *Client {
	return &Client{
		baseURL:    c.BaseURL,
		secretKey:  c.SecretKey,
		verifyCode: c.VerifyCode,

		cb: utils.NewCircuitBreaker("natcash"),

		// set http client with timeout.
		hc: &http.Client{
			Timeout: 10 * time.Second,
		},

		now: time.Now,
	}
}

type (
	// CashinForm is the input for a request-cashin call.
	CashinForm struct {
		RequestID         string
		FromAccountNumber string
		ToAccountNumber   string
		Amount            decimal.Decimal
		Content           string
	}

	// CashinResult carries the gateway fee breakdown. The values are
	// held verbatim and never recomputed locally.
	CashinResult struct {
		TxID            string          `json:"txId"`
		Fee             decimal.Decimal `json:"fee"`
		Discount        decimal.Decimal `json:"discount"`
		Commission      decimal.Decimal `json:"commission"`
		TotalAmount     decimal.Decimal `json:"totalAmount"`
		Amount          decimal.Decimal `json:"amount"`
		ReceiverAccount string          `json:"-"`
	}

	ConfirmForm struct {
		RequestID         string
		TxID              string
		FromAccountNumber string
		Confirm           bool
	}

	ConfirmResult struct {
		TransactionID string `json:"transactionId"`
	}
)

// RequestCashin initiates a transfer. The same RequestID may be resent
// after a transport failure; the gateway deduplicates on it.
func (c *Client) RequestCashin(ctx context.Context, f *CashinForm) (*CashinResult, error) {
	if err := ValidateSigningInput(f.RequestID, f.FromAccountNumber, f.ToAccountNumber, f.Amount); err != nil {
		return nil, err
	}

	ts := c.now().UnixMilli()
	signature := SignRequestCashin(c.secretKey, f.RequestID, f.FromAccountNumber, f.ToAccountNumber, f.Amount, f.Content, ts)

	body := fmt.Sprintf(`{"requestId":%q,"fromAccountNumber":%q,"toAccountNumber":%q,"amount":%s,"content":%q,"timestamp":%d,"signature":%q}`,
		f.RequestID, f.FromAccountNumber, f.ToAccountNumber, f.Amount.StringFixed(2), f.Content, ts, signature)

	var reply struct {
		ResultCode string `json:"resultCode"`
		Result     struct {
			CashinResult
			Receiver struct {
				AccountNumber string `json:"accountNumber"`
			} `json:"receiver"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/channel/request-cashin", body, &reply); err != nil {
		return nil, fmt.Errorf("requestCashin: %w", err)
	}
	if reply.ResultCode != resultCodeOK {
		return nil, fmt.Errorf("requestCashin: resultCode %s: %w", reply.ResultCode, status.ErrGatewayDeclined)
	}

	result := reply.Result.CashinResult
	result.ReceiverAccount = reply.Result.Receiver.AccountNumber
	return &result, nil
}

// ConfirmCashin finalizes a previously requested transfer. The form's
// RequestID must be the one used for the paired request-cashin call.
func (c *Client) ConfirmCashin(ctx context.Context, f *ConfirmForm) (*ConfirmResult, error) {
	if f.RequestID == "" || f.TxID == "" {
		return nil, fmt.Errorf("confirmCashin: %w: missing identifier", status.ErrInvalidSigningInput)
	}

	isConfirm := "0"
	if f.Confirm {
		isConfirm = "1"
	}
	signature := SignConfirmCashin(c.secretKey, f.RequestID, f.TxID, c.verifyCode, isConfirm)

	body := fmt.Sprintf(`{"requestId":%q,"txId":%q,"verifyCode":%q,"isConfirm":%q,"signature":%q,"fromAccountNumber":%q}`,
		f.RequestID, f.TxID, c.verifyCode, isConfirm, signature, f.FromAccountNumber)

	var reply struct {
		ResultCode string        `json:"resultCode"`
		Result     ConfirmResult `json:"result"`
	}
	if err := c.post(ctx, "/channel/confirm-cashin", body, &reply); err != nil {
		return nil, fmt.Errorf("confirmCashin: %w", err)
	}
	if reply.ResultCode != resultCodeOK {
		return nil, fmt.Errorf("confirmCashin: resultCode %s: %w", reply.ResultCode, status.ErrGatewayDeclined)
	}

	return &reply.Result, nil
}

// PaymentSession is the gateway-side session descriptor for the QR
// cash-in variant.
type PaymentSession struct {
	PaymentID   string          `json:"paymentId"`
	OrderID     string          `json:"orderId"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	QRCode      string          `json:"qrCode"`
	CreatedAt   int64           `json:"createdAt"`   // epoch milliseconds
	ExpiredTime int64           `json:"expiredTime"` // validity window, seconds
}

// ID returns the canonical session identifier. Older gateway revisions
// reply with orderId instead of paymentId.
func (p *PaymentSession) ID() string {
	if p.PaymentID != "" {
		return p.PaymentID
	}
	return p.OrderID
}

// QRPayload is the decoded qrCode field.
type QRPayload struct {
	BankCode     string `json:"bankCode"`
	QRString     string `json:"qrString"`
	ConsumerType string `json:"consumerType"`
}

// ParseQRCode decodes the JSON-encoded qrCode payload. The raw string
// stays the source of truth for rendering.
func ParseQRCode(raw string) (*QRPayload, error) {
	var p QRPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parseQRCode: json.Unmarshal: %w", err)
	}
	return &p, nil
}

// InitPayment opens a QR cash-in session on the gateway.
func (c *Client) InitPayment(ctx context.Context, amount decimal.Decimal, content string) (*PaymentSession, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("initPayment: %w: amount must be positive", status.ErrInvalidSigningInput)
	}

	body := fmt.Sprintf(`{"amount":%s,"content":%q}`, amount.StringFixed(2), content)

	var reply PaymentSession
	if err := c.post(ctx, "/api/init-payment", body, &reply); err != nil {
		return nil, fmt.Errorf("initPayment: %w", err)
	}
	if reply.ID() == "" {
		return nil, fmt.Errorf("initPayment: gateway returned no session identifier")
	}

	return &reply, nil
}

// GetPayment fetches the session descriptor; used as the poll source
// when reconciling state.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*PaymentSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/payment/"+url.PathEscape(paymentID)), nil)
	if err != nil {
		return nil, fmt.Errorf("getPayment: http.NewReq: %w", err)
	}

	var reply PaymentSession
	if err := c.do(ctx, req, &reply); err != nil {
		return nil, fmt.Errorf("getPayment: %w", err)
	}
	if reply.ID() == "" {
		return nil, fmt.Errorf("getPayment: %w", status.ErrPaymentNotFound)
	}

	return &reply, nil
}

// MarkExpired tells the gateway the session ran out of validity. Best
// effort: the caller issues it at most once per session and never
// retries a failure.
func (c *Client) MarkExpired(ctx context.Context, paymentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.endpoint("/payment/"+url.PathEscape(paymentID)+"/expired"), nil)
	if err != nil {
		return fmt.Errorf("markExpired: http.NewReq: %w", err)
	}

	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("markExpired: %w", err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	_baseURL, _ := url.Parse(c.baseURL)
	return fmt.Sprintf("%s%s", _baseURL.String(), path)
}

func (c *Client) post(ctx context.Context, path, body string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("http.NewReq: %w", err)
	}
	return c.do(ctx, req, out)
}

func (c *Client) do(ctx context.Context, req *http.Request, out any) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	_, err := c.cb.Execute(ctx, func() (any, error) {
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http.Do: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			rbody, _ := io.ReadAll(resp.Body)
			if resp.StatusCode == http.StatusNotFound {
				return nil, status.ErrPaymentNotFound
			}
			return nil, fmt.Errorf("resp.StatusCode: %d, resp.Body: %s", resp.StatusCode, rbody)
		}

		if out == nil {
			return nil, nil
		}
		dec := json.NewDecoder(resp.Body)
		if err := dec.Decode(out); err != nil {
			return nil, fmt.Errorf("json.Decode: %w", err)
		}
		return nil, nil
	})

	return err
}
