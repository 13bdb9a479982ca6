package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"cashin-system/internal/gateway/natcash"
	"cashin-system/internal/services"
	"cashin-system/internal/status"
	"cashin-system/models"
	"cashin-system/security"
)

type PaymentHandler struct {
	app            *pocketbase.PocketBase
	paymentService *services.PaymentService
	rateLimiter    *security.RateLimiter
}

func NewPaymentHandler(app *pocketbase.PocketBase, paymentService *services.PaymentService, rateLimiter *security.RateLimiter) *PaymentHandler {
	return &PaymentHandler{
		app:            app,
		paymentService: paymentService,
		rateLimiter:    rateLimiter,
	}
}

// RequestCashin - Initiate a signed cash-in transfer
func (h *PaymentHandler) RequestCashin(e *core.RequestEvent) error {
	ctx := e.Request.Context()

	if security.SuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
		return apis.NewForbiddenError("Access denied", nil)
	}
	if !h.rateLimiter.Allow(ctx, e.RealIP()) {
		return e.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "Rate limit exceeded. Please try again later.",
		})
	}

	var req models.CashinRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}

	sess, err := h.paymentService.InitCashin(ctx, &services.CashinRequest{
		FromAccountNumber: req.FromAccountNumber,
		ToAccountNumber:   req.ToAccountNumber,
		Amount:            req.Amount,
		Content:           req.Content,
	})
	switch {
	case errors.Is(err, status.ErrInvalidSigningInput):
		return apis.NewBadRequestError("Invalid cash-in parameters", err)
	case errors.Is(err, status.ErrGatewayDeclined):
		// Session exists in FAILED; return it so the caller sees the outcome.
		return e.JSON(http.StatusConflict, models.NewSessionResponse(sess, ""))
	case err != nil:
		// Transport failure: the session stays PENDING and the same
		// request id may be retried.
		slog.Error("request cashin failed", "paymentId", sess.PaymentID, "error", err)
		return e.JSON(http.StatusBadGateway, map[string]any{
			"error":      "Payment gateway unreachable",
			"payment_id": sess.PaymentID,
			"retryable":  true,
		})
	}

	h.PersistTransaction(sess.PaymentID)

	return e.JSON(http.StatusOK, models.NewSessionResponse(sess, natcash.StatusChannel(sess.PaymentID)))
}

// RetryCashin - Resubmit a request stuck in PENDING after a transport failure
func (h *PaymentHandler) RetryCashin(e *core.RequestEvent) error {
	paymentID := e.Request.PathValue("paymentId")
	ctx := e.Request.Context()

	err := h.paymentService.RetryRequest(ctx, paymentID)
	switch {
	case errors.Is(err, status.ErrSessionNotFound):
		return apis.NewNotFoundError("Payment not found", nil)
	case errors.Is(err, status.ErrSessionTerminal):
		return apis.NewBadRequestError("Payment is not awaiting submission", nil)
	case errors.Is(err, status.ErrGatewayDeclined):
		sess, _ := h.paymentService.Get(paymentID)
		h.PersistTransaction(paymentID)
		return e.JSON(http.StatusConflict, models.NewSessionResponse(sess, ""))
	case err != nil:
		return e.JSON(http.StatusBadGateway, map[string]any{
			"error":     "Payment gateway unreachable",
			"retryable": true,
		})
	}

	sess, _ := h.paymentService.Get(paymentID)
	h.PersistTransaction(paymentID)
	return e.JSON(http.StatusOK, models.NewSessionResponse(sess, natcash.StatusChannel(paymentID)))
}

// ConfirmCashin - Finalize a transfer awaiting operator confirmation
func (h *PaymentHandler) ConfirmCashin(e *core.RequestEvent) error {
	paymentID := e.Request.PathValue("paymentId")
	ctx := e.Request.Context()

	sess, err := h.paymentService.Confirm(ctx, paymentID)
	switch {
	case errors.Is(err, status.ErrSessionNotFound):
		return apis.NewNotFoundError("Payment not found", nil)
	case errors.Is(err, status.ErrNotAwaitingConfirm):
		return apis.NewBadRequestError("Payment is not awaiting confirmation", nil)
	case errors.Is(err, status.ErrGatewayDeclined):
		return e.JSON(http.StatusConflict, models.NewSessionResponse(sess, ""))
	case err != nil:
		slog.Error("confirm cashin failed", "paymentId", paymentID, "error", err)
		return e.JSON(http.StatusBadGateway, map[string]any{
			"error": "Payment gateway unreachable",
		})
	}

	return e.JSON(http.StatusOK, models.NewSessionResponse(sess, ""))
}

// RejectCashin - Discard a transfer awaiting operator confirmation
func (h *PaymentHandler) RejectCashin(e *core.RequestEvent) error {
	paymentID := e.Request.PathValue("paymentId")
	ctx := e.Request.Context()

	sess, err := h.paymentService.Reject(ctx, paymentID)
	switch {
	case errors.Is(err, status.ErrSessionNotFound):
		return apis.NewNotFoundError("Payment not found", nil)
	case errors.Is(err, status.ErrNotAwaitingConfirm):
		return apis.NewBadRequestError("Payment is not awaiting confirmation", nil)
	}

	return e.JSON(http.StatusOK, models.NewSessionResponse(sess, ""))
}

// InitPayment - Open a QR cash-in session on the gateway
func (h *PaymentHandler) InitPayment(e *core.RequestEvent) error {
	ctx := e.Request.Context()

	if !h.rateLimiter.Allow(ctx, e.RealIP()) {
		return e.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "Rate limit exceeded. Please try again later.",
		})
	}

	var req models.InitPaymentRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if !req.Amount.IsPositive() {
		return apis.NewBadRequestError("Amount must be positive", nil)
	}

	sess, err := h.paymentService.InitQRPayment(ctx, req.Amount, req.Content)
	if err != nil {
		slog.Error("init payment failed", "error", err)
		return e.JSON(http.StatusBadGateway, map[string]string{
			"error": "Payment gateway unreachable",
		})
	}

	h.PersistTransaction(sess.PaymentID)

	return e.JSON(http.StatusOK, models.NewSessionResponse(sess, natcash.StatusChannel(sess.PaymentID)))
}

// GetPaymentDetails - Get payment details with the remaining validity
func (h *PaymentHandler) GetPaymentDetails(e *core.RequestEvent) error {
	paymentID := e.Request.PathValue("paymentId")

	sess, ok := h.paymentService.Get(paymentID)
	if !ok {
		return apis.NewNotFoundError("Payment not found", nil)
	}

	channel := ""
	if !sess.Status.Terminal() {
		channel = natcash.StatusChannel(paymentID)
	}
	return e.JSON(http.StatusOK, models.NewSessionResponse(sess, channel))
}

// CheckPaymentStatus - Reconcile with the gateway and return the status
func (h *PaymentHandler) CheckPaymentStatus(e *core.RequestEvent) error {
	paymentID := e.Request.PathValue("paymentId")
	ctx := e.Request.Context()

	sess, err := h.paymentService.PollStatus(ctx, paymentID)
	if errors.Is(err, status.ErrSessionNotFound) {
		return apis.NewNotFoundError("Payment not found", nil)
	}
	// A poll transport failure still returns the local snapshot.

	return e.JSON(http.StatusOK, map[string]string{"status": string(sess.Status)})
}

// SimulatePayment - Inject a status push (development only)
func (h *PaymentHandler) SimulatePayment(e *core.RequestEvent) error {
	var req struct {
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if _, ok := h.paymentService.Get(req.PaymentID); !ok {
		return apis.NewNotFoundError("Payment not found", nil)
	}

	h.paymentService.SimulatePush(req.PaymentID, req.Status)

	return e.JSON(http.StatusOK, map[string]string{"result": "queued"})
}

// PersistTransaction upserts the durable record for a session. Best
// effort; the in-memory session stays authoritative.
func (h *PaymentHandler) PersistTransaction(paymentID string) {
	sess, ok := h.paymentService.Get(paymentID)
	if !ok {
		return
	}

	record, err := h.app.FindFirstRecordByData("transactions", "payment_id", paymentID)
	if err != nil {
		collection, err := h.app.FindCollectionByNameOrId("transactions")
		if err != nil {
			slog.Error("transactions collection missing", "error", err)
			return
		}
		record = core.NewRecord(collection)
		record.Set("payment_id", sess.PaymentID)
	}

	record.Set("request_id", sess.RequestID)
	record.Set("tx_id", sess.TxID)
	record.Set("from_account", sess.FromAccountNumber)
	record.Set("to_account", sess.ToAccountNumber)
	record.Set("amount", sess.Amount.String())
	record.Set("fee", sess.Fee.String())
	record.Set("discount", sess.Discount.String())
	record.Set("commission", sess.Commission.String())
	record.Set("total_amount", sess.TotalAmount.String())
	record.Set("content", sess.Content)
	record.Set("qr_code", sess.QRCode)
	record.Set("status", string(sess.Status))
	record.Set("initiated_at", sess.CreatedAt)
	record.Set("expires_in_seconds", int64(sess.ExpiresIn.Seconds()))

	if err := h.app.Save(record); err != nil {
		slog.Error("persist transaction failed", "paymentId", paymentID, "error", err)
	}
}
