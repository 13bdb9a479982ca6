package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashin-system/internal/gateway/natcash"
	"cashin-system/internal/session"
	"cashin-system/internal/status"
)

// fakeGateway records calls and plays back canned results.
type fakeGateway struct {
	mu sync.Mutex

	requestErr error
	requestFn  func(*natcash.CashinForm)
	result     *natcash.CashinResult

	confirmErr   error
	confirmCalls int
	lastConfirm  *natcash.ConfirmForm

	requestCalls int
	lastRequest  *natcash.CashinForm

	markExpiredCalls []string
	unsubscribed     []string

	payment    *natcash.PaymentSession
	paymentErr error
}

func (g *fakeGateway) RequestCashin(_ context.Context, f *natcash.CashinForm) (*natcash.CashinResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requestCalls++
	g.lastRequest = f
	if g.requestFn != nil {
		g.requestFn(f)
	}
	if g.requestErr != nil {
		return nil, g.requestErr
	}
	return g.result, nil
}

func (g *fakeGateway) ConfirmCashin(_ context.Context, f *natcash.ConfirmForm) (*natcash.ConfirmResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmCalls++
	g.lastConfirm = f
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	return &natcash.ConfirmResult{TransactionID: "fin-1"}, nil
}

func (g *fakeGateway) InitPayment(_ context.Context, amount decimal.Decimal, _ string) (*natcash.PaymentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paymentErr != nil {
		return nil, g.paymentErr
	}
	return g.payment, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, _ string) (*natcash.PaymentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paymentErr != nil {
		return nil, g.paymentErr
	}
	return g.payment, nil
}

func (g *fakeGateway) MarkExpired(_ context.Context, paymentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markExpiredCalls = append(g.markExpiredCalls, paymentID)
	return nil
}

func (g *fakeGateway) SetPushChannel(chan *natcash.StatusPush) {}

func (g *fakeGateway) Subscribe(_ context.Context, _ string) {}

func (g *fakeGateway) Unsubscribe(_ context.Context, paymentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unsubscribed = append(g.unsubscribed, paymentID)
}

func (g *fakeGateway) markExpired() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.markExpiredCalls...)
}

func (g *fakeGateway) unsubscribedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.unsubscribed...)
}

// fakePublisher captures terminal notifications.
type fakePublisher struct {
	mu       sync.Mutex
	messages []map[string]any
}

func (p *fakePublisher) Publish(_ string, message map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
}

func (p *fakePublisher) published() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.messages...)
}

func okResult() *natcash.CashinResult {
	return &natcash.CashinResult{
		TxID:        "tx-1",
		Fee:         decimal.RequireFromString("1.25"),
		Discount:    decimal.Zero,
		Commission:  decimal.RequireFromString("0.50"),
		TotalAmount: decimal.RequireFromString("25001.75"),
	}
}

func newTestService(t *testing.T, gw *fakeGateway, timeout, tick time.Duration) (*PaymentService, *fakePublisher) {
	t.Helper()

	// The Redis mirror is best effort; unmatched commands error out and
	// are logged, which is exactly the degraded path in production.
	redisClient, _ := redismock.NewClientMock()
	pub := &fakePublisher{}

	return NewPaymentService(redisClient, pub, gw, session.NewStore(), timeout, tick), pub
}

func cashinRequest() *CashinRequest {
	return &CashinRequest{
		FromAccountNumber: "2055001",
		ToAccountNumber:   "2055999",
		Amount:            decimal.NewFromInt(25000),
		Content:           "topup",
	}
}

func TestInitCashinSuccess(t *testing.T) {
	gw := &fakeGateway{result: okResult()}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	assert.Equal(t, session.StatusWaitingConfirm, sess.Status)
	assert.Equal(t, "tx-1", sess.TxID)
	assert.NotEmpty(t, sess.RequestID)
	assert.Equal(t, "cashin_"+sess.RequestID, sess.PaymentID)

	// Gateway fee breakdown is held verbatim.
	assert.True(t, sess.Fee.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, sess.TotalAmount.Equal(decimal.RequireFromString("25001.75")))
	assert.Equal(t, sess.RequestID, gw.lastRequest.RequestID)
}

func TestInitCashinRejectsInvalidAmount(t *testing.T) {
	gw := &fakeGateway{result: okResult()}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	req := cashinRequest()
	req.Amount = decimal.Zero

	_, err := svc.InitCashin(context.Background(), req)
	assert.ErrorIs(t, err, status.ErrInvalidSigningInput)
	assert.Equal(t, 0, gw.requestCalls)
}

func TestInitCashinDeclined(t *testing.T) {
	gw := &fakeGateway{requestErr: status.ErrGatewayDeclined}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	assert.ErrorIs(t, err, status.ErrGatewayDeclined)
	assert.Equal(t, session.StatusFailed, sess.Status)
}

func TestInitCashinTransportFailureLeavesPending(t *testing.T) {
	gw := &fakeGateway{requestErr: context.DeadlineExceeded}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, status.ErrGatewayDeclined)
	assert.Equal(t, session.StatusPending, sess.Status)

	// Retry reuses the original request id so the gateway can
	// deduplicate.
	gw.mu.Lock()
	gw.requestErr = nil
	gw.result = okResult()
	firstRequestID := gw.lastRequest.RequestID
	gw.mu.Unlock()

	require.NoError(t, svc.RetryRequest(context.Background(), sess.PaymentID))

	snap, ok := svc.Get(sess.PaymentID)
	require.True(t, ok)
	assert.Equal(t, session.StatusWaitingConfirm, snap.Status)
	assert.Equal(t, firstRequestID, gw.lastRequest.RequestID)
	assert.Equal(t, 2, gw.requestCalls)
}

func TestConfirmSuccess(t *testing.T) {
	gw := &fakeGateway{result: okResult()}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	confirmed, err := svc.Confirm(context.Background(), sess.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuccess, confirmed.Status)

	// The confirm call pairs the original request id with the issued
	// transaction id.
	assert.Equal(t, sess.RequestID, gw.lastConfirm.RequestID)
	assert.Equal(t, "tx-1", gw.lastConfirm.TxID)
	assert.True(t, gw.lastConfirm.Confirm)
}

func TestConfirmRequiresWaitingConfirm(t *testing.T) {
	gw := &fakeGateway{requestErr: context.DeadlineExceeded}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, _ := svc.InitCashin(context.Background(), cashinRequest())

	// Still PENDING after the transport failure.
	_, err := svc.Confirm(context.Background(), sess.PaymentID)
	assert.ErrorIs(t, err, status.ErrNotAwaitingConfirm)
	assert.Equal(t, 0, gw.confirmCalls)

	_, err = svc.Confirm(context.Background(), "ghost")
	assert.ErrorIs(t, err, status.ErrSessionNotFound)
}

func TestConfirmDeclinedIsFinal(t *testing.T) {
	gw := &fakeGateway{result: okResult(), confirmErr: status.ErrGatewayDeclined}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	failed, err := svc.Confirm(context.Background(), sess.PaymentID)
	assert.ErrorIs(t, err, status.ErrGatewayDeclined)
	assert.Equal(t, session.StatusFailed, failed.Status)
	assert.Equal(t, 1, gw.confirmCalls)

	// No automatic retry path: the session is terminal now.
	_, err = svc.Confirm(context.Background(), sess.PaymentID)
	assert.ErrorIs(t, err, status.ErrNotAwaitingConfirm)
	assert.Equal(t, 1, gw.confirmCalls)
}

func TestConfirmTransportFailureKeepsSession(t *testing.T) {
	gw := &fakeGateway{result: okResult(), confirmErr: context.DeadlineExceeded}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	snap, err := svc.Confirm(context.Background(), sess.PaymentID)
	require.Error(t, err)
	assert.Equal(t, session.StatusWaitingConfirm, snap.Status)

	// The operator may try again once the gateway is reachable.
	gw.mu.Lock()
	gw.confirmErr = nil
	gw.mu.Unlock()

	snap, err = svc.Confirm(context.Background(), sess.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuccess, snap.Status)
}

func TestRejectIsLocal(t *testing.T) {
	gw := &fakeGateway{result: okResult()}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	rejected, err := svc.Reject(context.Background(), sess.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, rejected.Status)

	// Rejection never reaches the gateway.
	assert.Equal(t, 0, gw.confirmCalls)
}

func TestExpiryMarksGatewayExactlyOnce(t *testing.T) {
	gw := &fakeGateway{result: okResult()}
	svc, _ := newTestService(t, gw, 40*time.Millisecond, 5*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := svc.Get(sess.PaymentID)
		return ok && snap.Status == session.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	// One notification, never retried.
	assert.Equal(t, []string{sess.PaymentID}, gw.markExpired())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{sess.PaymentID}, gw.markExpired())
}

func TestStatusPushFinalizesSession(t *testing.T) {
	gw := &fakeGateway{result: okResult()}
	svc, pub := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	terminal := make(chan session.Status, 1)
	svc.OnTerminal(func(st session.Status, _ session.Session) {
		terminal <- st
	})

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	svc.SimulatePush(sess.PaymentID, "SUCCESS")

	select {
	case st := <-terminal:
		assert.Equal(t, session.StatusSuccess, st)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal callback")
	}

	snap, ok := svc.Get(sess.PaymentID)
	require.True(t, ok)
	assert.Equal(t, session.StatusSuccess, snap.Status)

	// Finalizing tears the subscription down and notifies consumers.
	require.Eventually(t, func() bool {
		return len(gw.unsubscribedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "SUCCESS", msgs[0]["status"])
	assert.Equal(t, sess.PaymentID, msgs[0]["payment_id"])
}

func TestUnknownPushTokenIsIgnored(t *testing.T) {
	gw := &fakeGateway{result: okResult()}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	svc.SimulatePush(sess.PaymentID, "PAID")
	time.Sleep(50 * time.Millisecond)

	snap, _ := svc.Get(sess.PaymentID)
	assert.Equal(t, session.StatusWaitingConfirm, snap.Status)
}

func TestPollStatusProposesTransition(t *testing.T) {
	gw := &fakeGateway{
		result:  okResult(),
		payment: &natcash.PaymentSession{PaymentID: "x", Status: "SUCCESS"},
	}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	_, err = svc.PollStatus(context.Background(), sess.PaymentID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, _ := svc.Get(sess.PaymentID)
		return snap.Status == session.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInitQRPayment(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	gw := &fakeGateway{
		payment: &natcash.PaymentSession{
			PaymentID:   "pay-9",
			Amount:      decimal.NewFromInt(50000),
			Status:      "PENDING",
			QRCode:      `{"bankCode":"NAT","qrString":"000201..."}`,
			CreatedAt:   created.UnixMilli(),
			ExpiredTime: 600,
		},
	}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitQRPayment(context.Background(), decimal.NewFromInt(50000), "order 9")
	require.NoError(t, err)

	assert.Equal(t, "pay-9", sess.PaymentID)
	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Equal(t, 10*time.Minute, sess.ExpiresIn)

	// The countdown runs from the gateway's absolute creation time,
	// not from when we learned about the session.
	remaining := sess.Remaining(time.Now())
	assert.Less(t, remaining, 10*time.Minute)
	assert.Greater(t, remaining, 8*time.Minute)
}

func TestRestoreExpiresLapsedSession(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := newTestService(t, gw, time.Minute, 5*time.Millisecond)

	svc.Restore(context.Background(), &session.Session{
		PaymentID: "old-1",
		Status:    session.StatusPending,
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresIn: 10 * time.Minute,
	})

	require.Eventually(t, func() bool {
		snap, ok := svc.Get("old-1")
		return ok && snap.Status == session.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"old-1"}, gw.markExpired())
}

func TestDiscardAbsorbsLateProposals(t *testing.T) {
	gw := &fakeGateway{result: okResult()}
	svc, _ := newTestService(t, gw, time.Minute, 10*time.Millisecond)

	sess, err := svc.InitCashin(context.Background(), cashinRequest())
	require.NoError(t, err)

	svc.Discard(context.Background(), sess.PaymentID)

	_, ok := svc.Get(sess.PaymentID)
	assert.False(t, ok)

	// A push landing after discard is a no-op.
	svc.SimulatePush(sess.PaymentID, "SUCCESS")
	time.Sleep(50 * time.Millisecond)

	_, ok = svc.Get(sess.PaymentID)
	assert.False(t, ok)
}
