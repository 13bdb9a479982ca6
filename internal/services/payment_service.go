package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"cashin-system/internal/gateway/natcash"
	"cashin-system/internal/session"
	"cashin-system/internal/status"
	"cashin-system/monitoring"
	"cashin-system/utils"
)

const (
	sessionKeyPrefix = "cashin:session:"
	expiredKeyPrefix = "cashin:expired:"

	// eventsChannel carries terminal notifications for downstream
	// consumers (dashboards, reconciliation jobs).
	eventsChannel = "cashin-events"
)

// Gateway is the signed REST + push surface of the payment gateway.
// Implemented by *natcash.Natcash.
type Gateway interface {
	RequestCashin(ctx context.Context, f *natcash.CashinForm) (*natcash.CashinResult, error)
	ConfirmCashin(ctx context.Context, f *natcash.ConfirmForm) (*natcash.ConfirmResult, error)
	InitPayment(ctx context.Context, amount decimal.Decimal, content string) (*natcash.PaymentSession, error)
	GetPayment(ctx context.Context, paymentID string) (*natcash.PaymentSession, error)
	MarkExpired(ctx context.Context, paymentID string) error
	SetPushChannel(ch chan *natcash.StatusPush)
	Subscribe(ctx context.Context, paymentID string)
	Unsubscribe(ctx context.Context, paymentID string)
}

// Publisher sends outbound notifications. Implemented over PubNub.
type Publisher interface {
	Publish(channel string, message map[string]any)
}

// PubNubPublisher publishes through a PubNub client.
type PubNubPublisher struct {
	pn *pubnub.PubNub
}

func NewPubNubPublisher(pn *pubnub.PubNub) *PubNubPublisher {
	return &PubNubPublisher{pn: pn}
}

func (p *PubNubPublisher) Publish(channel string, message map[string]any) {
	p.pn.Publish().
		Channel(channel).
		Message(message).
		Execute()
}

// sessionRuntime is the per-session machinery the controller owns: the
// proposal inbox worker and the expiry watcher.
type sessionRuntime struct {
	inbox  chan session.Transition
	cancel context.CancelFunc
}

// PaymentService orchestrates the cash-in lifecycle: it issues signed
// gateway calls, owns all session mutation, and arbitrates between
// REST results, status pushes, polls, and local expiry.
type PaymentService struct {
	Redis   *redis.Client
	gateway Gateway
	pub     Publisher
	store   *session.Store

	paymentTimeout time.Duration
	expiryTick     time.Duration

	mu         sync.Mutex
	runtimes   map[string]*sessionRuntime
	expired    map[string]struct{}
	onTerminal []func(session.Status, session.Session)

	pushes chan *natcash.StatusPush
}

func NewPaymentService(redisClient *redis.Client, pub Publisher, gateway Gateway, store *session.Store, paymentTimeout, expiryTick time.Duration) *PaymentService {
	service := &PaymentService{
		Redis:          redisClient,
		gateway:        gateway,
		pub:            pub,
		store:          store,
		paymentTimeout: paymentTimeout,
		expiryTick:     expiryTick,
		runtimes:       make(map[string]*sessionRuntime),
		expired:        make(map[string]struct{}),
		pushes:         make(chan *natcash.StatusPush, 64),
	}

	gateway.SetPushChannel(service.pushes)
	go service.consumePushes()

	return service
}

// OnTerminal registers a callback invoked once per session when it
// reaches SUCCESS, FAILED, or EXPIRED. Replaces UI-side redirect
// timers with an explicit, testable hook.
func (s *PaymentService) OnTerminal(fn func(session.Status, session.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = append(s.onTerminal, fn)
}

type CashinRequest struct {
	FromAccountNumber string          `json:"from_account_number"`
	ToAccountNumber   string          `json:"to_account_number"`
	Amount            decimal.Decimal `json:"amount"`
	Content           string          `json:"content"`
}

// InitCashin creates a PENDING session and submits the signed
// request-cashin call. On a transport failure the session is left
// PENDING and the same request id may be retried; the gateway
// deduplicates on it.
func (s *PaymentService) InitCashin(ctx context.Context, req *CashinRequest) (session.Session, error) {
	requestID, err := utils.GenerateRequestID()
	if err != nil {
		return session.Session{}, fmt.Errorf("initCashin: generate request id: %w", err)
	}
	if err := natcash.ValidateSigningInput(requestID, req.FromAccountNumber, req.ToAccountNumber, req.Amount); err != nil {
		return session.Session{}, err
	}

	sess := &session.Session{
		PaymentID:         fmt.Sprintf("cashin_%s", requestID),
		RequestID:         requestID,
		FromAccountNumber: req.FromAccountNumber,
		ToAccountNumber:   req.ToAccountNumber,
		Amount:            req.Amount,
		Content:           req.Content,
		CreatedAt:         time.Now(),
		ExpiresIn:         s.paymentTimeout,
		Status:            session.StatusPending,
	}

	s.store.Put(sess)
	s.ensureRuntime(sess.PaymentID)
	s.mirror(ctx, *sess)

	if err := s.submitRequest(ctx, sess.PaymentID); err != nil {
		snap, _ := s.store.Get(sess.PaymentID)
		return snap, err
	}

	snap, _ := s.store.Get(sess.PaymentID)
	return snap, nil
}

// RetryRequest resubmits request-cashin for a session stuck in PENDING
// after a transport failure, reusing the original request id.
func (s *PaymentService) RetryRequest(ctx context.Context, paymentID string) error {
	return s.submitRequest(ctx, paymentID)
}

func (s *PaymentService) submitRequest(ctx context.Context, paymentID string) error {
	snap, ok := s.store.Get(paymentID)
	if !ok {
		return status.ErrSessionNotFound
	}
	if snap.Status != session.StatusPending {
		return fmt.Errorf("submitRequest: session %s is %s: %w", paymentID, snap.Status, status.ErrSessionTerminal)
	}

	result, err := s.gateway.RequestCashin(ctx, &natcash.CashinForm{
		RequestID:         snap.RequestID,
		FromAccountNumber: snap.FromAccountNumber,
		ToAccountNumber:   snap.ToAccountNumber,
		Amount:            snap.Amount,
		Content:           snap.Content,
	})
	if err != nil {
		if errors.Is(err, status.ErrGatewayDeclined) {
			monitoring.TrackOperation("request_cashin", "declined")
			s.apply(ctx, paymentID, session.Transition{To: session.StatusFailed, Source: session.SourceLocal})
			return err
		}
		// Transport failure: no partial mutation, retry allowed.
		monitoring.TrackOperation("request_cashin", "transport_error")
		return err
	}
	monitoring.TrackOperation("request_cashin", "success")

	// Fee breakdown and total are gateway truth, held verbatim and
	// paired with the original request id for the confirm call.
	s.apply(ctx, paymentID, session.Transition{
		To:          session.StatusWaitingConfirm,
		Source:      session.SourceLocal,
		TxID:        result.TxID,
		Fee:         result.Fee,
		Discount:    result.Discount,
		Commission:  result.Commission,
		TotalAmount: result.TotalAmount,
	})
	s.gateway.Subscribe(ctx, paymentID)

	return nil
}

// InitQRPayment opens a QR cash-in session on the gateway and tracks
// it locally: expiry timer from the gateway's absolute timestamps plus
// a status subscription keyed by the session identifier.
func (s *PaymentService) InitQRPayment(ctx context.Context, amount decimal.Decimal, content string) (session.Session, error) {
	p, err := s.gateway.InitPayment(ctx, amount, content)
	if err != nil {
		monitoring.TrackOperation("init_payment", "error")
		return session.Session{}, err
	}
	monitoring.TrackOperation("init_payment", "success")

	sess := sessionFromGateway(p)
	if sess.ExpiresIn == 0 {
		sess.ExpiresIn = s.paymentTimeout
	}

	s.store.Put(sess)
	s.ensureRuntime(sess.PaymentID)
	s.mirror(ctx, *sess)
	s.gateway.Subscribe(ctx, sess.PaymentID)

	snap, _ := s.store.Get(sess.PaymentID)
	return snap, nil
}

func sessionFromGateway(p *natcash.PaymentSession) *session.Session {
	st, ok := session.ParseStatus(p.Status)
	if !ok {
		st = session.StatusPending
	}

	createdAt := time.Now()
	if p.CreatedAt > 0 {
		createdAt = time.UnixMilli(p.CreatedAt)
	}

	return &session.Session{
		PaymentID: p.ID(),
		Amount:    p.Amount,
		QRCode:    p.QRCode,
		CreatedAt: createdAt,
		ExpiresIn: time.Duration(p.ExpiredTime) * time.Second,
		Status:    st,
	}
}

// Restore re-registers a session after a process restart. Remaining
// validity is rederived from the stored absolute creation time; a
// session already past its window expires immediately.
func (s *PaymentService) Restore(ctx context.Context, sess *session.Session) {
	s.store.Put(sess)
	if sess.Status.Terminal() {
		return
	}

	s.ensureRuntime(sess.PaymentID)
	s.gateway.Subscribe(ctx, sess.PaymentID)

	if sess.Remaining(time.Now()) == 0 {
		s.propose(sess.PaymentID, session.Transition{To: session.StatusExpired, Source: session.SourceTimer})
	}
}

// Confirm finalizes a transfer after the operator accepted it. Uses
// the request id paired with the original request-cashin signature.
func (s *PaymentService) Confirm(ctx context.Context, paymentID string) (session.Session, error) {
	snap, ok := s.store.Get(paymentID)
	if !ok {
		return session.Session{}, status.ErrSessionNotFound
	}
	if snap.Status != session.StatusWaitingConfirm {
		return snap, status.ErrNotAwaitingConfirm
	}

	_, err := s.gateway.ConfirmCashin(ctx, &natcash.ConfirmForm{
		RequestID:         snap.RequestID,
		TxID:              snap.TxID,
		FromAccountNumber: snap.FromAccountNumber,
		Confirm:           true,
	})
	if err != nil {
		if errors.Is(err, status.ErrGatewayDeclined) {
			// Declined confirms are final; no automatic retry.
			monitoring.TrackOperation("confirm_cashin", "declined")
			snap, _ = s.apply(ctx, paymentID, session.Transition{To: session.StatusFailed, Source: session.SourceLocal})
			return snap, err
		}
		monitoring.TrackOperation("confirm_cashin", "transport_error")
		return snap, err
	}
	monitoring.TrackOperation("confirm_cashin", "success")

	snap, _ = s.apply(ctx, paymentID, session.Transition{To: session.StatusSuccess, Source: session.SourceLocal})
	return snap, nil
}

// Reject discards a pending confirmation locally. The gateway is not
// called; the unconfirmed transfer lapses on its side.
func (s *PaymentService) Reject(ctx context.Context, paymentID string) (session.Session, error) {
	snap, ok := s.store.Get(paymentID)
	if !ok {
		return session.Session{}, status.ErrSessionNotFound
	}
	if snap.Status != session.StatusWaitingConfirm {
		return snap, status.ErrNotAwaitingConfirm
	}

	snap, _ = s.apply(ctx, paymentID, session.Transition{To: session.StatusFailed, Source: session.SourceLocal})
	return snap, nil
}

// PollStatus reconciles the local session with the gateway detail
// endpoint. A transport failure leaves the session untouched.
func (s *PaymentService) PollStatus(ctx context.Context, paymentID string) (session.Session, error) {
	snap, ok := s.store.Get(paymentID)
	if !ok {
		return session.Session{}, status.ErrSessionNotFound
	}

	p, err := s.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		slog.Error("status poll failed", "paymentId", paymentID, "error", err)
		return snap, err
	}

	if st, valid := session.ParseStatus(p.Status); valid && st != snap.Status {
		s.propose(paymentID, session.Transition{To: st, Source: session.SourcePoll})
	}

	snap, _ = s.store.Get(paymentID)
	return snap, nil
}

// Get returns a snapshot of one session.
func (s *PaymentService) Get(paymentID string) (session.Session, bool) {
	return s.store.Get(paymentID)
}

// Discard drops a session and releases its timer and subscription.
// Responses of in-flight calls arriving afterwards are absorbed.
func (s *PaymentService) Discard(ctx context.Context, paymentID string) {
	s.teardown(ctx, paymentID)
	s.store.Discard(paymentID)
	s.Redis.Del(ctx, sessionKeyPrefix+paymentID)
}

// consumePushes feeds status-channel payloads into the proposal
// pipeline. Unknown tokens are logged and dropped; a transport error
// never reaches here as a payload.
func (s *PaymentService) consumePushes() {
	for push := range s.pushes {
		st, ok := session.ParseStatus(push.Token)
		if !ok {
			slog.Warn("ignoring unknown status token", "paymentId", push.PaymentID, "token", push.Token)
			continue
		}
		s.propose(push.PaymentID, session.Transition{To: st, Source: session.SourcePush})
	}
}

// SimulatePush injects a status-channel payload as if the gateway had
// published it. Development tooling only.
func (s *PaymentService) SimulatePush(paymentID, token string) {
	s.pushes <- &natcash.StatusPush{PaymentID: paymentID, Token: token}
}

// propose hands a transition to the session's inbox worker. Proposals
// for unknown or discarded sessions are dropped.
func (s *PaymentService) propose(paymentID string, t session.Transition) {
	s.mu.Lock()
	rt, ok := s.runtimes[paymentID]
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case rt.inbox <- t:
	default:
		slog.Warn("proposal inbox full, dropping", "paymentId", paymentID, "to", t.To)
	}
}

// ensureRuntime starts the per-session worker and expiry watcher once.
func (s *PaymentService) ensureRuntime(paymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runtimes[paymentID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &sessionRuntime{
		inbox:  make(chan session.Transition, 8),
		cancel: cancel,
	}
	s.runtimes[paymentID] = rt

	go s.runInbox(ctx, paymentID, rt.inbox)
	go session.Watch(ctx, s.store, paymentID, s.expiryTick, func(t session.Transition) {
		s.propose(paymentID, t)
	})
}

// runInbox serializes proposals for one session. Everything queued in
// the same arbitration window is drained and resolved by precedence,
// so a push carrying gateway truth beats a pending timer expiry no
// matter which arrived first.
func (s *PaymentService) runInbox(ctx context.Context, paymentID string, inbox chan session.Transition) {
	for {
		select {
		case <-ctx.Done():
			return

		case t := <-inbox:
			batch := []session.Transition{t}
		drain:
			for {
				select {
				case q := <-inbox:
					batch = append(batch, q)
				default:
					break drain
				}
			}
			s.apply(context.Background(), paymentID, session.Arbitrate(batch))
		}
	}
}

// apply is the single funnel into the store. It mirrors accepted
// transitions to Redis, fires the exactly-once expiry notification,
// and finalizes terminal sessions.
func (s *PaymentService) apply(ctx context.Context, paymentID string, t session.Transition) (session.Session, bool) {
	snap, applied, err := s.store.Apply(paymentID, t)
	if err != nil {
		// Discarded or unknown session; late responses land here.
		return session.Session{}, false
	}
	if !applied {
		// Lost race (e.g. timer expiry after a terminal push): silent.
		return snap, false
	}

	monitoring.TrackTransition(string(t.To), sourceName(t.Source))
	s.mirror(ctx, snap)

	if snap.Status == session.StatusExpired {
		s.notifyExpired(ctx, paymentID)
	}
	if snap.Status.Terminal() {
		s.finalize(ctx, paymentID, snap)
	}

	return snap, true
}

// notifyExpired issues the best-effort mark-expired call exactly once
// per session. A failure is logged, never retried.
func (s *PaymentService) notifyExpired(ctx context.Context, paymentID string) {
	s.mu.Lock()
	if _, done := s.expired[paymentID]; done {
		s.mu.Unlock()
		return
	}
	s.expired[paymentID] = struct{}{}
	s.mu.Unlock()

	// Cross-restart guard; the in-memory set already covers this
	// process, so a Redis error only widens the best-effort window.
	acquired, err := s.Redis.SetNX(ctx, expiredKeyPrefix+paymentID, "1", 24*time.Hour).Result()
	if err == nil && !acquired {
		return
	}

	if err := s.gateway.MarkExpired(ctx, paymentID); err != nil {
		monitoring.TrackOperation("mark_expired", "error")
		slog.Error("mark-expired call failed", "paymentId", paymentID, "error", err)
		return
	}
	monitoring.TrackOperation("mark_expired", "success")
}

func (s *PaymentService) finalize(ctx context.Context, paymentID string, snap session.Session) {
	s.teardown(ctx, paymentID)

	monitoring.TrackSessionDone(time.Since(snap.CreatedAt))

	if s.pub != nil {
		s.pub.Publish(eventsChannel, map[string]any{
			"payment_id": paymentID,
			"status":     string(snap.Status),
		})
	}

	s.mu.Lock()
	callbacks := make([]func(session.Status, session.Session), len(s.onTerminal))
	copy(callbacks, s.onTerminal)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(snap.Status, snap)
	}
}

func (s *PaymentService) teardown(ctx context.Context, paymentID string) {
	s.mu.Lock()
	rt, ok := s.runtimes[paymentID]
	if ok {
		delete(s.runtimes, paymentID)
	}
	s.mu.Unlock()

	if ok {
		rt.cancel()
	}
	s.gateway.Unsubscribe(ctx, paymentID)
}

// mirror writes the session snapshot to Redis so a reloaded consumer
// can rederive the countdown from absolute timestamps. The in-memory
// store stays authoritative.
func (s *PaymentService) mirror(ctx context.Context, snap session.Session) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}

	ttl := snap.Remaining(time.Now()) + time.Minute
	if err := s.Redis.Set(ctx, sessionKeyPrefix+snap.PaymentID, data, ttl).Err(); err != nil {
		slog.Warn("session mirror write failed", "paymentId", snap.PaymentID, "error", err)
	}
}

func sourceName(src session.Source) string {
	switch src {
	case session.SourceTimer:
		return "timer"
	case session.SourcePoll:
		return "poll"
	case session.SourcePush:
		return "push"
	default:
		return "local"
	}
}
