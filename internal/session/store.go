package session

import (
	"sync"

	"github.com/shopspring/decimal"

	"cashin-system/internal/status"
)

// Source identifies who proposed a transition. Precedence between
// concurrent proposals is decided by Arbitrate, never by arrival order.
type Source int

const (
	// SourceLocal is a transition driven by a gateway REST response or
	// an operator action handled by the controller itself.
	SourceLocal Source = iota

	// SourceTimer is an advisory expiry proposed by the local timer.
	SourceTimer

	// SourcePoll is a status read back from the gateway detail endpoint.
	SourcePoll

	// SourcePush is a status delivered over the real-time channel.
	SourcePush
)

// Transition is a proposed status change. Monetary fields are consumed
// only when entering WAITING_CONFIRM and are carried verbatim from the
// gateway response.
type Transition struct {
	To     Status
	Source Source

	TxID        string
	Fee         decimal.Decimal
	Discount    decimal.Decimal
	Commission  decimal.Decimal
	TotalAmount decimal.Decimal
}

// Arbitrate picks the winning transition among proposals that landed in
// the same arbitration window. A SUCCESS/FAILED push or poll carries
// authoritative gateway truth and always beats a timer-proposed EXPIRED.
func Arbitrate(batch []Transition) Transition {
	best := batch[0]
	for _, t := range batch[1:] {
		if rank(t) > rank(best) {
			best = t
		}
	}
	return best
}

func rank(t Transition) int {
	switch {
	case (t.Source == SourcePush || t.Source == SourcePoll) && (t.To == StatusSuccess || t.To == StatusFailed):
		return 3
	case t.Source == SourceLocal:
		return 2
	case t.To == StatusExpired && (t.Source == SourcePush || t.Source == SourcePoll):
		return 1
	default:
		// timer-proposed expiry
		return 0
	}
}

// Store owns the in-memory sessions. All mutation goes through Apply so
// the no-transition-after-terminal guard holds at every entry point.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Put registers a new session.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *s
	st.sessions[s.PaymentID] = &cp
}

// Get returns a snapshot of the session.
func (st *Store) Get(paymentID string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[paymentID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Discard drops a session. Later proposals against the dropped id are
// no-ops, which is how in-flight responses after discard are absorbed.
func (st *Store) Discard(paymentID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, paymentID)
}

// Apply attempts a transition and returns the resulting snapshot and
// whether it was applied. Proposals against terminal sessions are
// silently ignored; a lost expiry race is not an error.
func (st *Store) Apply(paymentID string, t Transition) (Session, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[paymentID]
	if !ok {
		return Session{}, false, status.ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return *s, false, nil
	}
	if !allowed(s.Status, t.To) {
		return *s, false, nil
	}

	s.Status = t.To
	if t.To == StatusWaitingConfirm {
		s.TxID = t.TxID
		s.Fee = t.Fee
		s.Discount = t.Discount
		s.Commission = t.Commission
		s.TotalAmount = t.TotalAmount
	}

	return *s, true, nil
}

func allowed(from, to Status) bool {
	switch to {
	case StatusPending:
		return from == StatusInit
	case StatusWaitingConfirm:
		return from == StatusPending
	case StatusSuccess:
		return from == StatusWaitingConfirm || from == StatusPending
	case StatusFailed:
		return from == StatusPending || from == StatusWaitingConfirm
	case StatusExpired:
		return from == StatusPending || from == StatusWaitingConfirm
	}
	return false
}
