package session

import (
	"context"
	"time"
)

// Watch ticks down the validity window of one session and proposes an
// EXPIRED transition exactly once when it runs out. The remaining time
// is recomputed from absolute timestamps on every tick, so correctness
// does not depend on the tick granularity.
//
// The loop ends when the context is cancelled, the session disappears,
// or the session reaches a terminal state.
func Watch(ctx context.Context, st *Store, paymentID string, interval time.Duration, propose func(Transition)) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-ticker.C:
			s, ok := st.Get(paymentID)
			if !ok || s.Status.Terminal() {
				return
			}
			if s.Remaining(now) > 0 {
				continue
			}
			if s.Status == StatusPending || s.Status == StatusWaitingConfirm {
				propose(Transition{To: StatusExpired, Source: SourceTimer})
			}
			return
		}
	}
}
