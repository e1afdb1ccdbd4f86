package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/providers"
)

// streamState is the bookkeeping of one streaming call.
type streamState struct {
	req     Request
	policy  budget.AccountingPolicy
	b       *budget.Budget
	mark    time.Time
	tokens  int
	buf     strings.Builder
	finish  providers.FinishReason
	timer   *time.Timer
	expires <-chan time.Time

	idleAfter time.Duration
	idle      *time.Timer
	stalled   <-chan time.Time
}

// arm restarts the expiry timer of a Time budget.
func (s *streamState) arm() {
	if s.b.Unit() != budget.Time {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.NewTimer(s.b.RemainingDuration())
	s.expires = s.timer.C
}

// armIdle restarts the stall deadline.
func (s *streamState) armIdle() {
	if s.idleAfter <= 0 {
		return
	}
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idle = time.NewTimer(s.idleAfter)
	s.stalled = s.idle.C
}

func (s *streamState) stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.idle != nil {
		s.idle.Stop()
	}
}

// chargeTime charges wall clock since the last mark to a Time budget.
func (s *streamState) chargeTime() {
	if s.b.Unit() != budget.Time {
		return
	}
	now := time.Now()
	s.b.ChargeDuration(now.Sub(s.mark))
	s.mark = now
}

// chargeTokens charges the tokens a fragment added. Cumulative usage wins
// when the backend reports it; otherwise each non-empty fragment is one token.
func (s *streamState) chargeTokens(d providers.Delta) {
	total := s.tokens
	switch {
	case d.Usage != nil:
		total = s.policy.Charge(*d.Usage)
	case d.Text != "":
		total = s.tokens + 1
	}
	if total <= s.tokens {
		return
	}
	added := total - s.tokens
	s.tokens = total
	if s.b.Unit() == budget.Tokens {
		s.b.Charge(float64(added))
	}
}

// next moves to a fresh budget once the current one is spent. It returns
// false when the call has to stop.
func (s *streamState) next(ctx context.Context) bool {
	for s.b.Exhausted() {
		if s.req.Renew == nil {
			return false
		}
		s.stop()
		nb := s.req.Renew(ctx)
		if nb == nil {
			return false
		}
		s.b = nb
		s.mark = time.Now()
	}
	s.arm()
	s.armIdle()
	return true
}

func (inv *Invoker) stream(ctx context.Context, req Request) core.InferenceResult {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	s := &streamState{req: req, policy: inv.policy, b: req.Budget, mark: start, idleAfter: inv.idle()}
	s.arm()
	s.armIdle()
	defer s.stop()

	deltas, errc := inv.backend.CompleteStream(callCtx, req.Prompt, req.hint(req.Budget))

	var res core.InferenceResult
	truncated := false
loop:
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				if err := <-errc; err != nil {
					res.Err = err
				}
				break loop
			}
			s.buf.WriteString(d.Text)
			s.chargeTokens(d)
			s.chargeTime()
			if d.FinishReason != providers.FinishNone {
				s.finish = d.FinishReason
			}
			if req.OnFlush != nil && d.Text != "" {
				req.OnFlush(s.buf.String())
			}
			// the final fragment may overshoot; let the stream close on its own
			if s.b.Exhausted() && s.finish == providers.FinishNone && !s.next(ctx) {
				truncated = true
				break loop
			}
			s.armIdle()
		case <-s.expires:
			s.chargeTime()
			if !s.next(ctx) {
				truncated = true
				break loop
			}
		case <-s.stalled:
			res.Err = fmt.Errorf("%w: no fragment for %s", ErrStreamStalled, s.idleAfter)
			truncated = true
			break loop
		case <-ctx.Done():
			truncated = true
			break loop
		}
	}

	if truncated {
		inv.abandon(cancel, deltas)
	}
	s.chargeTime()

	res.TokensConsumed = s.tokens
	res.WallClock = time.Since(start)
	if res.Err != nil {
		return res
	}
	res.RawText = s.buf.String()
	res.CompletedNaturally = !truncated && s.finish != providers.FinishLength
	return res
}

// abandon closes the call and waits at most the grace period for the
// backend to let go of it.
func (inv *Invoker) abandon(cancel context.CancelFunc, deltas <-chan providers.Delta) {
	cancel()
	grace := time.NewTimer(inv.grace)
	defer grace.Stop()
	for {
		select {
		case _, ok := <-deltas:
			if !ok {
				return
			}
		case <-grace.C:
			inv.logger.Warn("backend did not release stream within grace period",
				zap.String("backend", inv.backend.Name()),
				zap.Duration("grace", inv.grace),
			)
			return
		}
	}
}
