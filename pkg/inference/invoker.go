package inference

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boristopalov/rtgym/internal/observability"
	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/providers"
)

const tracerName = "rtgym.inference"

const (
	DefaultGracePeriod = 2 * time.Second
	// DefaultIdleTimeout ends a stream that has sent nothing for this long
	// when neither an idle timeout nor a call timeout is configured.
	DefaultIdleTimeout = 30 * time.Second
)

// ErrStreamStalled is the error of a stream that stopped sending.
var ErrStreamStalled = errors.New("stream stalled")

// Invoker performs bounded calls against one backend. Provider failures
// never escape: they come back as results with an empty text and Err set.
type Invoker struct {
	backend     providers.Backend
	policy      budget.AccountingPolicy
	grace       time.Duration
	callTimeout time.Duration
	idleTimeout time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
}

type Option func(*Invoker)

// WithGracePeriod bounds how long stopping a call may take once its budget
// is spent.
func WithGracePeriod(d time.Duration) Option {
	return func(inv *Invoker) {
		inv.grace = d
	}
}

// WithCallTimeout caps blocking calls regardless of budget unit. It is
// also the stream idle timeout unless WithIdleTimeout sets one.
func WithCallTimeout(d time.Duration) Option {
	return func(inv *Invoker) {
		inv.callTimeout = d
	}
}

// WithIdleTimeout ends a stream that sends no fragment for d. Time spent
// parked in Request.Renew does not count.
func WithIdleTimeout(d time.Duration) Option {
	return func(inv *Invoker) {
		inv.idleTimeout = d
	}
}

// WithPolicy overrides the backend's own accounting policy.
func WithPolicy(p budget.AccountingPolicy) Option {
	return func(inv *Invoker) {
		inv.policy = p
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(inv *Invoker) {
		inv.logger = l
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(inv *Invoker) {
		inv.metrics = m
	}
}

// WithTracerProvider sets where call spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(inv *Invoker) {
		inv.tracer = tp.Tracer(tracerName)
	}
}

func New(backend providers.Backend, opts ...Option) *Invoker {
	inv := &Invoker{
		backend: backend,
		policy:  backend.Accounting(),
		grace:   DefaultGracePeriod,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (inv *Invoker) Backend() providers.Backend {
	return inv.backend
}

func (inv *Invoker) idle() time.Duration {
	switch {
	case inv.idleTimeout > 0:
		return inv.idleTimeout
	case inv.callTimeout > 0:
		return inv.callTimeout
	default:
		return DefaultIdleTimeout
	}
}

// StallTimeout is the longest a stream may go without a fragment before
// the invoker gives up on it, including the grace period for closing it.
func (inv *Invoker) StallTimeout() time.Duration {
	return inv.idle() + inv.grace
}

// Request describes one call.
type Request struct {
	Prompt string
	Budget *budget.Budget
	// Stream selects streaming mode.
	Stream bool
	// MaxTokens overrides the generation-length hint derived from Budget.
	MaxTokens int
	// OnFlush receives the whole decode buffer after every streamed fragment.
	OnFlush func(text string)
	// Renew is asked for a fresh budget when the current one is spent in
	// streaming mode. Returning nil stops the call.
	Renew func(ctx context.Context) *budget.Budget
}

func (r Request) hint(b *budget.Budget) int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return b.TokenHint()
}

func (r Request) mode() string {
	if r.Stream {
		return "stream"
	}
	return "blocking"
}

// Invoke runs one bounded call. It always returns a result.
func (inv *Invoker) Invoke(ctx context.Context, req Request) core.InferenceResult {
	ctx, span := inv.tracer.Start(ctx, "Invoker.Invoke", trace.WithAttributes(
		attribute.String("llm.backend", inv.backend.Name()),
		attribute.String("llm.mode", req.mode()),
		attribute.String("budget.unit", req.Budget.Unit().String()),
		attribute.Float64("budget.remaining", req.Budget.Remaining()),
	))
	defer span.End()

	var res core.InferenceResult
	outcome := "skipped"
	if b := inv.initialBudget(ctx, req); b != nil {
		req.Budget = b
		if req.Stream {
			res = inv.stream(ctx, req)
		} else {
			res = inv.blocking(ctx, req)
		}
		outcome = outcomeOf(res)
	}

	span.SetAttributes(
		attribute.Int("llm.tokens", res.TokensConsumed),
		attribute.Bool("llm.completed_naturally", res.CompletedNaturally),
		attribute.String("llm.outcome", outcome),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		inv.logger.Warn("inference call failed",
			zap.String("backend", inv.backend.Name()),
			zap.String("mode", req.mode()),
			zap.Error(res.Err),
		)
	}
	inv.metrics.RecordInference(inv.backend.Name(), req.mode(), outcome, res.WallClock, res.TokensConsumed)
	inv.logger.Debug("inference call finished",
		zap.String("backend", inv.backend.Name()),
		zap.String("mode", req.mode()),
		zap.String("outcome", outcome),
		zap.Int("tokens", res.TokensConsumed),
		zap.Duration("took", res.WallClock),
	)
	return res
}

// initialBudget returns a budget with something left, renewing when the
// request allows it, or nil when no call should be made.
func (inv *Invoker) initialBudget(ctx context.Context, req Request) *budget.Budget {
	b := req.Budget
	for b.Exhausted() {
		if req.Renew == nil || !req.Stream {
			return nil
		}
		if b = req.Renew(ctx); b == nil {
			return nil
		}
	}
	return b
}

func outcomeOf(res core.InferenceResult) string {
	switch {
	case res.Err != nil:
		return "failed"
	case res.CompletedNaturally:
		return "natural"
	default:
		return "truncated"
	}
}

func (inv *Invoker) blocking(ctx context.Context, req Request) core.InferenceResult {
	b := req.Budget
	allowed := b.RemainingDuration()

	var cancel context.CancelFunc = func() {}
	switch {
	case b.Unit() == budget.Time:
		ctx, cancel = context.WithTimeout(ctx, allowed+inv.grace)
	case inv.callTimeout > 0:
		ctx, cancel = context.WithTimeout(ctx, inv.callTimeout)
	}
	defer cancel()

	start := time.Now()
	c, err := inv.backend.Complete(ctx, req.Prompt, req.hint(b))
	took := time.Since(start)

	tokens := inv.policy.Charge(c.Usage)
	if b.Unit() == budget.Time {
		b.ChargeDuration(took)
	} else {
		b.Charge(float64(tokens))
	}

	res := core.InferenceResult{TokensConsumed: tokens, WallClock: took}
	if err != nil {
		res.Err = err
		return res
	}
	res.RawText = c.Text
	res.CompletedNaturally = c.FinishReason != providers.FinishLength &&
		(b.Unit() != budget.Time || took <= allowed)
	return res
}
