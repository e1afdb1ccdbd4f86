package agent

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/extract"
	"github.com/boristopalov/rtgym/pkg/inference"
)

// snapshot is an immutable view of the planning call's decode buffer.
type snapshot struct {
	text string
	done bool
	// result is set once done.
	result core.InferenceResult
}

// planTask runs one streaming planning call in the background. The call
// lives across turns: each turn hands it a fresh grant, and when a grant is
// spent the call parks until the next one instead of being cancelled.
//
// The task goroutine is the only writer of latest.
type planTask struct {
	issuedAt int
	prompt   string

	latest   atomic.Pointer[snapshot]
	grants   chan *budget.Budget
	settled  chan struct{}
	progress chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

func startPlanTask(parent context.Context, inv *inference.Invoker, prompt string, issuedAt, maxTokens int) *planTask {
	ctx, cancel := context.WithCancel(parent)
	t := &planTask{
		issuedAt: issuedAt,
		prompt:   prompt,
		grants:   make(chan *budget.Budget),
		settled:  make(chan struct{}, 1),
		progress: make(chan struct{}, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	t.latest.Store(&snapshot{})
	go t.run(ctx, inv, maxTokens)
	return t
}

func (t *planTask) run(ctx context.Context, inv *inference.Invoker, maxTokens int) {
	defer close(t.done)

	var first *budget.Budget
	select {
	case first = <-t.grants:
	case <-ctx.Done():
		t.latest.Store(&snapshot{done: true, result: core.InferenceResult{Err: ctx.Err()}})
		return
	}

	res := inv.Invoke(ctx, inference.Request{
		Prompt:    t.prompt,
		Budget:    first,
		Stream:    true,
		MaxTokens: maxTokens,
		OnFlush:   t.publish,
		Renew:     t.renew,
	})
	t.latest.Store(&snapshot{text: res.RawText, done: true, result: res})
}

func (t *planTask) publish(text string) {
	t.latest.Store(&snapshot{text: text})
	select {
	case t.progress <- struct{}{}:
	default:
	}
}

// renew reports the current grant as spent and parks until the next one.
func (t *planTask) renew(ctx context.Context) *budget.Budget {
	select {
	case t.settled <- struct{}{}:
	default:
	}
	select {
	case b := <-t.grants:
		return b
	case <-ctx.Done():
		return nil
	}
}

// advance hands the task this turn's grant and waits until the grant is
// spent or the call ends. It gives up once the call has gone stall without
// a flush; the task keeps the grant and the turn goes on without it.
func (t *planTask) advance(ctx context.Context, grant *budget.Budget, stall time.Duration) {
	for _, ch := range []chan struct{}{t.settled, t.progress} {
		select {
		case <-ch:
		default:
		}
	}

	var watchdog *time.Timer
	var expired <-chan time.Time
	if stall > 0 {
		watchdog = time.NewTimer(stall)
		defer watchdog.Stop()
		expired = watchdog.C
	}

	select {
	case t.grants <- grant:
	case <-t.done:
		return
	case <-ctx.Done():
		return
	case <-expired:
		return
	}
	for {
		select {
		case <-t.settled:
			return
		case <-t.done:
			return
		case <-ctx.Done():
			return
		case <-t.progress:
			if watchdog != nil {
				watchdog.Reset(stall)
			}
		case <-expired:
			return
		}
	}
}

func (t *planTask) snapshot() *snapshot {
	return t.latest.Load()
}

func (t *planTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// stop cancels the call and waits for the task to exit.
func (t *planTask) stop() {
	t.cancel()
	<-t.done
}

// backgroundPlanner owns the planning call that feeds a PlanBuffer across
// turns. It is used from the agent's turn loop only.
type backgroundPlanner struct {
	inv       *inference.Invoker
	maxTokens int
	plan      *PlanBuffer
	extractor *extract.Extractor
	alphabet  core.Alphabet
	logger    *zap.Logger

	bg       context.Context
	bgCancel context.CancelFunc
	task     *planTask

	// last payload substituted into the plan, per task
	absorbedTask    *planTask
	absorbedPayload string
	plannedTask     *planTask
	reportedTask    *planTask
}

func newBackgroundPlanner(d deps, inv *inference.Invoker, maxTokens int) *backgroundPlanner {
	p := &backgroundPlanner{
		inv:       inv,
		maxTokens: maxTokens,
		plan:      NewPlanBuffer(d.defaultAction()),
		extractor: d.extractor,
		alphabet:  d.alphabet(),
		logger:    d.logger,
	}
	p.bg, p.bgCancel = context.WithCancel(context.Background())
	return p
}

// idle reports whether no planning call is in flight.
func (p *backgroundPlanner) idle() bool {
	return p.task == nil || p.task.finished()
}

func (p *backgroundPlanner) start(prompt string, turn int) {
	p.task = startPlanTask(p.bg, p.inv, prompt, turn, p.maxTokens)
	p.logger.Debug("planning call started", zap.Int("turn", turn))
}

// advance spends grant on the call in flight, if any.
func (p *backgroundPlanner) advance(ctx context.Context, grant *budget.Budget) {
	if p.task == nil {
		return
	}
	p.task.advance(ctx, grant, p.inv.StallTimeout())
}

func (p *backgroundPlanner) snapshot() *snapshot {
	if p.task == nil {
		return &snapshot{}
	}
	return p.task.snapshot()
}

// absorb substitutes the plan once the call's output holds a complete
// answer block that has not been substituted yet.
func (p *backgroundPlanner) absorb() {
	if p.task == nil {
		return
	}
	payload, ok := p.extractor.Payload(p.task.snapshot().text)
	if !ok || (p.absorbedTask == p.task && p.absorbedPayload == payload) {
		return
	}
	p.absorbedTask, p.absorbedPayload = p.task, payload

	seq := extract.Filter(payload, p.alphabet)
	if len(seq) == 0 {
		return
	}
	p.plan.Replace(seq, p.task.issuedAt)
	p.plannedTask = p.task
	p.logger.Debug("plan substituted",
		zap.Int("issued_at", p.task.issuedAt),
		zap.String("plan", core.Sequence(seq)),
	)
}

// absorbed reports whether the call in flight has already produced a plan.
func (p *backgroundPlanner) absorbed() bool {
	return p.task != nil && p.plannedTask == p.task
}

// failure reports, once per finished call, whether the provider failed or
// the call completed without a usable plan.
func (p *backgroundPlanner) failure() (providerFailed, parseFailed bool) {
	if p.task == nil || p.reportedTask == p.task {
		return false, false
	}
	snap := p.task.snapshot()
	if !snap.done {
		return false, false
	}
	p.reportedTask = p.task
	if snap.result.Failed() {
		return true, false
	}
	return false, p.plannedTask != p.task
}

func (p *backgroundPlanner) reset() {
	p.stopTask()
	p.plan.Reset()
	p.absorbedTask, p.absorbedPayload = nil, ""
	p.plannedTask, p.reportedTask = nil, nil
}

func (p *backgroundPlanner) close() {
	p.stopTask()
	p.bgCancel()
}

func (p *backgroundPlanner) stopTask() {
	if p.task != nil {
		p.task.stop()
		p.task = nil
	}
}
