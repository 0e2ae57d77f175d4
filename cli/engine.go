package cli

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/santiagomed/scribe/core"
	"github.com/santiagomed/scribe/llm"
	"github.com/santiagomed/scribe/logger"
)

// ErrEngineStopped is returned for requirements submitted after the engine stopped.
var ErrEngineStopped = errors.New("engine is not running")

// CycleOutcome is what a submitted requirement produced.
type CycleOutcome struct {
	Result *core.CycleResult
	Err    error
}

type CycleRequest struct {
	Ctx        context.Context
	Text       string
	Source     llm.Source
	ResultChan chan CycleOutcome
	CreatedAt  time.Time
}

// Engine runs submitted requirements one at a time on a single worker, so
// cycles against the project never overlap. The request channel is
// unbuffered: a requirement is either taken by the worker or answered by
// Submit, never left queued behind a worker that has exited.
type Engine struct {
	session      *core.Session
	logger       logger.Logger
	requests     chan CycleRequest
	workerWG     sync.WaitGroup
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopped      chan struct{}
}

func NewEngine(session *core.Session, l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Engine{
		session:      session,
		logger:       l,
		requests:     make(chan CycleRequest),
		shutdownChan: make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.workerWG.Add(1)
	go e.worker(ctx)
}

func (e *Engine) worker(ctx context.Context) {
	defer e.workerWG.Done()
	defer close(e.stopped)
	for {
		select {
		case req := <-e.requests:
			if e.stopping(ctx) {
				req.reply(CycleOutcome{Err: ErrEngineStopped})
				return
			}
			e.logger.Debug("Picked up requirement queued " + time.Since(req.CreatedAt).String() + " ago")
			res, err := e.session.RunCycle(req.Ctx, req.Text, req.Source)
			req.reply(CycleOutcome{Result: res, Err: err})
		case <-ctx.Done():
			return
		case <-e.shutdownChan:
			return
		}
	}
}

func (e *Engine) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-e.shutdownChan:
		return true
	default:
		return false
	}
}

func (r CycleRequest) reply(out CycleOutcome) {
	r.ResultChan <- out
	close(r.ResultChan)
}

// Submit hands a requirement to the worker. ctx bounds the cycle itself;
// cancelling it abandons the cycle before anything is written. The returned
// channel always receives exactly one outcome, even when the engine stops
// or ctx is cancelled before the worker takes the requirement.
func (e *Engine) Submit(ctx context.Context, text string, source llm.Source) chan CycleOutcome {
	req := CycleRequest{
		Ctx:        ctx,
		Text:       text,
		Source:     source,
		ResultChan: make(chan CycleOutcome, 1),
		CreatedAt:  time.Now(),
	}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		req.reply(CycleOutcome{Err: ctx.Err()})
	case <-e.shutdownChan:
		req.reply(CycleOutcome{Err: ErrEngineStopped})
	case <-e.stopped:
		req.reply(CycleOutcome{Err: ErrEngineStopped})
	}
	return req.ResultChan
}

func (e *Engine) Session() *core.Session { return e.session }

func (e *Engine) Shutdown(timeout time.Duration) {
	e.shutdownOnce.Do(func() { close(e.shutdownChan) })

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Engine shut down gracefully")
	case <-time.After(timeout):
		e.logger.Warn("Shutdown timed out, a cycle may still be running")
	}
}
