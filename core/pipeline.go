package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santiagomed/scribe/config"
	"github.com/santiagomed/scribe/fs"
	"github.com/santiagomed/scribe/llm"
	"github.com/santiagomed/scribe/logger"
)

// Stage is a state of the generation pipeline.
type Stage int

const (
	Idle Stage = iota
	Building
	Invoking
	Parsing
	Validating
	Writing
	Done
	Failed
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building prompt"
	case Invoking:
		return "waiting for model"
	case Parsing:
		return "parsing response"
	case Validating:
		return "validating operations"
	case Writing:
		return "writing files"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

type StagePublisher interface {
	PublishStage(stage Stage)
	Error(stage Stage, err error)
}

type DefaultStagePublisher struct{}

func (p *DefaultStagePublisher) PublishStage(stage Stage) {}

func (p *DefaultStagePublisher) Error(stage Stage, err error) {}

// Pipeline runs one requirement through prompt building, the backend,
// parsing, validation and writing. Cycles on one pipeline run one at a time.
type Pipeline struct {
	mu sync.Mutex

	backend     llm.Backend
	builder     *llm.Builder
	parser      *llm.Parser
	fs          *fs.FileSystem
	validator   *fs.Validator
	policy      RetryPolicy
	opts        llm.Options
	includeTree bool
	publisher   StagePublisher
	logger      logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(cfg *config.Config, backend llm.Backend, fsys *fs.FileSystem, pub StagePublisher, l logger.Logger) *Pipeline {
	if pub == nil {
		pub = &DefaultStagePublisher{}
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	p := &Pipeline{
		backend:   backend,
		fs:        fsys,
		publisher: pub,
		logger:    l,
		sleep:     sleepCtx,
	}
	p.configure(cfg)
	return p
}

// Reconfigure applies cfg to the following cycles, waiting for a running
// cycle to finish first. The backend is kept.
func (p *Pipeline) Reconfigure(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configure(cfg)
}

func (p *Pipeline) configure(cfg *config.Config) {
	proto := llm.Protocol{
		HeaderPrefix: cfg.Protocol.HeaderPrefix,
		OpenMarker:   cfg.Protocol.OpenMarker,
		CloseMarker:  cfg.Protocol.CloseMarker,
	}
	p.fs.Backup = cfg.Files.Backup
	p.fs.Journal = cfg.Files.Journal
	p.builder = llm.NewBuilder(llm.BuilderOptions{
		HistoryWindow:  cfg.Prompt.HistoryWindow,
		IncludeTree:    cfg.Prompt.IncludeTree,
		MaxTreeEntries: cfg.Prompt.MaxTreeEntries,
		Protocol:       proto,
	})
	p.parser = llm.NewParser(proto)
	p.validator = fs.NewValidator(p.fs.Fs, fs.ValidatorOptions{
		Protected:    cfg.Files.Protected,
		StrictSyntax: cfg.Files.StrictSyntax,
	})
	p.policy = RetryPolicyFrom(cfg.Retry)
	p.opts = llm.OptionsFrom(cfg)
	p.includeTree = cfg.Prompt.IncludeTree
}

// Run executes one cycle. The returned error is the cycle level failure
// (also stored in CycleResult.Err); per operation problems only show up in
// the result. Nothing is written when the error is non-nil.
func (p *Pipeline) Run(ctx context.Context, req llm.Requirement, history []llm.Turn) (*CycleResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	res := &CycleResult{ID: llm.NewID(), Requirement: req}
	log := p.logger.WithField("cycle", res.ID)
	finish := func(err error, stage Stage) (*CycleResult, error) {
		res.Err = err
		res.Duration = time.Since(start)
		res.classify()
		if err != nil {
			log.Error(fmt.Sprintf("Cycle failed while %v: %v", stage, err))
			p.publisher.Error(stage, err)
			p.publisher.PublishStage(Failed)
			return res, err
		}
		log.Info(fmt.Sprintf("Cycle finished: %s, %d applied, %d skipped in %v", res.Status, len(res.Applied), len(res.Skipped), res.Duration))
		p.publisher.PublishStage(Done)
		return res, nil
	}

	p.publisher.PublishStage(Building)
	var tree []string
	if p.includeTree {
		t, err := p.fs.Tree()
		if err != nil {
			log.Warn(fmt.Sprintf("Could not list project files: %v", err))
		}
		tree = t
	}
	prompt, err := p.builder.Build(req, history, tree)
	if err != nil {
		return finish(err, Building)
	}

	p.publisher.PublishStage(Invoking)
	completion, err := p.invoke(ctx, prompt, res, log)
	if err != nil {
		return finish(err, Invoking)
	}
	res.Model = completion.Model
	res.Usage = completion.Usage

	p.publisher.PublishStage(Parsing)
	parsed, err := p.parser.Parse(completion.Text)
	if err != nil {
		return finish(err, Parsing)
	}
	res.Skipped = append(res.Skipped, parsed.Skipped...)
	res.Warnings = append(res.Warnings, parsed.Warnings...)

	p.publisher.PublishStage(Validating)
	accepted, rejected := p.validator.ValidateAll(parsed.Operations)
	res.Skipped = append(res.Skipped, rejected...)
	for _, v := range accepted {
		res.Warnings = append(res.Warnings, v.Warnings...)
	}

	// the last point where abandoning the cycle leaves the project untouched
	if err := ctx.Err(); err != nil {
		return finish(err, Validating)
	}

	p.publisher.PublishStage(Writing)
	for _, out := range p.fs.Apply(res.ID, accepted) {
		if !out.Applied {
			log.Warn(fmt.Sprintf("Skipped %v: %v", out.Op, out.Err))
			res.Skipped = append(res.Skipped, out.Skipped())
			continue
		}
		if out.Err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s applied but not journaled: %v", out.Op.Path, out.Err))
		}
		res.Applied = append(res.Applied, AppliedOp{
			FileOperation: out.Op,
			Noop:          out.Noop,
			Additions:     out.Additions,
			Deletions:     out.Deletions,
			BackupPath:    out.BackupPath,
		})
	}
	return finish(nil, Done)
}

// invoke calls the backend, retrying according to the policy.
func (p *Pipeline) invoke(ctx context.Context, prompt llm.Prompt, res *CycleResult, log logger.Logger) (llm.Completion, error) {
	for attempt := 1; ; attempt++ {
		started := time.Now()
		completion, err := p.attempt(ctx, prompt)
		res.Attempts = attempt
		if err == nil {
			log.Info(fmt.Sprintf("Backend %s answered attempt %d in %v", p.backend.Name(), attempt, time.Since(started)))
			return completion, nil
		}
		if ctx.Err() != nil {
			log.Info("Backend call cancelled")
			return llm.Completion{}, ctx.Err()
		}

		kind := llm.KindOf(err)
		decision, delay := p.policy.Decide(attempt, kind)
		log.Warn(fmt.Sprintf("Attempt %d failed with %v, %v: %v", attempt, kind, decision, err))
		if decision == Abort {
			return llm.Completion{}, err
		}
		if err := p.sleep(ctx, delay); err != nil {
			return llm.Completion{}, err
		}
	}
}

func (p *Pipeline) attempt(ctx context.Context, prompt llm.Prompt) (llm.Completion, error) {
	actx := ctx
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	completion, err := p.backend.Complete(actx, prompt, p.opts)
	if err != nil && llm.KindOf(err) == llm.KindUnknown && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = &llm.Error{Kind: llm.Timeout, Backend: p.backend.Name(), Err: err}
	}
	return completion, err
}
