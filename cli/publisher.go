package cli

import (
	"fmt"

	"github.com/santiagomed/scribe/core"
	"github.com/santiagomed/scribe/logger"
)

type stageError struct {
	stage core.Stage
	err   error
}

func (e stageError) Error() string {
	return fmt.Sprintf("%v: %v", e.stage, e.err)
}

func (e stageError) Unwrap() error { return e.err }

// CliStagePublisher forwards pipeline stages to the terminal UI without
// ever blocking the pipeline.
type CliStagePublisher struct {
	stageChan chan core.Stage
	errorChan chan stageError
	logger    logger.Logger
}

func NewCliStagePublisher(logger logger.Logger) *CliStagePublisher {
	return &CliStagePublisher{
		stageChan: make(chan core.Stage, 100),
		errorChan: make(chan stageError, 10),
		logger:    logger,
	}
}

func (p *CliStagePublisher) PublishStage(stage core.Stage) {
	select {
	case p.stageChan <- stage:
		p.logger.Debug(fmt.Sprintf("Published stage: %v", stage))
	default:
		p.logger.Warn(fmt.Sprintf("Failed to publish stage: %v. Channel full.", stage))
	}
}

func (p *CliStagePublisher) Error(stage core.Stage, err error) {
	select {
	case p.errorChan <- stageError{stage: stage, err: err}:
		p.logger.Debug(fmt.Sprintf("Published error for stage: %v", stage))
	default:
		p.logger.Warn(fmt.Sprintf("Failed to publish error for stage: %v. Channel full.", stage))
	}
}

// drain discards stages left over from a previous cycle.
func (p *CliStagePublisher) drain() {
	for {
		select {
		case <-p.stageChan:
		case <-p.errorChan:
		default:
			return
		}
	}
}
