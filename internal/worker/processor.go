package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/podushkina/bidparse/internal/document"
	"github.com/podushkina/bidparse/internal/extract"
	"github.com/podushkina/bidparse/internal/queue"
	"github.com/podushkina/bidparse/internal/scratch"
	"github.com/podushkina/bidparse/internal/task"
)

// Store is the part of the task repository a processor writes to.
type Store interface {
	Family() task.Family
	SetStatus(ctx context.Context, id string, status task.Status) error
	SetResult(ctx context.Context, id string, result task.Result) error
	Requeue(ctx context.Context, rec *task.Record) error
}

type Converter interface {
	ToPDF(ctx context.Context, path string) (string, error)
}

type TextExtractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

var errPanicked = errors.New("task panicked")

// storeWriteTimeout bounds the final status writes, which run even after the
// task context has ended.
const storeWriteTimeout = 10 * time.Second

// Processor runs one task of a family from upload to stored result.
type Processor struct {
	store     Store
	converter Converter
	reader    TextExtractor
	extractor extract.Extractor
	timeout   time.Duration
}

func NewProcessor(store Store, converter Converter, reader TextExtractor, extractor extract.Extractor, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Processor{
		store:     store,
		converter: converter,
		reader:    reader,
		extractor: extractor,
		timeout:   timeout,
	}
}

// Process claims rec, converts and extracts it, and stores the result. Task
// level failures, panics included, end up in a FAILED envelope; only store
// errors are returned. The uploaded file and its PDF are removed once the
// task was claimed or found finished. A record that could not be claimed is
// put back on the queue with its upload in place.
func (p *Processor) Process(ctx context.Context, rec *task.Record) error {
	logger := log.With().
		Str("family", string(p.store.Family())).
		Str("task_id", rec.ID).
		Str("bid", rec.Bid).
		Logger()

	var pdfPath string
	keepUpload := false
	defer func() {
		if keepUpload {
			return
		}
		scratch.Remove(rec.FilePath, document.PDFPath(rec.FilePath), pdfPath)
	}()

	if err := p.store.SetStatus(ctx, rec.ID, task.StatusProcessing); err != nil {
		if errors.Is(err, queue.ErrStaleTransition) {
			logger.Warn().Msg("task already finished, skipping redelivery")
			return nil
		}
		keepUpload = true
		requeueCtx, cancelRequeue := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
		defer cancelRequeue()
		if rqErr := p.store.Requeue(requeueCtx, rec); rqErr != nil {
			logger.Error().Err(rqErr).Str("file", rec.FilePath).Msg("requeue unclaimed task")
		} else {
			logger.Warn().Err(err).Msg("task requeued, claim failed")
		}
		return fmt.Errorf("claim task %s: %w", rec.ID, err)
	}
	logger.Info().Msg("task processing")
	start := time.Now()

	taskCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := p.safeRun(taskCtx, rec, &pdfPath)

	// The outcome is recorded even when ctx was cancelled by a shutdown.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancelWrite()

	if err != nil {
		logger.Error().Err(err).Dur("took", time.Since(start)).Msg("task failed")
		result = task.Failed(p.store.Family(), rec.Bid, failureMessage(err))
		if err := p.store.SetResult(writeCtx, rec.ID, result); err != nil {
			return err
		}
		return p.finish(writeCtx, rec.ID, task.StatusFailed)
	}

	if err := p.store.SetResult(writeCtx, rec.ID, result); err != nil {
		return err
	}
	if err := p.finish(writeCtx, rec.ID, task.StatusSuccess); err != nil {
		return err
	}
	logger.Info().Dur("took", time.Since(start)).Msg("task succeeded")
	return nil
}

// safeRun turns a panic in any processing step into a task failure.
func (p *Processor) safeRun(ctx context.Context, rec *task.Record, pdfPath *string) (result task.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("task_id", rec.ID).
				Str("stack", string(debug.Stack())).
				Msgf("task panicked: %v", r)
			result = nil
			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	return p.run(ctx, rec, pdfPath)
}

func (p *Processor) run(ctx context.Context, rec *task.Record, pdfPath *string) (task.Result, error) {
	path, err := p.converter.ToPDF(ctx, rec.FilePath)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, document.ErrConversionFailed
	}
	*pdfPath = path

	text, err := p.reader.ExtractText(ctx, path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, document.ErrNoText
	}

	return p.extractor.Extract(ctx, text, rec)
}

func (p *Processor) finish(ctx context.Context, id string, status task.Status) error {
	err := p.store.SetStatus(ctx, id, status)
	if errors.Is(err, queue.ErrStaleTransition) {
		log.Warn().Str("task_id", id).Str("status", string(status)).Msg("task already finished elsewhere")
		return nil
	}
	return err
}

// failureMessage is what callers see as retMessage for a failed task.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, document.ErrConversionFailed):
		return document.ErrConversionFailed.Error()
	case errors.Is(err, document.ErrNoText):
		return document.ErrNoText.Error()
	case errors.Is(err, errPanicked):
		return task.MessageFailed
	default:
		return err.Error()
	}
}
