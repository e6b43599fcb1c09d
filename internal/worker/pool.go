package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/podushkina/bidparse/internal/task"
)

// Source hands out queued records of one family.
type Source interface {
	Family() task.Family
	Dequeue(ctx context.Context, timeout time.Duration) (*task.Record, error)
}

type TaskProcessor interface {
	Process(ctx context.Context, rec *task.Record) error
}

type Config struct {
	// Consumers is the number of loops started per registered family.
	Consumers   int
	PollTimeout time.Duration
	Backoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 5 * time.Second
	}
	return c
}

// Consumer is one loop taking records of a family off the queue.
type Consumer struct {
	id      int
	source  Source
	proc    TaskProcessor
	poll    time.Duration
	backoff time.Duration
}

func NewConsumer(id int, source Source, proc TaskProcessor, cfg Config) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		id:      id,
		source:  source,
		proc:    proc,
		poll:    cfg.PollTimeout,
		backoff: cfg.Backoff,
	}
}

// Run loops until ctx is cancelled. Errors and panics never end the loop;
// they are logged and followed by a back-off.
func (c *Consumer) Run(ctx context.Context) {
	logger := log.With().Str("family", string(c.source.Family())).Int("worker_id", c.id).Logger()
	logger.Info().Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("consumer shutting down")
			return
		default:
		}

		if err := c.step(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("consumer shutting down")
				return
			}
			logger.Error().Err(err).Dur("backoff", c.backoff).Msg("consumer error")
			if !sleep(ctx, c.backoff) {
				logger.Info().Msg("consumer shutting down")
				return
			}
		}
	}
}

func (c *Consumer) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("family", string(c.source.Family())).
				Int("worker_id", c.id).
				Str("stack", string(debug.Stack())).
				Msgf("consumer recovered panic: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	rec, err := c.source.Dequeue(ctx, c.poll)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	log.Info().
		Str("family", string(c.source.Family())).
		Int("worker_id", c.id).
		Str("task_id", rec.ID).
		Str("bid", rec.Bid).
		Msg("task received")
	return c.proc.Process(ctx, rec)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type lane struct {
	source Source
	proc   TaskProcessor
}

// Pool runs Consumers loops for every registered family.
type Pool struct {
	cfg   Config
	lanes []lane
	wg    sync.WaitGroup
	mu    sync.Mutex
}

func NewPool(cfg Config) *Pool {
	return &Pool{cfg: cfg.withDefaults()}
}

func (p *Pool) Register(source Source, proc TaskProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lanes = append(p.lanes, lane{source: source, proc: proc})
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range p.lanes {
		for i := 0; i < p.cfg.Consumers; i++ {
			c := NewConsumer(i, l.source, l.proc, p.cfg)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				c.Run(ctx)
			}()
		}
		log.Info().Str("family", string(l.source.Family())).Int("consumers", p.cfg.Consumers).Msg("consumers started")
	}
}

// Stop waits for every consumer to return. Cancel the context passed to
// Start first.
func (p *Pool) Stop() {
	p.wg.Wait()
	log.Info().Msg("all consumers stopped")
}
