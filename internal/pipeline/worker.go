package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/musegen/musegen/internal/config"
	"github.com/musegen/musegen/internal/queue"
	"github.com/musegen/musegen/internal/store"
	"github.com/musegen/musegen/pkg/models"
)

// WorkerPool runs the execution loop: dequeue, claim, generate, bookkeep.
type WorkerPool struct {
	store     store.Store
	queue     queue.Queue
	generator models.Generator
	cfg       config.WorkerConfig

	genTimeout time.Duration
	wg         sync.WaitGroup
}

// NewWorkerPool creates a WorkerPool. Start launches the workers.
func NewWorkerPool(st store.Store, q queue.Queue, gen models.Generator,
	cfg config.WorkerConfig, genTimeout time.Duration) *WorkerPool {
	return &WorkerPool{
		store:      st,
		queue:      q,
		generator:  gen,
		cfg:        cfg,
		genTimeout: genTimeout,
	}
}

// Start launches the configured number of workers. They exit when ctx is
// cancelled; Wait blocks until in-flight jobs have been written out.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
	slog.Info("worker pool started", "concurrency", p.cfg.Concurrency)
}

// Wait blocks until all workers have drained.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, workerID int) {
	log := slog.With("worker", workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		jobID, ok, err := p.queue.Dequeue(ctx, p.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", "error", err)
			select {
			case <-time.After(p.cfg.ErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !ok {
			continue
		}

		job, err := p.store.ClaimJob(context.Background(), jobID)
		switch {
		case errors.Is(err, store.ErrJobCancelled):
			// Cancelled while waiting in the queue; skip generation entirely.
			log.Info("skipping cancelled job", "job_id", jobID)
			continue
		case errors.Is(err, store.ErrNotFound):
			log.Warn("dequeued unknown job id", "job_id", jobID)
			continue
		case err != nil:
			log.Warn("claim failed", "job_id", jobID, "error", err)
			continue
		}

		log.Info("job claimed", "job_id", job.ID, "priority", job.Priority)
		p.process(ctx, log, job)
	}
}

// process drives one generation to a terminal status. Store writes use a
// background context so that in-flight bookkeeping completes during shutdown;
// only the generator call is bound to the pool context.
func (p *WorkerPool) process(ctx context.Context, log *slog.Logger, job *models.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", "job_id", job.ID, "panic", r)
			p.fail(job.ID, fmt.Sprintf("panic: %v", r))
		}
	}()

	genCtx, cancel := context.WithTimeout(ctx, p.genTimeout)
	defer cancel()

	chunks, err := p.generator.Generate(genCtx, models.GenerationRequest{
		Prompt:    job.Prompt,
		Model:     job.Model,
		MaxTokens: job.MaxTokens,
	})
	if err != nil {
		p.fail(job.ID, fmt.Sprintf("starting generation: %v", err))
		return
	}

	var (
		content    strings.Builder
		tokens     int
		usage      *models.TokenUsage
		genErr     error
		start      = time.Now()
		lastTokens = 0
		lastFlush  = start
	)

	for chunk := range chunks {
		if chunk.Err != nil {
			genErr = chunk.Err
			break
		}
		content.WriteString(chunk.Text)
		if chunk.Tokens > 0 {
			tokens += chunk.Tokens
		} else {
			tokens += models.EstimateTokens(chunk.Text)
		}
		if chunk.Done {
			usage = chunk.Usage
			break
		}

		// Throttled progress flush; bounded write amplification but never
		// silent for long-running jobs.
		if tokens-lastTokens >= p.cfg.FlushTokens || time.Since(lastFlush) >= p.cfg.FlushInterval {
			err := p.store.UpdateProgress(context.Background(), job.ID,
				progressFrom(content.String(), tokens, job.MaxTokens, start))
			if errors.Is(err, store.ErrJobCancelled) {
				log.Info("job cancelled mid-generation, dropping output", "job_id", job.ID)
				return
			}
			if err != nil {
				log.Warn("progress write failed", "job_id", job.ID, "error", err)
			}
			lastTokens = tokens
			lastFlush = time.Now()
		}
	}

	if genErr != nil {
		msg := genErr.Error()
		if genCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("generation timed out after %s", p.genTimeout)
		}
		log.Warn("generation failed", "job_id", job.ID, "error", genErr)
		p.fail(job.ID, msg)
		return
	}
	if usage == nil {
		if ctx.Err() != nil {
			p.fail(job.ID, "worker shutting down before generation finished")
			return
		}
		if genCtx.Err() == context.DeadlineExceeded {
			p.fail(job.ID, fmt.Sprintf("generation timed out after %s", p.genTimeout))
			return
		}
		usage = &models.TokenUsage{CompletionTokens: tokens, TotalTokens: tokens}
	}

	elapsed := time.Since(start).Seconds()
	var tps float64
	if elapsed > 0 {
		tps = float64(usage.CompletionTokens) / elapsed
	}

	err = p.store.CompleteJob(context.Background(), job.ID, content.String(), store.FinalMetrics{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		ElapsedSeconds:   elapsed,
		TokensPerSecond:  tps,
	})
	if errors.Is(err, store.ErrJobCancelled) {
		log.Info("job cancelled before completion write, dropping output", "job_id", job.ID)
		return
	}
	if err != nil {
		// Leave the row in processing; the reconciler's liveness sweep will
		// surface it for administrative retry rather than losing it silently.
		log.Error("completion write failed", "job_id", job.ID, "error", err)
		return
	}
	log.Info("job completed", "job_id", job.ID,
		"tokens", usage.TotalTokens, "elapsed_s", elapsed)
}

func (p *WorkerPool) fail(jobID uuid.UUID, msg string) {
	err := p.store.FailJob(context.Background(), jobID, msg)
	if err != nil && !errors.Is(err, store.ErrJobCancelled) {
		slog.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
}

// progressFrom derives the metrics snapshot for a progress flush.
func progressFrom(content string, tokens, maxTokens int, start time.Time) store.Progress {
	elapsed := time.Since(start).Seconds()

	var tps, rate float64
	if elapsed > 0 {
		tps = float64(tokens) / elapsed
		rate = float64(len(content)) / elapsed
	}

	var pct float64
	if maxTokens > 0 {
		pct = 100 * float64(tokens) / float64(maxTokens)
		if pct > 99 {
			pct = 99 // 100 is reserved for the completion write
		}
	}

	var eta float64
	if tps > 0 && maxTokens > tokens {
		eta = float64(maxTokens-tokens) / tps
	}

	return store.Progress{
		ProgressPercentage:        pct,
		CurrentTokens:             tokens,
		TokensPerSecond:           tps,
		ElapsedSeconds:            elapsed,
		EstimatedRemainingSeconds: eta,
		PartialContent:            content,
		ContentRate:               rate,
	}
}
