// Package worker implements C7: the background analysis job runner
// that leases pending conversation analyses, truncates their transcript
// to a token budget, calls an external LLM, and stores the result
// (spec.md §4.7).
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/cenkalti/backoff/v5"

	"github.com/claude-nexus/proxy/common/config"
	"github.com/claude-nexus/proxy/common/logger"
	"github.com/claude-nexus/proxy/common/metrics"
	"github.com/claude-nexus/proxy/model"
)

// Worker polls conversation_analyses for leasable rows and drives each
// through the analysis pipeline, bounded by MaxConcurrentJobs.
type Worker struct {
	LLM      LLMClient
	Recorder metrics.MetricsRecorder

	MaxRetries        int
	MaxConcurrentJobs int
	PollInterval      time.Duration
	JobTimeout        time.Duration

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Worker from the package-level config defaults.
func New(llm LLMClient, recorder metrics.MetricsRecorder) *Worker {
	if recorder == nil {
		recorder = &metrics.NoOpRecorder{}
	}
	maxConcurrent := config.AIWorkerMaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Worker{
		LLM:               llm,
		Recorder:          recorder,
		MaxRetries:        config.AIAnalysisMaxRetries,
		MaxConcurrentJobs: maxConcurrent,
		PollInterval:      config.PollInterval(),
		JobTimeout:        config.JobTimeout(),
		sem:               make(chan struct{}, maxConcurrent),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs to
// either finish or have their leases released by cancellation.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// pollOnce fails any exhausted pending rows, then leases and dispatches
// as many jobs as the concurrency budget allows this cycle.
func (w *Worker) pollOnce(ctx context.Context) {
	if err := model.FailExhaustedPending(w.MaxRetries); err != nil {
		logger.Logger.Error("failed to mark exhausted analyses as failed", zap.Error(err))
	}

	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return // concurrency budget exhausted this cycle
		}

		analysis, err := model.LeaseNextPending(w.MaxRetries)
		if err != nil {
			<-w.sem
			logger.Logger.Error("failed to lease pending analysis", zap.Error(err))
			return
		}
		if analysis == nil {
			<-w.sem
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.runJob(ctx, analysis)
		}()
	}
}

// runJob implements lease protocol steps 3-7 for a single leased row.
func (w *Worker) runJob(ctx context.Context, analysis *model.ConversationAnalysis) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.JobTimeout)
	defer cancel()

	err := w.process(jobCtx, analysis)

	if jobCtx.Err() != nil && ctx.Err() != nil {
		// Process shutdown: release without penalizing retry_count
		// (spec.md §5 "worker leases are released by transaction abort").
		if releaseErr := model.ReleaseLease(analysis.ID); releaseErr != nil {
			logger.Logger.Error("failed to release lease on shutdown", zap.Error(releaseErr), zap.String("analysis_id", analysis.ID))
		}
		w.Recorder.RecordAnalysisJob(start, false, analysis.RetryCount)
		return
	}

	if err != nil {
		logger.Logger.Warn("analysis job failed", zap.Error(err), zap.String("analysis_id", analysis.ID))
		if retryErr := model.RetryOrFailAnalysis(analysis.ID, w.MaxRetries, err.Error()); retryErr != nil {
			logger.Logger.Error("failed to record analysis retry", zap.Error(retryErr), zap.String("analysis_id", analysis.ID))
		}
		w.Recorder.RecordAnalysisJob(start, false, analysis.RetryCount+1)
		return
	}

	w.Recorder.RecordAnalysisJob(start, true, analysis.RetryCount)
}

func (w *Worker) process(ctx context.Context, analysis *model.ConversationAnalysis) error {
	requests, err := model.RequestsByConversation(analysis.ConversationID)
	if err != nil {
		return errors.Wrap(err, "load conversation requests")
	}

	prompt, err := assemblePrompt(requests)
	if err != nil {
		return errors.Wrap(err, "assemble analysis prompt")
	}

	text, promptTokens, completionTokens, err := w.callWithRetry(ctx, prompt)
	if err != nil {
		return errors.Wrap(err, "call analysis LLM")
	}

	data, err := parseAnalysisResponse(text)
	if err != nil {
		return errors.Wrap(err, "parse analysis LLM response")
	}

	if err := model.CompleteAnalysis(analysis.ID, text, data, promptTokens, completionTokens); err != nil {
		return errors.Wrap(err, "store completed analysis")
	}
	return nil
}

// callWithRetry bounds transient LLM call failures within a single lease
// attempt with exponential backoff, independent of the job-level
// retry_count which spans separate poll cycles.
func (w *Worker) callWithRetry(ctx context.Context, prompt string) (string, int, int, error) {
	type result struct {
		text             string
		promptTokens     int
		completionTokens int
	}

	r, err := backoff.Retry(ctx, func() (result, error) {
		text, pt, ct, err := w.LLM.Complete(ctx, prompt)
		if err != nil {
			return result{}, err
		}
		return result{text: text, promptTokens: pt, completionTokens: ct}, nil
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return "", 0, 0, err
	}
	return r.text, r.promptTokens, r.completionTokens, nil
}
