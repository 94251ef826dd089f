package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourceplane/liteflow/internal/cache"
	"github.com/sourceplane/liteflow/internal/ctxlog"
	"github.com/sourceplane/liteflow/internal/executor"
)

// work submits one job and waits for it. It never touches run state; the
// outcome goes back to the loop through out.
func (s *Scheduler) work(ctx context.Context, runID, flowID string, w *worker, st *staged, out chan<- result) {
	logger := ctxlog.FromContext(ctx)
	id := w.node.ID
	started := s.opts.Now()
	report := func(state State, outputs map[string]string, err error) {
		out <- result{id: id, state: state, outputs: outputs, err: err}
	}

	h, err := s.exec.Submit(ctx, st.prepared.Spec)
	if err != nil {
		report(Failed, nil, execErr(id, "failed to submit job", err))
		return
	}
	logger.Debug("job submitted", slog.String("handle", h.ID))

	status, err := s.wait(ctx, w, h)
	if err != nil {
		if ctx.Err() != nil {
			report(Cancelled, nil, nil)
			return
		}
		report(Failed, nil, execErr(id, "failed to get job status", err))
		return
	}

	if status == executor.StatusFailed {
		summary := "job failed"
		if f, ok := s.exec.(executor.Failure); ok {
			if reason, rerr := f.Reason(ctx, h); rerr == nil && reason != "" {
				summary = reason
			}
		}
		report(Failed, nil, execErr(id, summary, nil))
		return
	}

	outputs, err := s.exec.Outputs(ctx, h)
	if err != nil {
		report(Failed, nil, execErr(id, "failed to fetch outputs", err))
		return
	}

	if s.cache != nil && w.node.Cached() {
		rec := &cache.Record{
			Fingerprint: st.fingerprint,
			ProjectID:   s.opts.ProjectID,
			FlowID:      flowID,
			NodeID:      id,
			RunID:       runID,
			Status:      cache.StatusSuccess,
			Outputs:     outputs,
			LifeSpan:    st.prepared.CacheLifeSpan,
			StartedAt:   started,
			FinishedAt:  s.opts.Now(),
		}
		if err := s.cache.Store(ctx, rec); err != nil {
			logger.Warn("failed to store cache record", slog.String("fingerprint", st.fingerprint), slog.Any("error", err))
		}
	}
	report(Succeeded, outputs, nil)
}

// wait polls the job until it is terminal. A cancel request is forwarded to
// the executor once and polling continues until the job stops.
func (s *Scheduler) wait(ctx context.Context, w *worker, h executor.Handle) (executor.Status, error) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	cancel := w.cancel
	for {
		status, err := s.exec.Status(ctx, h)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			return status, nil
		}

		select {
		case <-cancel:
			cancel = nil
			if err := s.exec.Cancel(ctx, h); err != nil {
				ctxlog.FromContext(ctx).Warn("failed to cancel job", slog.String("handle", h.ID), slog.Any("error", err))
			}
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
